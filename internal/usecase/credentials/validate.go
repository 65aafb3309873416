package credentials

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"tg-topics-bot/internal/domain"
)

var (
	apiIDPattern   = regexp.MustCompile(`^\d{7,8}$`)
	apiHashPattern = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
)

// ErrFormat возвращается, если сообщение не похоже на пару API_ID и API_HASH.
var ErrFormat = errors.New("expected two lines: API_ID and API_HASH")

// ParseCredentials разбирает сообщение пользователя из двух строк.
func ParseCredentials(text string) (domain.Credentials, error) {
	lines := make([]string, 0, 2)
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) != 2 {
		return domain.Credentials{}, ErrFormat
	}
	return ValidateCredentials(lines[0], lines[1])
}

// ValidateCredentials проверяет формат api_id и api_hash.
func ValidateCredentials(apiID, apiHash string) (domain.Credentials, error) {
	apiID = strings.TrimSpace(apiID)
	apiHash = strings.TrimSpace(apiHash)
	if !apiIDPattern.MatchString(apiID) {
		return domain.Credentials{}, errors.New("API_ID must contain 7-8 digits")
	}
	if !apiHashPattern.MatchString(apiHash) {
		return domain.Credentials{}, errors.New("API_HASH must contain 32 hex characters")
	}
	id, err := strconv.Atoi(apiID)
	if err != nil {
		return domain.Credentials{}, err
	}
	return domain.Credentials{APIID: id, APIHash: strings.ToLower(apiHash)}, nil
}
