package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// SecretTokenHeader: заголовок, которым Telegram подписывает запросы вебхука.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// maxWebhookBody ограничивает размер апдейта.
const maxWebhookBody = 1 << 20

// WebhookHandler обрабатывает тело одного апдейта.
type WebhookHandler func(ctx context.Context, payload json.RawMessage) error

// WebhookSecretMiddleware пропускает запросы с верным секретом в заголовке или в параметре token.
// Пустой секрет проверку отключает.
func WebhookSecretMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get(SecretTokenHeader)
			if got == "" {
				got = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				WriteError(w, http.StatusUnauthorized, errors.New("invalid webhook secret"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MountWebhook регистрирует POST-эндпоинт вебхука.
// Ошибка обработчика не возвращается Telegram, иначе апдейт будет прислан повторно.
func (s *Server) MountWebhook(path, secret string, handle WebhookHandler) {
	s.Router.With(WebhookSecretMiddleware(secret)).Post(path, func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			WriteError(w, http.StatusBadRequest, errors.New("failed to read body"))
			return
		}
		if !json.Valid(body) {
			WriteError(w, http.StatusBadRequest, errors.New("invalid update payload"))
			return
		}
		if err := handle(r.Context(), body); err != nil {
			s.log.Error().Err(err).Str("request_id", RequestID(r)).Msg("http: апдейт вебхука не обработан")
		}
		w.WriteHeader(http.StatusOK)
	})
}

// RequestID возвращает request ID из контекста chi.
func RequestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

// ErrorResponse описывает ошибку.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteError отправляет JSON с ошибкой.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
