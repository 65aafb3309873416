package mtproto

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/gotd/td/crypto"
	"github.com/gotd/td/session"
	"github.com/gotd/td/tg"
)

// ErrUnsupportedSessionFormat возвращается, если формат файла сессии не распознан.
var ErrUnsupportedSessionFormat = errors.New("unsupported MTProto session format")

// Форматы файлов сессий, которые понимает импорт.
const (
	FormatGotd            = "gotd"
	FormatTelethonAccount = "telethon_account"
	FormatTelethonRows    = "telethon_rows"
	FormatTelethonString  = "telethon_string"
)

// ImportedSession: сессия в формате хранилища gotd.
type ImportedSession struct {
	Data   []byte
	Format string
	DC     int
}

// storedSession повторяет обёртку, в которой session.Loader хранит данные.
type storedSession struct {
	Version int          `json:"Version"`
	Data    session.Data `json:"Data"`
}

// ImportSession распознаёт файл сессии и приводит его к формату хранилища gotd.
// Порядок проверки: gotd JSON, экспорт аккаунта Telethon, строки SQLite Telethon, строковая сессия.
func ImportSession(raw []byte) (ImportedSession, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ImportedSession{}, errors.New("MTProto session is empty")
	}

	var stored storedSession
	if err := json.Unmarshal(trimmed, &stored); err == nil && stored.Version != 0 {
		if len(stored.Data.AuthKey) == 0 {
			return ImportedSession{}, errors.New("gotd session has no auth key")
		}
		return ImportedSession{Data: append([]byte(nil), trimmed...), Format: FormatGotd, DC: stored.Data.DC}, nil
	}

	type attempt struct {
		format  string
		convert func([]byte) (session.Data, error)
	}
	for _, a := range []attempt{
		{FormatTelethonAccount, fromTelethonAccount},
		{FormatTelethonRows, fromTelethonRows},
		{FormatTelethonString, fromTelethonString},
	} {
		data, err := a.convert(trimmed)
		if err != nil {
			continue
		}
		encoded, err := json.Marshal(storedSession{Version: 1, Data: data})
		if err != nil {
			return ImportedSession{}, err
		}
		return ImportedSession{Data: encoded, Format: a.format, DC: data.DC}, nil
	}
	return ImportedSession{}, ErrUnsupportedSessionFormat
}

func fromTelethonAccount(raw []byte) (session.Data, error) {
	var account struct {
		ExtraParams string `json:"extra_params"`
	}
	if err := json.Unmarshal(raw, &account); err != nil {
		return session.Data{}, err
	}
	if account.ExtraParams == "" {
		return session.Data{}, errors.New("no extra_params")
	}
	return fromTelethonString([]byte(account.ExtraParams))
}

// fromTelethonRows разбирает выгрузку таблицы sessions из SQLite-файла Telethon.
func fromTelethonRows(raw []byte) (session.Data, error) {
	var rows []struct {
		DCID          int    `json:"dc_id"`
		ServerAddress string `json:"server_address"`
		Port          int    `json:"port"`
		AuthKey       string `json:"auth_key"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return session.Data{}, err
	}
	for _, row := range rows {
		if row.AuthKey == "" || row.ServerAddress == "" || row.Port == 0 {
			continue
		}
		return dataFromHexKey(row.DCID, row.ServerAddress, row.Port, row.AuthKey)
	}
	return session.Data{}, errors.New("no usable rows")
}

func fromTelethonString(raw []byte) (session.Data, error) {
	value := strings.Trim(strings.TrimSpace(string(raw)), "\"'\n\r\t")
	if value == "" {
		return session.Data{}, errors.New("empty string session")
	}
	data, err := session.TelethonSession(value)
	if err != nil {
		return session.Data{}, err
	}
	if data.Config.ThisDC == 0 {
		data.Config.ThisDC = data.DC
	}
	if len(data.Config.DCOptions) == 0 && data.Addr != "" {
		if host, port, err := splitAddr(data.Addr); err == nil {
			data.Config.DCOptions = []tg.DCOption{{ID: data.DC, IPAddress: host, Port: port}}
		}
	}
	return *data, nil
}

func dataFromHexKey(dc int, host string, port int, keyHex string) (session.Data, error) {
	rawKey, err := hex.DecodeString(strings.Trim(strings.TrimSpace(keyHex), "'\""))
	if err != nil {
		return session.Data{}, fmt.Errorf("decode auth_key: %w", err)
	}
	var key crypto.Key
	if len(rawKey) != len(key) {
		return session.Data{}, fmt.Errorf("auth_key must be %d bytes, got %d", len(key), len(rawKey))
	}
	copy(key[:], rawKey)
	id := key.WithID().ID

	return session.Data{
		Config: session.Config{
			ThisDC:    dc,
			DCOptions: []tg.DCOption{{ID: dc, IPAddress: host, Port: port}},
		},
		DC:        dc,
		Addr:      net.JoinHostPort(host, strconv.Itoa(port)),
		AuthKey:   append([]byte(nil), key[:]...),
		AuthKeyID: append([]byte(nil), id[:]...),
	}, nil
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
