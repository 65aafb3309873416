package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("not found")

	ErrQueueFull    = errors.New("queue is full")
	ErrPendingLimit = errors.New("too many pending tasks for user")

	ErrNoSession          = errors.New("no user session available")
	ErrAdminRequired      = errors.New("chat admin rights required")
	ErrChannelPrivate     = errors.New("channel is private or unavailable")
	ErrInvalidCredentials = errors.New("invalid api credentials")
	ErrNotForum           = errors.New("chat is not a forum supergroup")
	ErrRateLimited        = errors.New("rate limited")
	ErrShutdown           = errors.New("service is shutting down")
)

// FloodWaitError сохраняет подсказку Telegram о паузе перед повтором.
type FloodWaitError struct {
	Wait time.Duration
	Err  error
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait %d seconds", int(e.Wait.Seconds()))
}

func (e *FloodWaitError) Unwrap() error {
	return e.Err
}

// Category: видимая пользователю категория отказа или ошибки.
type Category string

const (
	CategoryRateLimited Category = "rate_limited"
	CategoryBlocked     Category = "blocked"
	CategoryNoSession   Category = "no_session"
	CategoryInternal    Category = "internal"
)

// Categorize сводит ошибку к одной категории для ответа пользователю.
func Categorize(err error) Category {
	var flood *FloodWaitError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &flood),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrQueueFull),
		errors.Is(err, ErrPendingLimit):
		return CategoryRateLimited
	case errors.Is(err, ErrAdminRequired), errors.Is(err, ErrChannelPrivate):
		return CategoryBlocked
	case errors.Is(err, ErrNoSession), errors.Is(err, ErrInvalidCredentials):
		return CategoryNoSession
	default:
		return CategoryInternal
	}
}
