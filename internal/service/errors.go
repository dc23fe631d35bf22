package service

import (
	"errors"
	"fmt"

	"chatcore/internal/store"

	"github.com/rs/zerolog/log"
)

// Error taxonomy shared by the HTTP and websocket surfaces. Callers wrap them
// with detail: fmt.Errorf("%w: content is empty", ErrValidation).
var (
	ErrValidation      = errors.New("validation error")
	ErrNotParticipant  = errors.New("not a participant")
	ErrNotFound        = errors.New("not found")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrInternal        = errors.New("internal error")
)

const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeNotParticipant  = "NOT_PARTICIPANT"
	CodeNotFound        = "NOT_FOUND"
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeForbidden       = "FORBIDDEN"
	CodeInternal        = "INTERNAL_ERROR"
)

// CodeOf maps err to its wire code. Anything unrecognised is internal.
func CodeOf(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotParticipant):
		return CodeNotParticipant
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	default:
		return CodeInternal
	}
}

// PublicMessage is the text safe to show a client; persistence details stay
// in the logs.
func PublicMessage(err error) string {
	if CodeOf(err) == CodeInternal {
		return ErrInternal.Error()
	}
	return err.Error()
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// translate turns a store error into the taxonomy. what names the missing
// entity for NOT_FOUND.
func translate(err error, op, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case errors.Is(err, store.ErrNotParticipant):
		return ErrNotParticipant
	default:
		log.Error().Err(err).Str("op", op).Msg("store failure")
		return fmt.Errorf("%w: %s: %v", ErrInternal, op, err)
	}
}
