package protocol

import (
	"errors"
	"fmt"

	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

var (
	// ErrOffline means no server response was obtained. Callers wait
	// for an online event before retrying; they never busy-poll.
	ErrOffline = errors.New("server unreachable")

	ErrNotFound           = errors.New("not found")
	ErrBadVersion         = errors.New("bad version")
	ErrNotAllowed         = errors.New("not allowed")
	ErrInvalidCertificate = errors.New("invalid certificate")

	ErrRequireGreaterTimestamp = errors.New("require greater timestamp")
	ErrTimestampOutOfBallpark  = errors.New("timestamp out of ballpark")
	ErrRealmAlreadyExists      = errors.New("realm already exists")
	ErrBlockAlreadyExists      = errors.New("block already exists")
)

// RequireGreaterTimestampError is an internal retry signal, never a
// user-facing failure: the caller bumps its timestamp to at least
// StrictlyGreaterThan and resubmits.
type RequireGreaterTimestampError struct {
	StrictlyGreaterThan types.DateTime
}

func (e *RequireGreaterTimestampError) Error() string {
	return fmt.Sprintf("require timestamp strictly greater than %s", e.StrictlyGreaterThan.Format("2006-01-02T15:04:05.000000Z07:00"))
}

func (e *RequireGreaterTimestampError) Is(target error) bool {
	return target == ErrRequireGreaterTimestamp
}

type TimestampOutOfBallparkError struct {
	ClientTimestamp types.DateTime
	ServerTimestamp types.DateTime
}

func (e *TimestampOutOfBallparkError) Error() string {
	return fmt.Sprintf("timestamp out of ballpark (client %s, server %s)",
		e.ClientTimestamp.Format("15:04:05.000000"), e.ServerTimestamp.Format("15:04:05.000000"))
}

func (e *TimestampOutOfBallparkError) Is(target error) bool {
	return target == ErrTimestampOutOfBallpark
}

type RealmAlreadyExistsError struct {
	LastTimestamp types.DateTime
}

func (e *RealmAlreadyExistsError) Error() string {
	return "realm already exists"
}

func (e *RealmAlreadyExistsError) Is(target error) bool {
	return target == ErrRealmAlreadyExists
}

// HTTPError carries a transport status the closed reply variants do
// not cover.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}
