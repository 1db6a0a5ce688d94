package config

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalid marks a malformed or inconsistent configuration.
	ErrInvalid = errors.New("config invalid")
	// ErrSecretMissing marks an enabled channel or source whose secret is unset.
	ErrSecretMissing = errors.New("secret missing")
)

// Error names the offending field, e.g. "sources[1].diff_policy.delta: must be > 0".
type Error struct {
	Field string
	Kind  error
	Msg   string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Kind }

func invalidf(field, format string, args ...any) error {
	return &Error{Field: field, Kind: ErrInvalid, Msg: fmt.Sprintf(format, args...)}
}

func missingf(field, format string, args ...any) error {
	return &Error{Field: field, Kind: ErrSecretMissing, Msg: fmt.Sprintf(format, args...)}
}
