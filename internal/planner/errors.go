package planner

import (
	"errors"
	"fmt"
)

// Outcomes surfaced to callers. They are matched with errors.Is; the HTTP
// layer maps each to a status code.
var (
	ErrNotFound     = errors.New("no station found")
	ErrNoRoute      = errors.New("no route found connecting these stations")
	ErrInvalidInput = errors.New("invalid input")
	ErrTransient    = errors.New("schedule store unavailable")
)

func transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Outcome names an error for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "found"
	case errors.Is(err, ErrNoRoute):
		return "no_route"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}
