package quotabot

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument is wrapped by errors caused by bad caller input, such
// as an empty subject ID or a policy with non-positive limits.
var ErrInvalidArgument = errors.New("invalid argument")

// ConfigError is returned when a category resolves to no policy and no
// default policy is configured.
type ConfigError struct {
	Category string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("no rate limit policy for category %q and no default configured", e.Category)
}

// StorageError wraps a failure reading or writing quota state.
// The rate limiter treats it as a denial.
type StorageError struct {
	Op       string
	Subject  string
	Category string
	Err      error
}

func (e *StorageError) Error() string {
	if e.Category == "" {
		return fmt.Sprintf("quota store %s subject=%q: %v", e.Op, e.Subject, e.Err)
	}
	return fmt.Sprintf(
		"quota store %s subject=%q category=%q: %v",
		e.Op,
		e.Subject,
		e.Category,
		e.Err,
	)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
