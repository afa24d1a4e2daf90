package stash

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrUnknownSdk is returned for identifiers no database exists for.
var ErrUnknownSdk = errors.New("unknown sdk")

// LoadError is returned when the database of a known SDK could not be
// loaded: storage failures, corrupt data or a load that timed out.
type LoadError struct {
	SdkID string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load sdk %s: %v", e.SdkID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// IsUnknownSdk reports whether err tells the SDK does not exist.
func IsUnknownSdk(err error) bool {
	return errors.Is(err, ErrUnknownSdk)
}

// IsLoadError reports whether err is a failed database load.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}
