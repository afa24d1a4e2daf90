package symbolizer

import (
	"errors"
	"fmt"
)

// ErrMalformedBatch is returned for structurally invalid requests. No
// resolution is attempted for them.
var ErrMalformedBatch = errors.New("malformed batch")

type malformedBatchError struct {
	reason string
}

func (e malformedBatchError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMalformedBatch, e.reason)
}

func (e malformedBatchError) Unwrap() error { return ErrMalformedBatch }

// MalformedBatch reports a client fault found while decoding a batch, before
// it reaches the symbolizer.
func MalformedBatch(format string, args ...interface{}) error {
	return malformedBatchError{reason: fmt.Sprintf(format, args...)}
}

// Validate checks the fields every batch must carry.
func (r *Request) Validate() error {
	switch {
	case r.SdkID == "":
		return malformedBatchError{reason: "missing sdk_id"}
	case r.Arch == "":
		return malformedBatchError{reason: "missing cpu_name"}
	case r.Queries == nil:
		return malformedBatchError{reason: "missing symbols"}
	}
	return nil
}
