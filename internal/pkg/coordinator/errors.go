package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrUpdateFailed marks a failed fetch after setup succeeded once.
	ErrUpdateFailed = errors.New("update failed")
	// ErrAuthFailed marks a credential rejection. Fetch functions wrap it so the
	// host can prompt for new credentials instead of retrying forever.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrSetupFailed is returned by FirstRefresh, the entry is not ready yet.
	ErrSetupFailed = errors.New("setup failed")
	ErrShutdown    = errors.New("coordinator shut down")
)

// UpdateError is what a failed fetch turns into at the coordinator boundary.
type UpdateError struct {
	Coordinator string
	Kind        error
	Err         error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Coordinator, e.Kind, e.Err)
}

func (e *UpdateError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func classify(name string, err error) *UpdateError {
	var uerr *UpdateError
	if errors.As(err, &uerr) {
		return uerr
	}
	kind := ErrUpdateFailed
	if errors.Is(err, ErrAuthFailed) {
		kind = ErrAuthFailed
	}
	return &UpdateError{Coordinator: name, Kind: kind, Err: err}
}
