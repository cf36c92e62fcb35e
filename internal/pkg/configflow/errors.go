package configflow

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/anicoll/pollbridge/internal/pkg/coordinator"
)

var (
	// ErrCannotConnect is returned by handlers when the device is unreachable.
	ErrCannotConnect = errors.New("cannot connect")

	// ErrAlreadyConfigured is returned by an EntrySink that already holds an
	// entry with the same domain and unique id.
	ErrAlreadyConfigured = errors.New("already configured")
	// ErrFlowBusy means another submission for the same flow is still running.
	ErrFlowBusy = errors.New("flow is busy")

	ErrUnknownFlow    = errors.New("unknown flow")
	ErrUnknownHandler = errors.New("unknown integration")
	errInvalidStep    = errors.New("flow is not waiting for input")
)

const (
	baseField = "base"

	CodeRequired      = "required"
	CodeInvalidHost   = "invalid_host"
	CodeInvalidPort   = "invalid_port"
	CodeInvalidNumber = "invalid_number"
	CodeCannotConnect = "cannot_connect"
	CodeInvalidAuth   = "invalid_auth"
	CodeUnknown       = "unknown"
)

// ConfigError flags one form field as invalid.
type ConfigError struct {
	Field string
	Code  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Code)
}

// formErrors maps a validation error to form errors keyed by field.
func formErrors(err error) map[string]string {
	var cfgErr *ConfigError
	switch {
	case errors.As(err, &cfgErr):
		return map[string]string{cfgErr.Field: cfgErr.Code}
	case errors.Is(err, coordinator.ErrAuthFailed):
		return map[string]string{baseField: CodeInvalidAuth}
	case errors.Is(err, ErrCannotConnect):
		return map[string]string{baseField: CodeCannotConnect}
	default:
		return map[string]string{baseField: CodeUnknown}
	}
}

// RequireFields returns a ConfigError for the first required field that is
// empty in data.
func RequireFields(fields []Field, data map[string]string) error {
	for _, f := range fields {
		if f.Required && strings.TrimSpace(data[f.Name]) == "" {
			return &ConfigError{Field: f.Name, Code: CodeRequired}
		}
	}
	return nil
}

// ValidateHost accepts an IP address or a DNS name without scheme or port.
func ValidateHost(field, host string) error {
	if host == "" {
		return &ConfigError{Field: field, Code: CodeRequired}
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if strings.ContainsAny(host, ":/ ") || len(host) > 253 {
		return &ConfigError{Field: field, Code: CodeInvalidHost}
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 || strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return &ConfigError{Field: field, Code: CodeInvalidHost}
		}
	}
	return nil
}

func ValidatePort(field, port string) (int, error) {
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return 0, &ConfigError{Field: field, Code: CodeInvalidPort}
	}
	return p, nil
}
