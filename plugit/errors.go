package plugit

import (
	"errors"
	"fmt"
)

// SetupError reports that a server failed the handshake run by New when
// verification was requested.
type SetupError struct {
	BaseURI string
	Reason  string
	Err     error // set when the handshake itself could not reach the server
}

func (e *SetupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plugit: setup of %s failed: %s: %v", e.BaseURI, e.Reason, e.Err)
	}
	return fmt.Sprintf("plugit: setup of %s failed: %s", e.BaseURI, e.Reason)
}

func (e *SetupError) Unwrap() error { return e.Err }

// TransportError reports a network-level failure talking to the server:
// connection refused, timeout, a broken response body, or a failure reading
// an upload while streaming it.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("plugit: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
