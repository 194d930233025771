package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/bitfsorg/libspv-go/spv"
)

var (
	// ErrConnectionFailed indicates the client could not reach the server.
	ErrConnectionFailed = errors.New("network: connection failed")

	// ErrAuthFailed indicates authentication (e.g., RPC credentials) was rejected.
	ErrAuthFailed = errors.New("network: authentication failed")

	// ErrInvalidResponse indicates the server returned a malformed or unexpected response.
	ErrInvalidResponse = errors.New("network: invalid response")

	// ErrServerError indicates the server answered a request with an error object.
	ErrServerError = errors.New("network: server error")

	// ErrInvalidEndpoint indicates an endpoint string cannot be parsed.
	ErrInvalidEndpoint = errors.New("network: invalid endpoint")

	// ErrClosed indicates the client has been closed.
	ErrClosed = errors.New("network: client closed")

	// ErrTxNotFound indicates the requested transaction is not in the given block.
	ErrTxNotFound = errors.New("network: transaction not found")

	// ErrDNSLookupFailed indicates an SRV lookup failed.
	ErrDNSLookupFailed = errors.New("network: DNS lookup failed")

	// ErrDNSSECValidationFailed indicates the upstream resolver did not authenticate the answer.
	ErrDNSSECValidationFailed = errors.New("network: DNSSEC validation failed")

	// ErrNoEndpoints indicates no server address could be determined.
	ErrNoEndpoints = errors.New("network: no endpoints found")
)

// connectionError marks err as a lost connection so the spv retry policy
// treats it as transient.
func connectionError(err error) error {
	return fmt.Errorf("%w: %w: %w", spv.ErrConnectionLost, ErrConnectionFailed, err)
}

// invalidResponse marks a malformed reply as a protocol error.
func invalidResponse(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %w: %s", spv.ErrProtocol, ErrInvalidResponse, fmt.Sprintf(format, args...))
}

// contextError maps a finished context to the spv error kinds. A deadline
// becomes ErrTimeout; cancellation is returned unchanged.
func contextError(ctx context.Context, what string) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", spv.ErrTimeout, what, err)
	}
	return err
}
