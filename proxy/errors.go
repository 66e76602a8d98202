// Package proxy forwards validated generation and listing calls to
// sd-server and maps its failures onto gateway errors.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"zimage_gateway/sdserver"
)

var (
	// ErrUnreachable means no connection to sd-server could be made.
	ErrUnreachable = errors.New("sd-server is not reachable")

	// ErrTimeout means sd-server accepted the request but did not answer
	// within the request timeout.
	ErrTimeout = errors.New("sd-server request timed out")
)

// BackendError carries sd-server's own status code and a readable detail.
type BackendError struct {
	Status int
	Detail string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("sd-server returned %d: %s", e.Status, e.Detail)
}

// StatusCode maps a proxy error onto the HTTP status the gateway returns.
func StatusCode(err error) int {
	var be *BackendError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &be):
		return be.Status
	case errors.Is(err, ErrUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// classify turns a transport failure into ErrUnreachable or ErrTimeout. A
// cancelled caller context is passed through untouched.
func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, sdserver.ErrClientClosed) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
