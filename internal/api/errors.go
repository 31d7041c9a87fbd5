package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dgnsrekt/gridsync/internal/transport"
)

// maxErrorBody bounds how much of an error body ends up in a message.
const maxErrorBody = 256

var errEmptyBody = errors.New("empty response body")

// statusError maps a non-2xx response onto the transport taxonomy. The caller
// handles 401 before this point since it is an outcome, not an error.
func statusError(op string, code int, body []byte) error {
	switch code {
	case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return fmt.Errorf("%s: status %d: %w", op, code, transport.ErrEndpointUnsupported)
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody] + "..."
	}
	if msg == "" {
		msg = http.StatusText(code)
	}
	return &transport.TransportError{
		Op:     op,
		Status: code,
		Err:    fmt.Errorf("unexpected status: %s", msg),
	}
}
