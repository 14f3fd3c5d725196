package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sundayezeilo/linkconsole/internal/errx"
)

// maxErrorBodySize caps how much of an error response is read for its message.
const maxErrorBodySize = 64 << 10

// KindFromStatus maps an HTTP status code returned by the API to an errx.Kind.
func KindFromStatus(status int) errx.Kind {
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return errx.Validation
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return errx.Unauthorized
	case status == http.StatusNotFound:
		return errx.NotFound
	case status == http.StatusConflict:
		return errx.Conflict
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return errx.Transient
	case status >= 500:
		return errx.Transient
	default:
		return errx.Unknown
	}
}

// StatusFromKind maps errx.Kind to HTTP status codes. The stub API uses it when
// turning its store errors into responses.
func StatusFromKind(kind errx.Kind) int {
	switch kind {
	case errx.Validation:
		return http.StatusBadRequest
	case errx.Unauthorized:
		return http.StatusUnauthorized
	case errx.NotFound:
		return http.StatusNotFound
	case errx.Conflict:
		return http.StatusConflict
	case errx.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorFromResponse builds an errx error from a non-2xx response and closes its body.
// The message comes from the body's "detail" field, then "message", then "error",
// falling back to the status text.
func ErrorFromResponse(op string, resp *http.Response) error {
	defer func() {
		_ = resp.Body.Close()
	}()

	msg := http.StatusText(resp.StatusCode)
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	var body struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		switch {
		case detailString(body.Detail) != "":
			msg = detailString(body.Detail)
		case body.Message != "":
			msg = body.Message
		case body.Error != "":
			msg = body.Error
		}
	}

	return errx.E(op, KindFromStatus(resp.StatusCode),
		fmt.Errorf("%s (status %d)", msg, resp.StatusCode))
}

// detailString flattens a "detail" value. Validation failures carry a list of
// objects with a "msg" field instead of a plain string.
func detailString(v any) string {
	switch d := v.(type) {
	case string:
		return d
	case []any:
		msgs := make([]string, 0, len(d))
		for _, item := range d {
			if m, ok := item.(map[string]any); ok {
				if s, ok := m["msg"].(string); ok {
					msgs = append(msgs, s)
				}
			}
		}
		return strings.Join(msgs, "; ")
	default:
		return ""
	}
}

// TransportError classifies an error returned by http.Client.Do.
func TransportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return errx.E(op, errx.Canceled, err)
	}
	return errx.E(op, errx.Transient, err)
}
