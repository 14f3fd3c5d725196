package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const (
	// MaxRequestBodySize is the maximum allowed request body size (1MB).
	MaxRequestBodySize = 1 << 20

	// MaxResponseBodySize bounds API responses. List pages can carry up to a
	// thousand records with inline QR images, hence the larger limit (8MB).
	MaxResponseBodySize = 8 << 20
)

// DecodeJSON decodes JSON from the request body with size limits and validation.
// Unknown fields are rejected.
func DecodeJSON[T any](r *http.Request) (T, error) {
	var zeroValue T

	r.Body = http.MaxBytesReader(nil, r.Body, MaxRequestBodySize)
	defer func() {
		_ = r.Body.Close()
	}()

	v, err := decode[T](r.Body, true, MaxRequestBodySize)
	if err != nil {
		return zeroValue, err
	}
	return v, nil
}

// DecodeResponse decodes a JSON response body and closes it. Unknown fields are
// tolerated so the server can grow its payloads without breaking the client.
func DecodeResponse[T any](resp *http.Response) (T, error) {
	var zeroValue T

	defer func() {
		_ = resp.Body.Close()
	}()

	body := http.MaxBytesReader(nil, resp.Body, MaxResponseBodySize)
	v, err := decode[T](body, false, MaxResponseBodySize)
	if err != nil {
		return zeroValue, err
	}
	return v, nil
}

func decode[T any](r io.Reader, strict bool, limit int64) (T, error) {
	var zeroValue T

	decoder := json.NewDecoder(r)
	if strict {
		decoder.DisallowUnknownFields()
	}

	var v T
	if err := decoder.Decode(&v); err != nil {
		var syntaxErr *json.SyntaxError
		var unmarshalErr *json.UnmarshalTypeError
		var maxBytesErr *http.MaxBytesError

		switch {
		case errors.As(err, &syntaxErr):
			return zeroValue, fmt.Errorf("malformed JSON at position %d", syntaxErr.Offset)
		case errors.As(err, &unmarshalErr):
			return zeroValue, fmt.Errorf("invalid value for field %q", unmarshalErr.Field)
		case errors.As(err, &maxBytesErr):
			return zeroValue, fmt.Errorf("body too large (max %d bytes)", limit)
		case errors.Is(err, io.EOF):
			return zeroValue, errors.New("body is empty")
		default:
			return zeroValue, fmt.Errorf("failed to decode JSON: %w", err)
		}
	}

	// Ensure there's no additional data after the JSON value
	if decoder.More() {
		return zeroValue, errors.New("body contains multiple JSON values")
	}

	return v, nil
}
