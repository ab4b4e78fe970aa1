// Package remote implements the collaboration backends over the canvas HTTP
// API: shapes through JSON requests and a server-sent event stream, presence
// through a WebSocket per canvas.
package remote

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/MarcoPoloResearchLab/canvas/internal/collab"
	"github.com/MarcoPoloResearchLab/canvas/internal/shapes"
)

// StatusError is a non-success API response.
type StatusError struct {
	StatusCode int
	Code       string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("remote: status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote: status %d: %s", e.StatusCode, e.Code)
}

// Unwrap exposes the sentinel matching the status, so callers can use
// errors.Is with collab.ErrPermissionDenied, shapes.ErrShapeNotFound and
// shapes.ErrLockNotHeld.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return collab.ErrPermissionDenied
	case http.StatusNotFound:
		return shapes.ErrShapeNotFound
	case http.StatusConflict:
		return shapes.ErrLockNotHeld
	default:
		return nil
	}
}

func statusError(response *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
	_ = json.Unmarshal(payload, &body)
	return &StatusError{StatusCode: response.StatusCode, Code: body.Error}
}
