package papers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// ErrNoTopics is returned when a generation is requested without topics.
var ErrNoTopics = errors.New("papers: at least one topic is required")

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("papers: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Detail)
	}
	return fmt.Sprintf("papers: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// newAPIError extracts the "detail" member of an error body. Validation
// errors carry a structured detail, which is kept as raw JSON.
func newAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status}
	var payload struct {
		Detail jsontext.Value `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Detail) == 0 {
		e.Detail = strings.TrimSpace(string(body))
		return e
	}
	var s string
	if err := json.Unmarshal(payload.Detail, &s); err == nil {
		e.Detail = s
	} else {
		e.Detail = string(payload.Detail)
	}
	return e
}
