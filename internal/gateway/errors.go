package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RequestError is returned for any non-2xx backend response.
type RequestError struct {
	Status int
	Detail string
}

func (e *RequestError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("HTTP error! status: %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("HTTP error! status: %d", e.Status)
}

// newRequestError builds a RequestError, pulling "detail" out of a JSON body
// when there is one. Non-string details are kept as compact JSON.
func newRequestError(status int, body []byte) *RequestError {
	re := &RequestError{Status: status}

	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Detail) == 0 {
		return re
	}

	var s string
	if err := json.Unmarshal(payload.Detail, &s); err == nil {
		re.Detail = s
		return re
	}
	if string(payload.Detail) == "null" {
		return re
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload.Detail); err == nil {
		re.Detail = buf.String()
	}
	return re
}
