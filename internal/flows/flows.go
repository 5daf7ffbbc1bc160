// ABOUTME: Client-side orchestration of the provisioning flows
// ABOUTME: Shared envelope decoding and API error shape for the agents

package flows

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adaos/authority/internal/backend"
)

// APIError is a structured failure returned by the authority.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("authority: %s (%s, status %d)", e.Message, e.Code, e.Status)
}

// decodeResponse unmarshals a success envelope into out, or returns the
// error envelope as an *APIError.
func decodeResponse(resp *backend.Response, out any) error {
	if resp.StatusCode >= 400 {
		var envelope struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(resp.Body, &envelope); err != nil {
			return fmt.Errorf("decoding error envelope: %w", err)
		}
		return &APIError{Status: resp.StatusCode, Code: envelope.Code, Message: envelope.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// IsCode reports whether err is an APIError carrying the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
