package mcptools

import (
	"errors"
	"fmt"

	"github.com/weaverproto/weaver-core/internal/query"
)

// APIError is the shape surfaced to an MCP-speaking agent for a failed
// tool call, keeping internal diagnostics out of the response body.
type APIError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RecoveryHint string `json:"recovery_hint,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// mapError maps a query.Error's public Kind to an MCP-facing APIError.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var qerr *query.Error
	if !errors.As(err, &qerr) {
		return &APIError{Code: "INTERNAL", Message: "internal error"}
	}
	switch qerr.Kind {
	case query.KindNotFound:
		return &APIError{Code: "NOT_FOUND", Message: qerr.Message, RecoveryHint: "check the uri or resource identity"}
	case query.KindInvalidRequest:
		return &APIError{Code: "INVALID_REQUEST", Message: qerr.Message, RecoveryHint: "check required parameters"}
	case query.KindUnauthorized:
		return &APIError{Code: "UNAUTHORIZED", Message: qerr.Message}
	default:
		return &APIError{Code: "INTERNAL", Message: "internal error"}
	}
}
