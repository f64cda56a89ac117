package tool

import (
	"encoding/json"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"google.golang.org/genai"
)

// ParseArgs decodes function call arguments into v
func ParseArgs(fc genai.FunctionCall, v any) error {
	raw, err := json.Marshal(fc.Args)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal function arguments")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return goerr.Wrap(err, "failed to parse input parameters", goerr.V("args", string(raw)))
	}
	return nil
}

// Result builds a response carrying v under "result"
func Result(fc genai.FunctionCall, v any) *genai.FunctionResponse {
	return &genai.FunctionResponse{
		ID:       fc.ID,
		Name:     fc.Name,
		Response: map[string]any{"result": v},
	}
}

// ErrorKind names the domain class of err for the model
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, model.ErrInvalidRange):
		return "invalid_range"
	case errors.Is(err, model.ErrSlotUnavailable):
		return "slot_unavailable"
	case errors.Is(err, model.ErrConflict):
		return "conflict"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "internal"
	}
}

// ErrorResult reports a domain error to the model as a function response so
// that it can explain the outcome to the user
func ErrorResult(fc genai.FunctionCall, err error) *genai.FunctionResponse {
	return &genai.FunctionResponse{
		ID:   fc.ID,
		Name: fc.Name,
		Response: map[string]any{
			"error": err.Error(),
			"kind":  ErrorKind(err),
		},
	}
}
