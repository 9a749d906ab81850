package ai

import (
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// ErrRateExceeded is returned when a credential's bucket is empty. Callers
// should answer with a retry-later response.
var ErrRateExceeded = errors.New("requests exceeded maximum rate")

// ProviderError is an upstream failure. Status and Body are filled when the
// provider reported them.
type ProviderError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("ai: %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("ai: %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// providerError normalizes SDK errors into a *ProviderError.
func providerError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	out := &ProviderError{Op: op, Err: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		out.Status = apiErr.HTTPStatusCode
		out.Body = apiErr.Message
	case errors.As(err, &reqErr):
		out.Status = reqErr.HTTPStatusCode
		out.Body = string(reqErr.Body)
	}
	return out
}
