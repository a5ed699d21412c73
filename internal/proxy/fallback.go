package proxy

import (
	"fmt"
	"strings"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

// Attempt is one step of the fallback walk. Instance is empty when no
// instance of Provider could be selected.
type Attempt struct {
	Provider providers.Type `json:"provider"`
	Instance string         `json:"instance,omitempty"`
	Reason   string         `json:"reason"`
	Err      error          `json:"-"`
}

// ExhaustedError is returned when every provider in the walk failed. It
// unwraps to each attempt's error, so errors.Is matches any of the causes.
type ExhaustedError struct {
	Agent    string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("proxy: no provider configured for agent %q", e.Agent)
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		target := string(a.Provider)
		if a.Instance != "" {
			target = a.Instance
		}
		parts[i] = fmt.Sprintf("%s: %s (%v)", target, a.Reason, a.Err)
	}
	return fmt.Sprintf("proxy: all providers failed for agent %q: %s", e.Agent, strings.Join(parts, "; "))
}

func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

// Last returns the error of the final attempt, or nil.
func (e *ExhaustedError) Last() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}
