package pagedllm

import "fmt"

// SamplingParams holds the sampling configuration for one request. The core
// treats it as opaque apart from MaxTokens and IgnoreEOS, which feed the
// default stop predicate.
type SamplingParams struct {
	Temperature float64
	MaxTokens   int
	IgnoreEOS   bool
}

// SamplingOption is a functional option for SamplingParams.
type SamplingOption func(*SamplingParams)

// NewSamplingParams creates SamplingParams with default values.
// Temperature 0 selects greedy decoding.
func NewSamplingParams(opts ...SamplingOption) *SamplingParams {
	sp := &SamplingParams{
		Temperature: 1.0,
		MaxTokens:   64,
		IgnoreEOS:   false,
	}

	for _, opt := range opts {
		opt(sp)
	}

	return sp
}

// Validate checks the sampling parameters.
func (sp *SamplingParams) Validate() error {
	if sp.Temperature < 0 {
		return fmt.Errorf("temperature must be >= 0, got %f", sp.Temperature)
	}
	if sp.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be >= 1, got %d", sp.MaxTokens)
	}
	return nil
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Temperature = t
	}
}

// WithMaxTokens sets the maximum number of tokens to generate.
func WithMaxTokens(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.MaxTokens = n
	}
}

// WithIgnoreEOS sets whether generation runs past the EOS token.
func WithIgnoreEOS(b bool) SamplingOption {
	return func(sp *SamplingParams) {
		sp.IgnoreEOS = b
	}
}
