package pagedllm

// LLM is the user-facing handle for the inference engine.
type LLM struct {
	*Engine
}

// NewLLM creates an engine wired with the mock executor and tokenizer, so
// the scheduling and caching machinery can be exercised without a model.
func NewLLM(cfg *Config) *LLM {
	executor := NewMockExecutor(cfg.EOS)
	tok := NewMockTokenizer(cfg.EOS)
	return &LLM{Engine: NewEngine(cfg, executor, tok, nil)}
}

// NewLLMWithComponents creates an engine with caller-supplied executor and
// tokenizer implementations.
func NewLLMWithComponents(cfg *Config, executor Executor, tok Tokenizer, metrics *Metrics) *LLM {
	return &LLM{Engine: NewEngine(cfg, executor, tok, metrics)}
}
