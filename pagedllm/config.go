package pagedllm

import "fmt"

// Config holds the engine configuration.
type Config struct {
	// MaxNumBatchedTokens bounds the prefill+decode tokens per step.
	MaxNumBatchedTokens int
	// MaxNumSeqs bounds how many sequences run concurrently.
	MaxNumSeqs int
	// MaxModelLen is the longest sequence (prompt plus completion) accepted.
	MaxModelLen int
	// EOS is the end-of-sequence token id used by the default stop predicate.
	EOS int
	// BlockSize is the KV cache block granularity in tokens.
	BlockSize int
	// NumBlocks is the total block pool capacity.
	NumBlocks int
	// EnablePrefixCache turns cross-sequence prompt prefix sharing on or off.
	EnablePrefixCache bool
	// Preemption selects the victim when memory pressure forces a running
	// sequence out. Nil means most-recently-admitted first.
	Preemption PreemptionPolicy
}

// ConfigOption is a functional option for Config.
type ConfigOption func(*Config)

// NewConfig creates a Config with defaults, applies the options, and
// validates the result.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	c := &Config{
		MaxNumBatchedTokens: 16384,
		MaxNumSeqs:          512,
		MaxModelLen:         4096,
		EOS:                 2,
		BlockSize:           256,
		NumBlocks:           1024,
		EnablePrefixCache:   true,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.BlockSize < 1 {
		return fmt.Errorf("block_size must be >= 1, got %d", c.BlockSize)
	}
	if c.NumBlocks < 1 {
		return fmt.Errorf("num_blocks must be >= 1, got %d", c.NumBlocks)
	}
	if c.MaxNumSeqs < 1 {
		return fmt.Errorf("max_num_seqs must be >= 1, got %d", c.MaxNumSeqs)
	}
	if c.MaxNumBatchedTokens < c.BlockSize {
		return fmt.Errorf("max_num_batched_tokens (%d) must be >= block_size (%d)",
			c.MaxNumBatchedTokens, c.BlockSize)
	}
	if c.MaxModelLen < 1 {
		return fmt.Errorf("max_model_len must be >= 1, got %d", c.MaxModelLen)
	}
	if c.MaxModelLen > c.PoolCapacityTokens() {
		// Otherwise a lone sequence under max_model_len could exhaust the
		// pool with nothing left to preempt.
		return fmt.Errorf("max_model_len (%d) must be <= pool capacity of %d blocks x %d tokens",
			c.MaxModelLen, c.NumBlocks, c.BlockSize)
	}
	return nil
}

// PoolCapacityTokens returns the total token capacity of the block pool.
func (c *Config) PoolCapacityTokens() int {
	return c.NumBlocks * c.BlockSize
}

// WithMaxNumBatchedTokens sets the per-step token budget.
func WithMaxNumBatchedTokens(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumBatchedTokens = n
	}
}

// WithMaxNumSeqs sets the maximum number of concurrently running sequences.
func WithMaxNumSeqs(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumSeqs = n
	}
}

// WithMaxModelLen sets the maximum sequence length.
func WithMaxModelLen(n int) ConfigOption {
	return func(c *Config) {
		c.MaxModelLen = n
	}
}

// WithEOS sets the EOS token id.
func WithEOS(id int) ConfigOption {
	return func(c *Config) {
		c.EOS = id
	}
}

// WithBlockSize sets the KV cache block size in tokens.
func WithBlockSize(n int) ConfigOption {
	return func(c *Config) {
		c.BlockSize = n
	}
}

// WithNumBlocks sets the block pool capacity.
func WithNumBlocks(n int) ConfigOption {
	return func(c *Config) {
		c.NumBlocks = n
	}
}

// WithPrefixCache enables or disables prefix caching.
func WithPrefixCache(enabled bool) ConfigOption {
	return func(c *Config) {
		c.EnablePrefixCache = enabled
	}
}

// WithPreemptionPolicy overrides the victim-selection policy.
func WithPreemptionPolicy(p PreemptionPolicy) ConfigOption {
	return func(c *Config) {
		c.Preemption = p
	}
}
