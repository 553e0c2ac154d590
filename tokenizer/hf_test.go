package tokenizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveEOSFromConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"),
		[]byte(`{"eos_token_id": 50256, "vocab_size": 50257}`), 0o644))

	eos, err := resolveEOS(dir)
	require.NoError(t, err)
	require.Equal(t, 50256, eos)
}

func TestResolveEOSFallsBackToGenerationConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"),
		[]byte(`{"vocab_size": 32000}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "generation_config.json"),
		[]byte(`{"eos_token_id": 2}`), 0o644))

	eos, err := resolveEOS(dir)
	require.NoError(t, err)
	require.Equal(t, 2, eos)
}

func TestResolveEOSMissing(t *testing.T) {
	_, err := resolveEOS(t.TempDir())
	require.Error(t, err)
}
