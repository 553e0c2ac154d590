// Package tokenizer adapts HuggingFace tokenizers to the engine's
// Tokenizer interface. It loads the real tokenizer.json via the bindings
// to the HuggingFace tokenizers library, so encoding matches what the
// model was trained with.
package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/daulet/tokenizers"
	"github.com/sirupsen/logrus"
)

// HF wraps a HuggingFace tokenizer loaded from a model directory.
type HF struct {
	tk    *tokenizers.Tokenizer
	eosID int
	log   *logrus.Entry
}

// NewHF loads tokenizer.json from modelDir and resolves the EOS token id
// from the model's config files. Call Close when done; the underlying
// tokenizer holds native resources.
func NewHF(modelDir string) (*HF, error) {
	tk, err := tokenizers.FromFile(filepath.Join(modelDir, "tokenizer.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer.json: %w", err)
	}

	eosID, err := resolveEOS(modelDir)
	if err != nil {
		tk.Close()
		return nil, err
	}

	h := &HF{
		tk:    tk,
		eosID: eosID,
		log:   logrus.WithField("component", "tokenizer"),
	}
	h.log.WithFields(logrus.Fields{
		"vocab_size": tk.VocabSize(),
		"eos_id":     eosID,
	}).Info("loaded HuggingFace tokenizer")
	return h, nil
}

// resolveEOS finds the EOS token id in config.json or
// generation_config.json, whichever names it first.
func resolveEOS(modelDir string) (int, error) {
	for _, name := range []string{"config.json", "generation_config.json"} {
		data, err := os.ReadFile(filepath.Join(modelDir, name))
		if err != nil {
			continue
		}
		var cfg struct {
			EOSTokenID *int `json:"eos_token_id"`
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			continue
		}
		if cfg.EOSTokenID != nil {
			return *cfg.EOSTokenID, nil
		}
	}
	return 0, fmt.Errorf("no eos_token_id found in %s", modelDir)
}

// Encode converts text to token ids, adding the model's special tokens.
func (h *HF) Encode(text string) ([]int, error) {
	ids, _ := h.tk.Encode(text, true)
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out, nil
}

// Decode converts token ids back to text, skipping special tokens.
func (h *HF) Decode(tokenIDs []int) (string, error) {
	ids := make([]uint32, len(tokenIDs))
	for i, id := range tokenIDs {
		ids[i] = uint32(id)
	}
	return h.tk.Decode(ids, true), nil
}

// EOSTokenID returns the EOS token id.
func (h *HF) EOSTokenID() int {
	return h.eosID
}

// VocabSize returns the vocabulary size.
func (h *HF) VocabSize() int {
	return int(h.tk.VocabSize())
}

// Close releases the native tokenizer.
func (h *HF) Close() error {
	h.tk.Close()
	return nil
}
