package pagedllm

// Tokenizer converts between text and token ids. The core only needs it at
// the engine boundary; real implementations live outside this package (see
// the tokenizer adapter package).
type Tokenizer interface {
	Encode(text string) ([]int, error)

	Decode(tokenIDs []int) (string, error)

	EOSTokenID() int
}

// MockTokenizer maps characters to token ids, for tests and demos.
type MockTokenizer struct {
	eosTokenID int
}

// NewMockTokenizer creates a mock tokenizer with the given EOS id.
func NewMockTokenizer(eosTokenID int) *MockTokenizer {
	return &MockTokenizer{eosTokenID: eosTokenID}
}

func (t *MockTokenizer) Encode(text string) ([]int, error) {
	tokens := make([]int, 0, len(text))
	for _, c := range text {
		tokens = append(tokens, int(c)%1000)
	}
	return tokens, nil
}

func (t *MockTokenizer) Decode(tokenIDs []int) (string, error) {
	result := make([]rune, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if id != t.eosTokenID {
			result = append(result, rune(id+32))
		}
	}
	return string(result), nil
}

func (t *MockTokenizer) EOSTokenID() int {
	return t.eosTokenID
}
