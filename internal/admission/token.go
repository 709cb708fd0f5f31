package admission

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_"

	// TokenLength is the fixed length of every admission token.
	TokenLength = 32
)

var alphabetSize = big.NewInt(int64(len(tokenAlphabet)))

// NewToken draws a random admission token. Uniqueness is not checked; at 63
// symbols and 32 characters collisions are negligible.
func NewToken() (string, error) {
	buf := make([]byte, TokenLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("generate admission token: %w", err)
		}
		buf[i] = tokenAlphabet[n.Int64()]
	}
	return string(buf), nil
}
