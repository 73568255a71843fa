// Package codegen generates numeric one-time codes.
package codegen

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// maxAttempts bounds the search for a code outside the exclusion set.
const maxAttempts = 1000

var ErrExhausted = errors.New("no free code found")

type Generator struct{}

func New() Generator {
	return Generator{}
}

// RandomDigits returns an n-digit string, leading zeros allowed, that is not in exclude.
func (Generator) RandomDigits(n int, exclude map[string]bool) (string, error) {
	if n <= 0 || n > 18 {
		return "", fmt.Errorf("invalid code length %d", n)
	}

	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	for i := 0; i < maxAttempts; i++ {
		v, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		code := fmt.Sprintf("%0*d", n, v.Int64())
		if !exclude[code] {
			return code, nil
		}
	}
	return "", ErrExhausted
}
