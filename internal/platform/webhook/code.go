package webhook

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const codeBytes = 16

// GenerateCode returns a new relay code: 16 random bytes as 32 lowercase hex
// characters.
func GenerateCode() (string, error) {
	b := make([]byte, codeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate relay code: %w", err)
	}
	return hex.EncodeToString(b), nil
}
