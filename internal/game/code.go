package game

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const (
	CodeLength = 6
	codeChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// NewRoomCode generates a 6-char join code. Codes are not unique by
// construction; the store's uniqueness constraint catches collisions.
func NewRoomCode() (string, error) {
	var b strings.Builder
	b.Grow(CodeLength)
	alphabet := big.NewInt(int64(len(codeChars)))
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, alphabet)
		if err != nil {
			return "", fmt.Errorf("generate room code: %w", err)
		}
		b.WriteByte(codeChars[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeCode trims and upper-cases user input so lookups are case-insensitive.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether code is 6 upper-case alphanumerics.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, c := range code {
		if !(c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
