package credentials

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const (
	// AlphabetNumeric is the default pickup-code alphabet.
	AlphabetNumeric = "0123456789"
	// AlphabetUnambiguous drops characters that read alike on a locker screen
	// (0/O, 1/I/L, 8/B, 5/S, 2/Z).
	AlphabetUnambiguous = "34679ACDEFGHJKMNPQRTUVWXY"

	DefaultCodeLength = 6
	DefaultPINLength  = 4
)

// Generator produces pickup codes and PINs from a cryptographically secure source.
type Generator struct {
	length    int
	alphabet  string
	pinLength int
}

func New(length int, alphabet string, pinLength int) (*Generator, error) {
	if length <= 0 {
		return nil, fmt.Errorf("code length must be positive, got %d", length)
	}
	if len(alphabet) < 2 {
		return nil, fmt.Errorf("alphabet needs at least 2 characters, got %q", alphabet)
	}
	if pinLength <= 0 {
		pinLength = DefaultPINLength
	}
	return &Generator{length: length, alphabet: alphabet, pinLength: pinLength}, nil
}

func Default() *Generator {
	g, _ := New(DefaultCodeLength, AlphabetNumeric, DefaultPINLength)
	return g
}

// Generate draws a pickup code uniformly from the configured alphabet.
func (g *Generator) Generate() (string, error) {
	return draw(g.length, g.alphabet)
}

// GeneratePIN draws a fixed-width numeric PIN, independent of the pickup code.
func (g *Generator) GeneratePIN() (string, error) {
	return draw(g.pinLength, AlphabetNumeric)
}

// ValidateFormat checks length and character class only. Uniqueness against live
// reservations is the caller's job.
func (g *Generator) ValidateFormat(code string) bool {
	if len(code) != g.length {
		return false
	}
	for _, c := range code {
		if !strings.ContainsRune(g.alphabet, c) {
			return false
		}
	}
	return true
}

func (g *Generator) Length() int { return g.length }

func draw(length int, alphabet string) (string, error) {
	var sb strings.Builder
	sb.Grow(length)
	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		sb.WriteByte(alphabet[n.Int64()])
	}
	return sb.String(), nil
}
