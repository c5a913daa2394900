package wire

import (
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

// MaxTokenLength is the largest token length allowed on the wire.
const MaxTokenLength = 8

// ErrInvalidToken is returned when token exceeds MaxTokenLength.
var ErrInvalidToken = errors.New("invalid token")

// Token is an opaque correlation handle of 0-8 bytes.
// It is string-backed so it may be used directly as a map key.
type Token string

// NewToken creates token from bytes.
func NewToken(b []byte) (Token, error) {
	if len(b) > MaxTokenLength {
		return "", errors.Wrapf(ErrInvalidToken, "length %d exceeds %d", len(b), MaxTokenLength)
	}
	return Token(b), nil
}

// Bytes returns token bytes.
func (t Token) Bytes() []byte {
	return []byte(t)
}

// Len returns token length in bytes.
func (t Token) Len() int {
	return len(t)
}

// Compare orders tokens as variable-width big-endian unsigned integers.
// Shorter tokens come first, tokens of equal width are compared bytewise.
func (t Token) Compare(t2 Token) int {
	switch {
	case len(t) < len(t2):
		return -1
	case len(t) > len(t2):
		return 1
	default:
		return strings.Compare(string(t), string(t2))
	}
}

// Successor returns the token following t in allocation order.
// On overflow of the current width the width grows by one byte starting from zero,
// beyond maxLen it wraps to the zero-length token.
func (t Token) Successor(maxLen int) Token {
	b := []byte(t)
	for i := len(b) - 1; i >= 0; i-- {
		b[i]++
		if b[i] != 0 {
			return Token(b)
		}
	}
	if len(b) >= maxLen {
		return ""
	}
	return Token(make([]byte, len(b)+1))
}

func (t Token) String() string {
	if t == "" {
		return "<empty>"
	}
	return hex.EncodeToString([]byte(t))
}
