// Package instrument parses the references used on the API to name
// instruments, users and accounts: either a 64-character hex key or a short
// symbol such as BTC-PERP that is packed into a key.
package instrument

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"

	"github.com/atmx/risk-engine/internal/model"
)

// symbolRegex matches a symbol that fits in a key.
// Example: BTC-PERP, ETH/USD, alice
var symbolRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/-]{0,31}$`)

// hexRegex matches a full hex-encoded key.
var hexRegex = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

var ErrInvalidRef = errors.New("instrument: invalid reference")

// Ref is a parsed reference.
type Ref struct {
	Key    model.Key `json:"key"`
	Symbol string    `json:"symbol,omitempty"`
}

// Parse resolves a reference to its key.
func Parse(ref string) (*Ref, error) {
	switch {
	case hexRegex.MatchString(ref):
		k, err := model.ParseKey(ref)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRef, err)
		}
		return &Ref{Key: k, Symbol: Symbol(k)}, nil
	case symbolRegex.MatchString(ref):
		return &Ref{Key: model.SymbolKey(ref), Symbol: ref}, nil
	}
	return nil, fmt.Errorf("%w: %q (expected a symbol of up to 32 characters or a 64-character hex key)",
		ErrInvalidRef, ref)
}

// ParseKey is Parse returning only the key.
func ParseKey(ref string) (model.Key, error) {
	r, err := Parse(ref)
	if err != nil {
		return model.Key{}, err
	}
	return r.Key, nil
}

// Symbol returns the symbol packed into k, or "" if k is not a packed
// symbol.
func Symbol(k model.Key) string {
	n := bytes.IndexByte(k[:], 0)
	if n < 0 {
		n = len(k)
	}
	if n == 0 || bytes.IndexFunc(k[n:], func(r rune) bool { return r != 0 }) >= 0 {
		return ""
	}
	s := string(k[:n])
	if !symbolRegex.MatchString(s) {
		return ""
	}
	return s
}

// Describe returns the symbol of k if it has one and its hex form
// otherwise.
func Describe(k model.Key) string {
	if s := Symbol(k); s != "" {
		return s
	}
	return k.String()
}
