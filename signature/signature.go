// Package signature verifies HMAC-SHA256 signed request URLs. Several keys
// may be active at once so they can be rotated.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	apperrors "github.com/Skryldev/imaged/errors"
)

// Param is the query parameter carrying the hex signature.
const Param = "s"

// Verifier checks signatures against a set of keys.
type Verifier struct {
	keys [][]byte
}

// NewVerifier decodes hex keys. It returns nil when keys is empty, which
// callers treat as signing disabled.
func NewVerifier(keys []string) (*Verifier, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	v := &Verifier{keys: make([][]byte, 0, len(keys))}
	for i, k := range keys {
		b, err := hex.DecodeString(strings.TrimSpace(k))
		if err != nil || len(b) == 0 {
			return nil, fmt.Errorf("signature key %d: invalid hex", i)
		}
		v.keys = append(v.keys, b)
	}
	return v, nil
}

// Verify checks the signature in rawQuery's s parameter for path and the
// remaining query parameters.
func (v *Verifier) Verify(path, rawQuery string) error {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return unauthorized(fmt.Errorf("parsing query string: %w", err))
	}
	sig := values.Get(Param)
	if sig == "" {
		return unauthorized(errors.New("missing signature"))
	}
	mac, err := hex.DecodeString(sig)
	if err != nil {
		return unauthorized(errors.New("invalid hex signature"))
	}
	msg := Message(path, values)
	for _, k := range v.keys {
		if hmac.Equal(mac, sum(k, msg)) {
			return nil
		}
	}
	return unauthorized(errors.New("invalid signature provided"))
}

// Sign returns the hex signature of path and values under key.
func Sign(key []byte, path string, values url.Values) string {
	return hex.EncodeToString(sum(key, Message(path, values)))
}

// Message is the signed string: the path with a leading slash, "?", then
// the query without s, sorted by key. Values of a repeated key keep their
// order.
func Message(path string, values url.Values) string {
	var b strings.Builder
	if !strings.HasPrefix(path, "/") {
		b.WriteByte('/')
	}
	b.WriteString(path)
	b.WriteByte('?')

	keys := make([]string, 0, len(values))
	for k := range values {
		if k != Param {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	first := true
	for _, k := range keys {
		for _, val := range values[k] {
			if !first {
				b.WriteByte('&')
			}
			first = false
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(val))
		}
	}
	return b.String()
}

func sum(key []byte, msg string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(msg))
	return h.Sum(nil)
}

func unauthorized(err error) error {
	return apperrors.New(apperrors.CategoryUnauthorized, "signature", err)
}
