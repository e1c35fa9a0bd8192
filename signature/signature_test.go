package signature

import (
	"net/url"
	"testing"

	apperrors "github.com/Skryldev/imaged/errors"
)

const (
	keyA = "00112233445566778899aabbccddeeff"
	keyB = "ffeeddccbbaa99887766554433221100"
)

func mustVerifier(t *testing.T, keys ...string) *Verifier {
	t.Helper()
	v, err := NewVerifier(keys)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func signed(t *testing.T, hexKey, path string, values url.Values) string {
	t.Helper()
	v := mustVerifier(t, hexKey)
	q := url.Values{}
	for k, vs := range values {
		q[k] = vs
	}
	q.Set(Param, Sign(v.keys[0], path, values))
	return q.Encode()
}

// ── Message ───────────────────────────────────────────────────────────────────

func TestMessage(t *testing.T) {
	cases := []struct {
		name   string
		path   string
		values url.Values
		want   string
	}{
		{"empty query", "/transform", url.Values{}, "/transform?"},
		{"adds slash", "transform", url.Values{}, "/transform?"},
		{"sorted without s", "/transform", url.Values{
			"width": {"100"}, "url": {"https://x/a b.jpg"}, "s": {"abc"},
		}, "/transform?url=https%3A%2F%2Fx%2Fa+b.jpg&width=100"},
		{"repeated key order kept", "/m", url.Values{"b": {"2", "1"}, "a": {"z"}}, "/m?a=z&b=2&b=1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Message(tc.path, tc.values); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

// ── Verify ────────────────────────────────────────────────────────────────────

func TestVerify_AcceptsAnyActiveKey(t *testing.T) {
	v := mustVerifier(t, keyA, keyB)
	values := url.Values{"url": {"https://example.com/a.jpg"}, "width": {"200"}}
	for _, k := range []string{keyA, keyB} {
		if err := v.Verify("/transform", signed(t, k, "/transform", values)); err != nil {
			t.Errorf("key %s rejected: %v", k[:4], err)
		}
	}
}

func TestVerify_Rejects(t *testing.T) {
	v := mustVerifier(t, keyA)
	values := url.Values{"url": {"https://example.com/a.jpg"}}
	good := signed(t, keyA, "/transform", values)

	cases := []struct {
		name  string
		path  string
		query string
	}{
		{"missing", "/transform", "url=https%3A%2F%2Fexample.com%2Fa.jpg"},
		{"bad hex", "/transform", "url=x&s=zz"},
		{"wrong key", "/transform", signed(t, keyB, "/transform", values)},
		{"other path", "/metadata", good},
		{"tampered", "/transform", good + "&width=1"},
		{"bad query", "/transform", "s=%zz"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Verify(tc.path, tc.query)
			if err == nil {
				t.Fatal("expected error")
			}
			if apperrors.StatusCode(err) != 401 {
				t.Errorf("status = %d, want 401", apperrors.StatusCode(err))
			}
		})
	}
}

func TestNewVerifier(t *testing.T) {
	if v, err := NewVerifier(nil); v != nil || err != nil {
		t.Errorf("NewVerifier(nil) = %v, %v", v, err)
	}
	if _, err := NewVerifier([]string{keyA, "not-hex"}); err == nil {
		t.Error("invalid key accepted")
	}
}
