package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	apperrors "github.com/Skryldev/imaged/errors"
)

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// ResolveHostname returns the addresses for host. IP literals (optionally
// bracketed) are returned as-is without DNS.
func ResolveHostname(ctx context.Context, r Resolver, host string) ([]string, error) {
	bare := strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if IsIPLiteral(bare) {
		return []string{bare}, nil
	}
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupHost(ctx, bare)
	if err != nil || len(addrs) == 0 {
		return nil, apperrors.New(apperrors.CategoryValidation, "ssrf.resolve",
			fmt.Errorf("DNS resolution failed for %s", bare))
	}
	return addrs, nil
}

// ValidateURL rejects rawURL if any address its host resolves to is private.
// This is stricter than the fetch client, which connects to the first public
// candidate.
func ValidateURL(ctx context.Context, r Resolver, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return apperrors.Validation("ssrf.validate", "invalid URL")
	}
	addrs, err := ResolveHostname(ctx, r, u.Hostname())
	if err != nil {
		return err
	}
	for _, a := range addrs {
		c, err := ClassifyIP(a)
		if err != nil {
			return apperrors.New(apperrors.CategoryForbidden, "ssrf.validate",
				fmt.Errorf("resolved address %q is not an IP", a))
		}
		if c.Private {
			return apperrors.New(apperrors.CategoryForbidden, "ssrf.validate",
				fmt.Errorf("%w (%s)", apperrors.ErrPrivateAddress, c.Reason))
		}
	}
	return nil
}
