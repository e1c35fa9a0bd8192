package fetch

import (
	"context"
	"errors"
	"net/http"

	apperrors "github.com/Skryldev/imaged/errors"
	"github.com/Skryldev/imaged/utils"
)

// readBody reads resp.Body under the byte ceiling. A declared length is
// trusted for pre-allocation but not for correctness: short bodies are
// truncation errors and any byte past the declared length is a size error.
// Without a declared length the body is read in chunks and the request is
// cancelled as soon as the ceiling is crossed.
func (c *Client) readBody(ctx context.Context, cancel context.CancelFunc, resp *http.Response) ([]byte, error) {
	limit := c.opts.MaxBytes
	if resp.ContentLength >= 0 {
		if limit > 0 && resp.ContentLength > limit {
			return nil, tooLarge()
		}
		body, err := utils.ReadExact(resp.Body, resp.ContentLength)
		if err != nil {
			return nil, bodyError(err)
		}
		return body, nil
	}

	body, err := utils.DrainReader(ctx, resp.Body, utils.DefaultChunkSize, limit)
	if err != nil {
		if errors.Is(err, apperrors.ErrBodyTooLarge) {
			cancel()
		}
		return nil, bodyError(err)
	}
	return body, nil
}

func tooLarge() error {
	return apperrors.WithStatus(apperrors.CategoryUpstream, "fetch.body",
		http.StatusRequestEntityTooLarge, apperrors.ErrBodyTooLarge)
}

func bodyError(err error) error {
	switch {
	case errors.Is(err, apperrors.ErrBodyTooLarge):
		return tooLarge()
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.WithStatus(apperrors.CategoryUpstream, "fetch.body",
			http.StatusGatewayTimeout, errors.New("timed out reading upstream response"))
	default:
		return apperrors.New(apperrors.CategoryUpstream, "fetch.body", apperrors.ErrTruncatedBody)
	}
}
