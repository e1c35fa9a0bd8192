package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"

	"github.com/Skryldev/imaged/config"
	"github.com/Skryldev/imaged/core"
	apperrors "github.com/Skryldev/imaged/errors"
)

// PutObjectAPI is the subset of *s3.Client used by the adapter.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 uploads objects to AWS S3 or an S3 compatible store.
type S3 struct {
	client     PutObjectAPI
	cfg        config.S3Config
	logger     core.Logger
	newBackOff func() backoff.BackOff
}

// NewS3 builds an S3 adapter from cfg. Static credentials are used when both
// keys are set; otherwise the default AWS credential chain applies.
func NewS3(ctx context.Context, cfg config.S3Config, logger core.Logger) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryConfig, "s3.config", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3WithClient(client, cfg, logger), nil
}

// NewS3WithClient wraps an existing client.
func NewS3WithClient(client PutObjectAPI, cfg config.S3Config, logger core.Logger) *S3 {
	if logger == nil {
		logger = core.NopLogger{}
	}
	s := &S3{client: client, cfg: cfg, logger: logger}
	s.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 100 * time.Millisecond
		b.MaxInterval = 2 * time.Second
		b.MaxElapsedTime = cfg.RetryMaxElapsed
		return backoff.WithMaxRetries(b, cfg.MaxRetries)
	}
	return s
}

// Put uploads data and returns the object URL. Throttling, 5xx and network
// failures are retried with exponential backoff.
func (s *S3) Put(ctx context.Context, key core.StorageKey, data []byte, opts core.PutOptions) (string, error) {
	if err := ValidateACL(opts.ACL); err != nil {
		return "", err
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(key.Bucket),
		Key:           aws.String(key.Path),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if opts.ContentType != "" {
		in.ContentType = aws.String(opts.ContentType)
	}
	if opts.ACL != "" {
		in.ACL = types.ObjectCannedACL(opts.ACL)
	}

	attempt := 0
	op := func() error {
		attempt++
		in.Body = bytes.NewReader(data)
		_, err := s.client.PutObject(ctx, in)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryableS3(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("s3 upload failed, retrying", "bucket", key.Bucket, "key", key.Path,
			"attempt", attempt, "wait", wait.String(), "error", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(s.newBackOff(), ctx), notify); err != nil {
		s.logger.Error("s3 upload failed", "bucket", key.Bucket, "key", key.Path, "error", err)
		return "", apperrors.New(apperrors.CategoryStorage, "s3.put", fmt.Errorf("upload %s/%s: %w", key.Bucket, key.Path, err))
	}
	return s.objectURL(key), nil
}

func (s *S3) objectURL(key core.StorageKey) string {
	path := escapeKey(key.Path)
	switch {
	case s.cfg.PublicBaseURL != "":
		return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/" + url.PathEscape(key.Bucket) + "/" + path
	case s.cfg.Endpoint != "" || s.cfg.UsePathStyle:
		base := s.cfg.Endpoint
		if base == "" {
			base = fmt.Sprintf("https://s3.%s.amazonaws.com", s.cfg.Region)
		}
		return strings.TrimRight(base, "/") + "/" + url.PathEscape(key.Bucket) + "/" + path
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", key.Bucket, s.cfg.Region, path)
	}
}

func escapeKey(k string) string {
	parts := strings.Split(k, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

var retryableCodes = map[string]bool{
	"RequestTimeout":          true,
	"RequestTimeoutException": true,
	"SlowDown":                true,
	"Throttling":              true,
	"ThrottlingException":     true,
	"InternalError":           true,
	"ServiceUnavailable":      true,
}

// retryableS3 reports whether err is a throttle, server fault or transport
// failure.
func retryableS3(err error) bool {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		if code := re.HTTPStatusCode(); code >= 500 || code == http.StatusTooManyRequests {
			return true
		}
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return retryableCodes[ae.ErrorCode()] || ae.ErrorFault() == smithy.FaultServer
	}
	// No API response at all: connection level failure.
	return re == nil
}

// ValidateACL checks acl against the S3 canned ACL names. Empty is allowed.
func ValidateACL(acl string) error {
	if acl == "" {
		return nil
	}
	valid := types.ObjectCannedACL("").Values()
	names := make([]string, 0, len(valid))
	for _, v := range valid {
		if string(v) == acl {
			return nil
		}
		names = append(names, string(v))
	}
	return apperrors.Validation("storage.acl", "unsupported acl %q (expected one of %s)", acl, strings.Join(names, ", "))
}
