package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"

	"github.com/Skryldev/imaged/config"
	"github.com/Skryldev/imaged/core"
	apperrors "github.com/Skryldev/imaged/errors"
)

// ── Fakes ────────────────────────────────────────────────────────────────────

type fakeS3 struct {
	mu     sync.Mutex
	errs   []error // returned in order, then nil
	calls  []*s3.PutObjectInput
	bodies [][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, _ := io.ReadAll(in.Body)
	f.calls = append(f.calls, in)
	f.bodies = append(f.bodies, body)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &s3.PutObjectOutput{}, nil
}

func newTestS3(t *testing.T, client PutObjectAPI, cfg config.S3Config) *S3 {
	t.Helper()
	s := NewS3WithClient(client, cfg, nil)
	s.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, cfg.MaxRetries)
	}
	return s
}

// ── S3 ───────────────────────────────────────────────────────────────────────

func TestS3_PutSetsAttributesAndURL(t *testing.T) {
	fake := &fakeS3{}
	s := newTestS3(t, fake, config.S3Config{Region: "eu-west-1"})

	url, err := s.Put(context.Background(), core.StorageKey{Bucket: "pics", Path: "a/b c.webp"},
		[]byte("payload"), core.PutOptions{ContentType: "image/webp", ACL: "public-read"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if want := "https://pics.s3.eu-west-1.amazonaws.com/a/b%20c.webp"; url != want {
		t.Errorf("url = %q, want %q", url, want)
	}
	if len(fake.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(fake.calls))
	}
	in := fake.calls[0]
	if aws.ToString(in.Bucket) != "pics" || aws.ToString(in.Key) != "a/b c.webp" {
		t.Errorf("bucket/key = %s/%s", aws.ToString(in.Bucket), aws.ToString(in.Key))
	}
	if aws.ToString(in.ContentType) != "image/webp" || string(in.ACL) != "public-read" {
		t.Errorf("content type %q acl %q", aws.ToString(in.ContentType), in.ACL)
	}
	if string(fake.bodies[0]) != "payload" {
		t.Errorf("body = %q", fake.bodies[0])
	}
}

func TestS3_ObjectURL(t *testing.T) {
	key := core.StorageKey{Bucket: "b", Path: "x/y.png"}
	cases := []struct {
		name string
		cfg  config.S3Config
		want string
	}{
		{"virtual host", config.S3Config{Region: "us-east-1"}, "https://b.s3.us-east-1.amazonaws.com/x/y.png"},
		{"path style", config.S3Config{Region: "us-east-1", UsePathStyle: true}, "https://s3.us-east-1.amazonaws.com/b/x/y.png"},
		{"custom endpoint", config.S3Config{Endpoint: "http://minio:9000/"}, "http://minio:9000/b/x/y.png"},
		{"public base", config.S3Config{Endpoint: "http://minio:9000", PublicBaseURL: "https://cdn.example.com"}, "https://cdn.example.com/b/x/y.png"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := newTestS3(t, &fakeS3{}, tc.cfg).objectURL(key); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestS3_RetriesTransientErrors(t *testing.T) {
	fake := &fakeS3{errs: []error{
		&smithy.GenericAPIError{Code: "SlowDown", Fault: smithy.FaultServer},
		errors.New("connection reset by peer"),
	}}
	s := newTestS3(t, fake, config.S3Config{Region: "us-east-1", MaxRetries: 3})

	if _, err := s.Put(context.Background(), core.StorageKey{Bucket: "b", Path: "k"}, []byte("x"), core.PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(fake.calls) != 3 {
		t.Errorf("calls = %d, want 3", len(fake.calls))
	}
	for i, b := range fake.bodies {
		if string(b) != "x" {
			t.Errorf("attempt %d body = %q, want rewound body", i, b)
		}
	}
}

func TestS3_PermanentErrorNotRetried(t *testing.T) {
	fake := &fakeS3{errs: []error{&smithy.GenericAPIError{Code: "AccessDenied", Fault: smithy.FaultClient}}}
	s := newTestS3(t, fake, config.S3Config{Region: "us-east-1", MaxRetries: 3})

	_, err := s.Put(context.Background(), core.StorageKey{Bucket: "b", Path: "k"}, []byte("x"), core.PutOptions{})
	if !apperrors.IsCategory(err, apperrors.CategoryStorage) {
		t.Fatalf("err = %v, want storage error", err)
	}
	if apperrors.StatusCode(err) != 502 {
		t.Errorf("status = %d, want 502", apperrors.StatusCode(err))
	}
	if len(fake.calls) != 1 {
		t.Errorf("calls = %d, want 1", len(fake.calls))
	}
}

func TestS3_RetriesExhausted(t *testing.T) {
	fake := &fakeS3{errs: []error{
		&smithy.GenericAPIError{Code: "InternalError", Fault: smithy.FaultServer},
		&smithy.GenericAPIError{Code: "InternalError", Fault: smithy.FaultServer},
		&smithy.GenericAPIError{Code: "InternalError", Fault: smithy.FaultServer},
	}}
	s := newTestS3(t, fake, config.S3Config{Region: "us-east-1", MaxRetries: 1})

	if _, err := s.Put(context.Background(), core.StorageKey{Bucket: "b", Path: "k"}, []byte("x"), core.PutOptions{}); err == nil {
		t.Fatal("expected error")
	}
	if len(fake.calls) != 2 {
		t.Errorf("calls = %d, want 2", len(fake.calls))
	}
}

func TestValidateACL(t *testing.T) {
	for _, acl := range []string{"", "private", "public-read", "bucket-owner-full-control"} {
		if err := ValidateACL(acl); err != nil {
			t.Errorf("ValidateACL(%q) = %v", acl, err)
		}
	}
	err := ValidateACL("world-writable")
	if !apperrors.IsCategory(err, apperrors.CategoryValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if !strings.Contains(err.Error(), "public-read") {
		t.Errorf("message %q should list valid ACLs", err)
	}
}

func TestS3_InvalidACLRejectedBeforeUpload(t *testing.T) {
	fake := &fakeS3{}
	s := newTestS3(t, fake, config.S3Config{Region: "us-east-1"})
	if _, err := s.Put(context.Background(), core.StorageKey{Bucket: "b", Path: "k"}, nil, core.PutOptions{ACL: "nope"}); err == nil {
		t.Fatal("expected error")
	}
	if len(fake.calls) != 0 {
		t.Errorf("calls = %d, want 0", len(fake.calls))
	}
}

// ── Local ────────────────────────────────────────────────────────────────────

func TestLocal_PutWritesFileAndMeta(t *testing.T) {
	root := t.TempDir()
	l, err := NewLocal(config.LocalConfig{RootDir: root, BaseURL: "http://cdn.local/"})
	if err != nil {
		t.Fatal(err)
	}
	url, err := l.Put(context.Background(), core.StorageKey{Bucket: "thumbs", Path: "2024/a.jpg"},
		[]byte("jpeg-bytes"), core.PutOptions{ContentType: "image/jpeg", ACL: "private"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if url != "http://cdn.local/thumbs/2024/a.jpg" {
		t.Errorf("url = %q", url)
	}
	path := filepath.Join(root, "thumbs", "2024", "a.jpg")
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "jpeg-bytes" {
		t.Fatalf("file = %q, %v", got, err)
	}
	raw, err := os.ReadFile(path + ".meta.json")
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	var meta map[string]string
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatal(err)
	}
	if meta["contentType"] != "image/jpeg" || meta["acl"] != "private" {
		t.Errorf("meta = %v", meta)
	}
}

func TestLocal_Overwrite(t *testing.T) {
	l, err := NewLocal(config.LocalConfig{RootDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	key := core.StorageKey{Bucket: "b", Path: "k.png"}
	for _, body := range []string{"first", "second"} {
		if _, err := l.Put(context.Background(), key, []byte(body), core.PutOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	path, _ := l.absPath(key)
	if got, _ := os.ReadFile(path); string(got) != "second" {
		t.Errorf("content = %q, want second", got)
	}
}

func TestLocal_RejectsEscapingKeys(t *testing.T) {
	l, err := NewLocal(config.LocalConfig{RootDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []core.StorageKey{
		{Bucket: "b", Path: "../../etc/passwd"},
		{Bucket: "..", Path: "x"},
		{Bucket: "", Path: "x"},
		{Bucket: "b", Path: ""},
	} {
		_, err := l.Put(context.Background(), key, []byte("x"), core.PutOptions{})
		if !apperrors.IsCategory(err, apperrors.CategoryValidation) {
			t.Errorf("Put(%+v) err = %v, want validation error", key, err)
		}
	}
}

func TestLocal_CancelledContext(t *testing.T) {
	l, err := NewLocal(config.LocalConfig{RootDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Put(ctx, core.StorageKey{Bucket: "b", Path: "k"}, nil, core.PutOptions{}); err == nil {
		t.Fatal("expected error")
	}
}
