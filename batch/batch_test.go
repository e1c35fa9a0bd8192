package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Skryldev/imaged/core"
	apperrors "github.com/Skryldev/imaged/errors"
	"github.com/Skryldev/imaged/fetch"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

type fakeProcessor struct {
	transforms atomic.Int32
	metadata   atomic.Int32
	// gate, when set, holds every Transform until it is closed.
	gate    chan struct{}
	entered chan struct{}
	failOn  core.Format
}

func (p *fakeProcessor) Transform(ctx context.Context, data []byte, opts core.TransformOptions) (*core.TransformResult, error) {
	p.transforms.Add(1)
	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if opts.Format == p.failOn {
		return nil, apperrors.New(apperrors.CategoryEncode, "encode", errors.New("encoder exploded"))
	}
	return &core.TransformResult{
		Data:   []byte(fmt.Sprintf("%s:%s", opts.Format, data)),
		Format: opts.Format,
		Width:  opts.Resize.Width,
		Height: opts.Resize.Height,
	}, nil
}

func (p *fakeProcessor) Metadata(_ context.Context, data []byte, opts core.MetadataOptions) (*core.Metadata, []core.StepTiming, error) {
	p.metadata.Add(1)
	m := &core.Metadata{Format: core.FormatPNG, Size: int64(len(data))}
	if opts.Thumbhash {
		m.Thumbhash = "hash"
	}
	return m, nil, nil
}

type fakeStore struct {
	mu   sync.Mutex
	puts map[string]core.PutOptions
}

func (s *fakeStore) Put(_ context.Context, key core.StorageKey, data []byte, opts core.PutOptions) (string, error) {
	if key.Bucket == "missing" {
		return "", apperrors.New(apperrors.CategoryStorage, "put", errors.New("NoSuchBucket"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.puts == nil {
		s.puts = map[string]core.PutOptions{}
	}
	s.puts[key.Bucket+"/"+key.Path] = opts
	return "https://cdn/" + key.Bucket + "/" + key.Path, nil
}

type fakeFetcher struct {
	body  []byte
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) (*fetch.Response, error) {
	f.calls++
	return &fetch.Response{Body: f.body, ContentType: "image/png"}, nil
}

func task(id, format, bucket string) string {
	return fmt.Sprintf(`{"id":%q,"transform":{"format":%q,"width":100},"output":{"bucket":%q,"key":"%s.out"}}`,
		id, format, bucket, id)
}

func config(tasks ...string) []byte {
	return []byte(`{"tasks":[` + strings.Join(tasks, ",") + `]}`)
}

// ── Parse: structural ─────────────────────────────────────────────────────────

func TestParse_StructuralErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"not json", `{`, "invalid pipeline config"},
		{"not object", `[]`, "must be a JSON object"},
		{"no tasks", `{}`, "tasks: must be a non-empty array"},
		{"empty tasks", `{"tasks":[]}`, "tasks: must be a non-empty array"},
		{"too many", string(config(task("a", "png", "b"), task("b", "png", "b"), task("c", "png", "b"))), "too many tasks (3, max 2)"},
		{"task not object", `{"tasks":[1]}`, "task[0]: must be an object"},
		{"missing id", `{"tasks":[{"transform":{"format":"png"},"output":{"bucket":"b","key":"k"}}]}`, "task[0].id: must be a non-empty string"},
		{"duplicate id", string(config(task("same-id", "png", "b"), task("same-id", "png", "b"))), `task[1].id: duplicate id "same-id"`},
		{"no transform", `{"tasks":[{"id":"a","output":{"bucket":"b","key":"k"}}]}`, "task[0].transform: must be an object"},
		{"no format", `{"tasks":[{"id":"a","transform":{},"output":{"bucket":"b","key":"k"}}]}`, "task[0].transform.format: is required"},
		{"null format", `{"tasks":[{"id":"a","transform":{"format":null},"output":{"bucket":"b","key":"k"}}]}`, "task[0].transform.format: is required"},
		{"no output", `{"tasks":[{"id":"a","transform":{"format":"png"}}]}`, "task[0].output: must be an object"},
		{"no key", `{"tasks":[{"id":"a","transform":{"format":"png"},"output":{"bucket":"b"}}]}`, "task[0].output.key: must be a non-empty string"},
		{"metadata array", `{"tasks":[{"id":"a","transform":{"format":"png"},"output":{"bucket":"b","key":"k"},"metadata":[]}]}`, "task[0].metadata: must be an object"},
		{"source not object", `{"source":"x","tasks":[` + task("a", "png", "b") + `]}`, "source: must be an object"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.raw), 2, 0)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not contain %q", err, tc.want)
			}
			if apperrors.StatusCode(err) != 400 {
				t.Errorf("status = %d, want 400", apperrors.StatusCode(err))
			}
		})
	}
}

func TestParse_StructureCheckedBeforeOptions(t *testing.T) {
	// task[0] has a bad width, task[1] a duplicate id: the structural problem wins.
	raw := `{"tasks":[
		{"id":"a","transform":{"format":"png","width":99999},"output":{"bucket":"b","key":"k"}},
		{"id":"a","transform":{"format":"png"},"output":{"bucket":"b","key":"k"}}]}`
	_, err := Parse([]byte(raw), 10, 0)
	if err == nil || !strings.Contains(err.Error(), "duplicate id") {
		t.Fatalf("err = %v, want duplicate id", err)
	}
}

// ── Parse: per-task options ───────────────────────────────────────────────────

func TestParse_TaskOptionsFailFast(t *testing.T) {
	base := func(transform, output string) string {
		return `{"id":"x","transform":` + transform + `,"output":` + output + `}`
	}
	okOut := `{"bucket":"b","key":"k"}`
	cases := []struct {
		name string
		task string
		want string
	}{
		{"width clamp", base(`{"format":"png","width":20000}`, okOut), "task[2].transform.width: must be at most 16384"},
		{"quality clamp", base(`{"format":"png","quality":200}`, okOut), "task[2].transform.quality: must be at most 100"},
		{"bad format", base(`{"format":"bmp"}`, okOut), "task[2].transform.format"},
		{"unknown param", base(`{"format":"png","sharpen":1}`, okOut), "task[2].transform.sharpen: unknown parameter"},
		{"bad acl", base(`{"format":"png"}`, `{"bucket":"b","key":"k","acl":"everyone"}`), "task[2].output.acl"},
		{"bad content type", base(`{"format":"png"}`, `{"bucket":"b","key":"k","contentType":"text/html"}`), "task[2].output.contentType"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.task = strings.Replace(tc.task, `"id":"x"`, `"id":"t2"`, 1)
			raw := config(task("t0", "png", "b"), task("t1", "png", "b"), tc.task)
			_, err := Parse(raw, 10, 0)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.HasPrefix(err.Error(), tc.want) {
				t.Errorf("error %q, want prefix %q", err, tc.want)
			}
			if apperrors.StatusCode(err) != 400 {
				t.Errorf("status = %d, want 400", apperrors.StatusCode(err))
			}
		})
	}
}

func TestParse_Valid(t *testing.T) {
	raw := `{
		"source": {"url": "https://example.com/a.png"},
		"metadata": {"exif": true},
		"tasks": [
			{"id":"thumb","transform":{"format":"jpg","width":64,"preset":"compact"},
			 "output":{"bucket":"b","key":"t.jpg","acl":"public-read","contentType":"IMAGE/JPEG"},
			 "metadata":{"thumbhash":true}},
			{"id":"tif","transform":{"format":"tif"},"output":{"bucket":"b","key":"x.tiff"}}
		]}`
	req, err := Parse([]byte(raw), 10, 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Source == nil || req.Source.URL != "https://example.com/a.png" {
		t.Errorf("source = %+v", req.Source)
	}
	if req.Metadata == nil || !req.Metadata.EXIF {
		t.Errorf("metadata = %+v", req.Metadata)
	}
	th := req.Tasks[0]
	if th.Transform.Format != core.FormatJPEG || th.Transform.Resize.Width != 64 || th.Transform.Encode.Quality == 0 {
		t.Errorf("thumb transform = %+v", th.Transform)
	}
	if th.Output.ACL != "public-read" || th.Output.ContentType != "image/jpeg" {
		t.Errorf("thumb output = %+v", th.Output)
	}
	if th.Metadata == nil || !th.Metadata.Thumbhash {
		t.Errorf("thumb metadata = %+v", th.Metadata)
	}
	if req.Tasks[1].Transform.Format != core.FormatTIFF {
		t.Errorf("alias not normalised: %s", req.Tasks[1].Transform.Format)
	}
}

// ── Run ───────────────────────────────────────────────────────────────────────

func TestRun_PartialFailure(t *testing.T) {
	store := &fakeStore{}
	x := NewExecutor(&fakeProcessor{}, store, 10)

	resp, err := x.Run(context.Background(),
		config(task("one", "png", "b"), task("two", "png", "missing"), task("three", "webp", "b")),
		[]byte("src"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(resp.Tasks) != 3 {
		t.Fatalf("tasks = %d, want 3", len(resp.Tasks))
	}
	wantIDs := []string{"one", "two", "three"}
	wantStatus := []string{StatusSuccess, StatusFailed, StatusSuccess}
	for i, r := range resp.Tasks {
		if r.ID != wantIDs[i] || r.Status != wantStatus[i] {
			t.Errorf("task %d = %s/%s, want %s/%s", i, r.ID, r.Status, wantIDs[i], wantStatus[i])
		}
	}
	if resp.Tasks[1].Error == "" || resp.Tasks[1].Output != nil {
		t.Errorf("failed task = %+v", resp.Tasks[1])
	}
	out := resp.Tasks[2].Output
	if out == nil || out.URL != "https://cdn/b/three.out" || out.Format != core.FormatWebP || out.Size != len("webp:src") || out.Width != 100 {
		t.Errorf("output = %+v", out)
	}
	if got := store.puts["b/three.out"].ContentType; got != "image/webp" {
		t.Errorf("content type = %q, want derived image/webp", got)
	}
}

func TestRun_TransformFailureIsolated(t *testing.T) {
	x := NewExecutor(&fakeProcessor{failOn: core.FormatGIF}, &fakeStore{}, 10)
	resp, err := x.Run(context.Background(), config(task("a", "gif", "b"), task("b", "png", "b")), []byte("src"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Tasks[0].Status != StatusFailed || !strings.Contains(resp.Tasks[0].Error, "encoder exploded") {
		t.Errorf("task a = %+v", resp.Tasks[0])
	}
	if resp.Tasks[1].Status != StatusSuccess {
		t.Errorf("task b = %+v", resp.Tasks[1])
	}
}

func TestRun_TasksRunConcurrently(t *testing.T) {
	const n = 4
	proc := &fakeProcessor{gate: make(chan struct{}), entered: make(chan struct{}, n)}
	x := NewExecutor(proc, &fakeStore{}, 10)

	tasks := make([]string, n)
	for i := range tasks {
		tasks[i] = task(fmt.Sprintf("t%d", i), "png", "b")
	}
	done := make(chan *Response, 1)
	go func() {
		resp, _ := x.Run(context.Background(), config(tasks...), []byte("src"))
		done <- resp
	}()

	for i := 0; i < n; i++ {
		select {
		case <-proc.entered:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d tasks started before any finished", i, n)
		}
	}
	close(proc.gate)
	resp := <-done
	for _, r := range resp.Tasks {
		if r.Status != StatusSuccess {
			t.Errorf("task %s = %s", r.ID, r.Status)
		}
	}
}

func TestRun_SourceMetadataOnce(t *testing.T) {
	proc := &fakeProcessor{}
	x := NewExecutor(proc, &fakeStore{}, 10)
	raw := `{"metadata":{"thumbhash":true},"tasks":[` + task("a", "png", "b") + `,` + task("b", "png", "b") + `]}`
	resp, err := x.Run(context.Background(), []byte(raw), []byte("source"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.SourceMetadata == nil || resp.SourceMetadata.Size != int64(len("source")) || resp.SourceMetadata.Thumbhash != "hash" {
		t.Errorf("source metadata = %+v", resp.SourceMetadata)
	}
	if got := proc.metadata.Load(); got != 1 {
		t.Errorf("metadata calls = %d, want 1", got)
	}
}

func TestRun_TaskMetadataOnOutput(t *testing.T) {
	x := NewExecutor(&fakeProcessor{}, &fakeStore{}, 10)
	raw := `{"tasks":[{"id":"a","transform":{"format":"png"},"output":{"bucket":"b","key":"k"},"metadata":{"stats":true}}]}`
	resp, err := x.Run(context.Background(), []byte(raw), []byte("src"))
	if err != nil {
		t.Fatal(err)
	}
	m := resp.Tasks[0].Metadata
	if m == nil || m.Size != int64(len("png:src")) {
		t.Errorf("task metadata = %+v, want metadata of transformed output", m)
	}
}

func TestRun_Source(t *testing.T) {
	withURL := []byte(`{"source":{"url":"https://example.com/a.png"},"tasks":[` + task("a", "png", "b") + `]}`)
	noURL := config(task("a", "png", "b"))

	t.Run("upload wins over url", func(t *testing.T) {
		f := &fakeFetcher{body: []byte("remote")}
		x := NewExecutor(&fakeProcessor{}, &fakeStore{}, 10, WithFetcher(f))
		resp, err := x.Run(context.Background(), withURL, []byte("local"))
		if err != nil {
			t.Fatal(err)
		}
		if f.calls != 0 || resp.Tasks[0].Output.Size != len("png:local") {
			t.Errorf("fetch calls = %d, output = %+v", f.calls, resp.Tasks[0].Output)
		}
	})
	t.Run("url fetched", func(t *testing.T) {
		f := &fakeFetcher{body: []byte("remote")}
		x := NewExecutor(&fakeProcessor{}, &fakeStore{}, 10, WithFetcher(f))
		resp, err := x.Run(context.Background(), withURL, nil)
		if err != nil {
			t.Fatal(err)
		}
		if f.calls != 1 || resp.Tasks[0].Output.Size != len("png:remote") {
			t.Errorf("fetch calls = %d, output = %+v", f.calls, resp.Tasks[0].Output)
		}
	})
	t.Run("fetch disabled", func(t *testing.T) {
		x := NewExecutor(&fakeProcessor{}, &fakeStore{}, 10)
		_, err := x.Run(context.Background(), withURL, nil)
		if !errors.Is(err, apperrors.ErrFetchDisabled) || apperrors.StatusCode(err) != 400 {
			t.Errorf("err = %v", err)
		}
	})
	t.Run("no source", func(t *testing.T) {
		x := NewExecutor(&fakeProcessor{}, &fakeStore{}, 10, WithFetcher(&fakeFetcher{}))
		_, err := x.Run(context.Background(), noURL, nil)
		if err == nil || apperrors.StatusCode(err) != 400 {
			t.Errorf("err = %v", err)
		}
	})
}

func TestRun_InvalidConfigRunsNothing(t *testing.T) {
	proc := &fakeProcessor{}
	x := NewExecutor(proc, &fakeStore{}, 10)
	raw := config(task("a", "png", "b"), `{"id":"b","transform":{"format":"png","quality":0},"output":{"bucket":"b","key":"k"}}`)
	if _, err := x.Run(context.Background(), raw, []byte("src")); err == nil {
		t.Fatal("expected error")
	}
	if proc.transforms.Load() != 0 {
		t.Error("no task may run when any task is invalid")
	}
}
