package cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Skryldev/imaged/core"
)

func result(size int) *core.TransformResult {
	return &core.TransformResult{
		Data:           bytes.Repeat([]byte{0xAB}, size),
		Format:         core.FormatWebP,
		Width:          64,
		Height:         32,
		OriginalFormat: core.FormatJPEG,
		OriginalWidth:  640,
		OriginalHeight: 320,
		OriginalSize:   12345,
	}
}

// ── Key ───────────────────────────────────────────────────────────────────────

func TestKey(t *testing.T) {
	a := Key("https://x/a.jpg", core.TransformOptions{Format: core.FormatPNG, Resize: core.ResizeOptions{Width: 10}})
	b := Key("https://x/a.jpg", core.TransformOptions{Format: core.FormatPNG, Resize: core.ResizeOptions{Width: 10}})
	c := Key("https://x/a.jpg", core.TransformOptions{Format: core.FormatPNG, Resize: core.ResizeOptions{Width: 11}})
	d := Key("https://x/b.jpg", core.TransformOptions{Format: core.FormatPNG, Resize: core.ResizeOptions{Width: 10}})
	if a != b {
		t.Error("equal inputs must give equal keys")
	}
	if a == c || a == d {
		t.Error("different inputs must give different keys")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex digits", len(a))
	}
}

// ── Memory ────────────────────────────────────────────────────────────────────

func TestMemory_EvictsByBytes(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(250)
	m.Set(ctx, "a", result(100))
	m.Set(ctx, "b", result(100))
	if _, ok := m.Get(ctx, "a"); !ok { // a becomes most recent
		t.Fatal("a missing")
	}
	m.Set(ctx, "c", result(100))

	if _, ok := m.Get(ctx, "b"); ok {
		t.Error("b should have been evicted")
	}
	for _, k := range []string{"a", "c"} {
		if _, ok := m.Get(ctx, k); !ok {
			t.Errorf("%s missing", k)
		}
	}
	if m.Size() != 200 || m.Len() != 2 {
		t.Errorf("size=%d len=%d, want 200/2", m.Size(), m.Len())
	}
}

func TestMemory_ReplaceAccountsSize(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(1000)
	m.Set(ctx, "a", result(300))
	m.Set(ctx, "a", result(100))
	if m.Size() != 100 {
		t.Errorf("size = %d, want 100", m.Size())
	}
}

func TestMemory_SkipsOversizedEntries(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(50)
	m.Set(ctx, "small", result(10))
	m.Set(ctx, "big", result(51))
	if _, ok := m.Get(ctx, "big"); ok {
		t.Error("oversized entry cached")
	}
	if _, ok := m.Get(ctx, "small"); !ok {
		t.Error("oversized entry evicted others")
	}
}

// ── Disk ──────────────────────────────────────────────────────────────────────

func TestDisk_RoundTripAndLayout(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	d, err := NewDisk(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	key := Key("src", core.TransformOptions{})
	want := result(77)
	d.Set(ctx, key, want)

	path := filepath.Join(dir, key[63:], key[61:63], key)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("entry not at fan-out path: %v", err)
	}
	hdrLen := int(raw[0])<<24 | int(raw[1])<<16 | int(raw[2])<<8 | int(raw[3])
	if !strings.HasPrefix(string(raw[4:4+hdrLen]), "{") || len(raw) != 4+hdrLen+77 {
		t.Errorf("unexpected layout: header %d bytes, total %d", hdrLen, len(raw))
	}

	got, ok := d.Get(ctx, key)
	if !ok {
		t.Fatal("miss after set")
	}
	if !bytes.Equal(got.Data, want.Data) || got.Format != want.Format || got.Width != 64 ||
		got.OriginalFormat != core.FormatJPEG || got.OriginalWidth != 640 || got.OriginalSize != 12345 {
		t.Errorf("got %+v", got)
	}
}

func TestDisk_MissAndCorrupt(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	d, err := NewDisk(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := d.Get(ctx, "abcdef"); ok {
		t.Error("hit on empty cache")
	}
	for name, raw := range map[string][]byte{
		"short":      {0, 0},
		"overlong":   {0, 0, 1, 0, '{'},
		"bad header": append([]byte{0, 0, 0, 3}, "xyz"...),
	} {
		key := strings.Repeat("0", 61) + "abc"
		if err := os.MkdirAll(filepath.Dir(d.path(key)), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(d.path(key), raw, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, ok := d.Get(ctx, key); ok {
			t.Errorf("%s: corrupt entry reported as hit", name)
		}
	}
}

// ── Tiered ────────────────────────────────────────────────────────────────────

func TestTiered_PromotesDiskHits(t *testing.T) {
	ctx := context.Background()
	c, err := New(1<<20, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	tiered := c.(*Tiered)
	tiered.Disk.Set(ctx, "k", result(10))

	if tiered.Memory.Len() != 0 {
		t.Fatal("memory should start empty")
	}
	if _, ok := c.Get(ctx, "k"); !ok {
		t.Fatal("disk entry not found")
	}
	if _, ok := tiered.Memory.Get(ctx, "k"); !ok {
		t.Error("disk hit not promoted to memory")
	}
}

func TestNew_Disabled(t *testing.T) {
	c, err := New(0, "", nil)
	if err != nil || c != nil {
		t.Errorf("New(0, \"\") = %v, %v; want nil, nil", c, err)
	}
}
