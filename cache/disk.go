package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/semaphore"

	"github.com/Skryldev/imaged/core"
)

// diskConcurrency caps simultaneous file operations.
const diskConcurrency = 128

// header is the JSON prelude of a disk entry; the encoded image follows it.
type header struct {
	Format         core.Format `json:"format"`
	Width          int         `json:"width"`
	Height         int         `json:"height"`
	OriginalFormat core.Format `json:"originalFormat"`
	OriginalWidth  int         `json:"originalWidth"`
	OriginalHeight int         `json:"originalHeight"`
	OriginalSize   int64       `json:"originalSize"`
}

// Disk persists entries as files under dir. Each file is a 4-byte
// big-endian header length, the JSON header, then the image bytes.
type Disk struct {
	dir    string
	sem    *semaphore.Weighted
	logger core.Logger
}

// NewDisk creates dir if needed.
func NewDisk(dir string, logger core.Logger) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk cache: %w", err)
	}
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &Disk{dir: dir, sem: semaphore.NewWeighted(diskConcurrency), logger: logger}, nil
}

// path fans entries out by the last three hex digits of the key.
func (d *Disk) path(key string) string {
	if len(key) < 3 {
		return filepath.Join(d.dir, key)
	}
	n := len(key)
	return filepath.Join(d.dir, key[n-1:], key[n-3:n-1], key)
}

func (d *Disk) Get(ctx context.Context, key string) (*core.TransformResult, bool) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, false
	}
	defer d.sem.Release(1)

	raw, err := os.ReadFile(d.path(key))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("disk cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	res, err := decodeEntry(raw)
	if err != nil {
		d.logger.Warn("disk cache entry corrupt", "key", key, "error", err)
		return nil, false
	}
	return res, true
}

func (d *Disk) Set(ctx context.Context, key string, res *core.TransformResult) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer d.sem.Release(1)

	if err := d.write(d.path(key), encodeEntry(res)); err != nil {
		d.logger.Warn("disk cache write failed", "key", key, "error", err)
	}
}

func (d *Disk) write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".entry-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func encodeEntry(res *core.TransformResult) []byte {
	hdr, _ := json.Marshal(header{
		Format:         res.Format,
		Width:          res.Width,
		Height:         res.Height,
		OriginalFormat: res.OriginalFormat,
		OriginalWidth:  res.OriginalWidth,
		OriginalHeight: res.OriginalHeight,
		OriginalSize:   res.OriginalSize,
	})
	var buf bytes.Buffer
	buf.Grow(4 + len(hdr) + len(res.Data))
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(hdr)))
	buf.Write(hdr)
	buf.Write(res.Data)
	return buf.Bytes()
}

func decodeEntry(raw []byte) (*core.TransformResult, error) {
	if len(raw) < 4 {
		return nil, errors.New("short entry")
	}
	n := int(binary.BigEndian.Uint32(raw[:4]))
	if n > len(raw)-4 {
		return nil, fmt.Errorf("header length %d exceeds entry", n)
	}
	var h header
	if err := json.Unmarshal(raw[4:4+n], &h); err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	return &core.TransformResult{
		Data:           raw[4+n:],
		Format:         h.Format,
		Width:          h.Width,
		Height:         h.Height,
		OriginalFormat: h.OriginalFormat,
		OriginalWidth:  h.OriginalWidth,
		OriginalHeight: h.OriginalHeight,
		OriginalSize:   h.OriginalSize,
	}, nil
}

// Tiered consults the memory tier first and promotes disk hits into it.
// Either tier may be nil.
type Tiered struct {
	Memory *Memory
	Disk   *Disk
}

// New returns the tiers enabled by a non-zero memory budget or a disk
// directory, or nil when both are disabled.
func New(memoryBytes int64, diskDir string, logger core.Logger) (Cache, error) {
	t := &Tiered{}
	if memoryBytes > 0 {
		t.Memory = NewMemory(memoryBytes)
	}
	if diskDir != "" {
		d, err := NewDisk(diskDir, logger)
		if err != nil {
			return nil, err
		}
		t.Disk = d
	}
	if t.Memory == nil && t.Disk == nil {
		return nil, nil
	}
	return t, nil
}

func (t *Tiered) Get(ctx context.Context, key string) (*core.TransformResult, bool) {
	if t.Memory != nil {
		if res, ok := t.Memory.Get(ctx, key); ok {
			return res, true
		}
	}
	if t.Disk == nil {
		return nil, false
	}
	res, ok := t.Disk.Get(ctx, key)
	if ok && t.Memory != nil {
		t.Memory.Set(ctx, key, res)
	}
	return res, ok
}

func (t *Tiered) Set(ctx context.Context, key string, res *core.TransformResult) {
	if t.Memory != nil {
		t.Memory.Set(ctx, key, res)
	}
	if t.Disk != nil {
		t.Disk.Set(ctx, key, res)
	}
}
