// Package fsbackend implements backend.Backend on a local directory tree.
//
// Paths handed to the backend are slash-separated and interpreted relative to
// Root. Paths matching one of the Hide patterns (doublestar syntax) are
// reported as access denied.
package fsbackend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/ChuLiYu/srm-lifecycle/internal/backend"
	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

// Config configures a filesystem backend.
type Config struct {
	Root      string
	Hide      []string
	ListLimit int
	// BaseURL prefixes transfer URLs; defaults to "file://".
	BaseURL string
}

// Backend is a filesystem-backed backend.Backend.
type Backend struct {
	cfg Config

	mu   sync.Mutex
	pins map[string]int

	wg     sync.WaitGroup
	closed bool
}

// New validates cfg and returns a backend rooted at cfg.Root.
func New(cfg Config) (*Backend, error) {
	if cfg.Root == "" {
		return nil, errors.New("fsbackend: root is required")
	}
	abs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("fsbackend: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("fsbackend: create root: %w", err)
	}
	for _, p := range cfg.Hide {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("fsbackend: invalid hide pattern %q", p)
		}
	}
	cfg.Root = abs
	if cfg.BaseURL == "" {
		cfg.BaseURL = "file://"
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 1000
	}
	return &Backend{cfg: cfg, pins: make(map[string]int)}, nil
}

var _ backend.Backend = (*Backend)(nil)

// Pin implements backend.Backend.
func (b *Backend) Pin(ctx context.Context, p string, lifetime time.Duration, cb backend.Callback) error {
	return b.async(ctx, cb, func() backend.Result {
		full, err := b.resolve("pin", p)
		if err != nil {
			return backend.Result{Err: err}
		}
		fi, err := os.Stat(full)
		if err != nil {
			return backend.Result{Err: b.wrap("pin", p, err)}
		}
		if fi.IsDir() {
			return backend.Result{Err: &backend.Error{Op: "pin", Path: p, Err: fmt.Errorf("%w: is a directory", backend.ErrNotFound)}}
		}
		b.mu.Lock()
		b.pins[p]++
		b.mu.Unlock()
		zap.L().Debug("pinned", zap.String("path", p), zap.Duration("lifetime", lifetime))
		return backend.Result{TURL: b.turl(full), Size: fi.Size()}
	})
}

// Unpin implements backend.Backend.
func (b *Backend) Unpin(_ context.Context, p string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.pins[p]
	if n == 0 {
		return &backend.Error{Op: "unpin", Path: p, Err: backend.ErrNotFound}
	}
	if n == 1 {
		delete(b.pins, p)
	} else {
		b.pins[p] = n - 1
	}
	return nil
}

// Pinned reports how many pins path currently holds.
func (b *Backend) Pinned(p string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pins[p]
}

// Stage implements backend.Backend. Local files are always online.
func (b *Backend) Stage(ctx context.Context, p string, cb backend.Callback) error {
	return b.async(ctx, cb, func() backend.Result {
		full, err := b.resolve("stage", p)
		if err != nil {
			return backend.Result{Err: err}
		}
		fi, err := os.Stat(full)
		if err != nil {
			return backend.Result{Err: b.wrap("stage", p, err)}
		}
		return backend.Result{Size: fi.Size()}
	})
}

// PrepareUpload implements backend.Backend.
func (b *Backend) PrepareUpload(ctx context.Context, p string, size int64, cb backend.Callback) error {
	return b.async(ctx, cb, func() backend.Result {
		full, err := b.resolve("prepare", p)
		if err != nil {
			return backend.Result{Err: err}
		}
		if _, err := os.Stat(full); err == nil {
			return backend.Result{Err: &backend.Error{Op: "prepare", Path: p, Err: backend.ErrExists}}
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return backend.Result{Err: b.wrap("prepare", p, err)}
		}
		return backend.Result{TURL: b.turl(full), Size: size}
	})
}

// List implements backend.Backend.
func (b *Backend) List(ctx context.Context, p string, opts backend.ListOptions, cb backend.Callback) error {
	return b.async(ctx, cb, func() backend.Result {
		full, err := b.resolve("list", p)
		if err != nil {
			return backend.Result{Err: err}
		}
		fi, err := os.Stat(full)
		if err != nil {
			return backend.Result{Err: b.wrap("list", p, err)}
		}
		root := cleanRel(p)
		entries := []types.ListEntry{entryOf(root, fi)}
		if fi.IsDir() {
			entries, err = b.walk(ctx, full, root, opts.Depth, entries)
			if err != nil {
				return backend.Result{Err: b.wrap("list", p, err)}
			}
		}
		entries = page(entries, opts.Offset, opts.Count)
		if len(entries) > b.cfg.ListLimit {
			return backend.Result{Err: &backend.Error{Op: "list", Path: p, Err: backend.ErrTooManyResults}}
		}
		return backend.Result{Entries: entries}
	})
}

// Close waits for in-flight callbacks and rejects new work.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

func (b *Backend) async(ctx context.Context, cb backend.Callback, fn func() backend.Result) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return backend.ErrBusy
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		if err := ctx.Err(); err != nil {
			cb(backend.Result{Err: fmt.Errorf("%w: %v", backend.ErrBusy, err)})
			return
		}
		cb(fn())
	}()
	return nil
}

func (b *Backend) walk(ctx context.Context, dir, rel string, depth int, out []types.ListEntry) ([]types.ListEntry, error) {
	if depth <= 0 {
		return out, nil
	}
	des, err := os.ReadDir(dir)
	if err != nil {
		return out, err
	}
	sort.Slice(des, func(i, j int) bool { return des[i].Name() < des[j].Name() })
	for _, de := range des {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		childRel := path.Join(rel, de.Name())
		if b.hidden(childRel) {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, entryOf(childRel, fi))
		if len(out) > b.cfg.ListLimit*2 {
			return out, backend.ErrTooManyResults
		}
		if de.IsDir() {
			out, err = b.walk(ctx, filepath.Join(dir, de.Name()), childRel, depth-1, out)
			if err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

func (b *Backend) resolve(op, p string) (string, error) {
	rel := cleanRel(p)
	if b.hidden(rel) {
		return "", &backend.Error{Op: op, Path: p, Err: backend.ErrAccessDenied}
	}
	full := filepath.Join(b.cfg.Root, filepath.FromSlash(strings.TrimPrefix(rel, "/")))
	if full != b.cfg.Root && !strings.HasPrefix(full, b.cfg.Root+string(filepath.Separator)) {
		return "", &backend.Error{Op: op, Path: p, Err: backend.ErrAccessDenied}
	}
	return full, nil
}

func (b *Backend) hidden(rel string) bool {
	name := strings.TrimPrefix(rel, "/")
	for _, pat := range b.cfg.Hide {
		if ok, _ := doublestar.Match(pat, name); ok {
			return true
		}
	}
	return false
}

func (b *Backend) wrap(op, p string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		err = backend.ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		err = backend.ErrAccessDenied
	}
	return &backend.Error{Op: op, Path: p, Err: err}
}

func (b *Backend) turl(full string) string {
	return b.cfg.BaseURL + filepath.ToSlash(full)
}

func cleanRel(p string) string {
	return path.Clean("/" + p)
}

func entryOf(rel string, fi os.FileInfo) types.ListEntry {
	e := types.ListEntry{Path: rel, Dir: fi.IsDir(), ModTime: fi.ModTime().UTC()}
	if !fi.IsDir() {
		e.Size = fi.Size()
	}
	return e
}

func page(entries []types.ListEntry, offset, count int) []types.ListEntry {
	if offset > 0 {
		if offset >= len(entries) {
			return nil
		}
		entries = entries[offset:]
	}
	if count > 0 && count < len(entries) {
		entries = entries[:count]
	}
	return entries
}
