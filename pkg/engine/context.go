package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rulecheck/pkg/cache"
)

// Observation kinds used as cache key prefixes.
const (
	observeStat    = "stat"
	observeRead    = "read"
	observeReadDir = "readdir"
	observeWalk    = "walk"
)

// FileInfo is an immutable snapshot of a stat observation.
type FileInfo struct {
	Path    string      `json:"path"`
	Name    string      `json:"name"`
	Size    int64       `json:"size"`
	Mode    fs.FileMode `json:"mode"`
	ModTime time.Time   `json:"mod_time"`
	IsDir   bool        `json:"is_dir"`
	Exists  bool        `json:"exists"`
}

// DirEntry is one element of a directory listing.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
}

// ExecutionContext is handed to every rule invocation. It is shared by all
// rules of a run and must be treated as read-only; the only mutable state
// behind it is the observation cache, which is safe for concurrent use.
type ExecutionContext struct {
	// RepoRoot is the absolute path of the tree under validation.
	RepoRoot string

	// RunID identifies the run the context belongs to.
	RunID string

	// Config is the engine configuration of the run.
	Config Config

	// Cache holds filesystem observations. May be nil, in which case every access reads the filesystem.
	Cache *cache.Cache

	// Logger is the run logger.
	Logger zerolog.Logger
}

// NewExecutionContext creates an execution context rooted at repoRoot.
func NewExecutionContext(repoRoot string, c *cache.Cache, cfg Config, logger zerolog.Logger) (*ExecutionContext, error) {
	abs, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, NewConfigError("failed to resolve repository root", err).WithCode(ErrCodeValidation)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, NewConfigError(fmt.Sprintf("repository root %s is not accessible", abs), err).
			WithCode(ErrCodeNotFound)
	}
	if !info.IsDir() {
		return nil, NewConfigError(fmt.Sprintf("repository root %s is not a directory", abs), nil).
			WithCode(ErrCodeValidation)
	}

	return &ExecutionContext{
		RepoRoot: abs,
		Config:   cfg.withDefaults(),
		Cache:    c,
		Logger:   logger,
	}, nil
}

// withRunID returns a copy of the context bound to runID.
func (ec *ExecutionContext) withRunID(runID string) *ExecutionContext {
	cp := *ec
	cp.RunID = runID
	cp.Logger = ec.Logger.With().Str("run_id", runID).Logger()
	return &cp
}

// Resolve returns the absolute path of p. Relative paths are joined to RepoRoot.
// Paths that leave RepoRoot, absolute or through "..", are rejected.
func (ec *ExecutionContext) Resolve(p string) (string, error) {
	abs := filepath.Clean(p)
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(ec.RepoRoot, p)
	}
	rel, err := filepath.Rel(ec.RepoRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", NewRuleExecutionError(fmt.Sprintf("path %q is outside the repository root", p), err).
			WithCode(ErrCodeValidation).
			WithDetail("path", p)
	}
	return abs, nil
}

// Stat returns a snapshot of the file at p. A missing file is not an error:
// the snapshot has Exists set to false.
func (ec *ExecutionContext) Stat(ctx context.Context, p string) (FileInfo, error) {
	abs, err := ec.Resolve(p)
	if err != nil {
		return FileInfo{}, err
	}
	load := func() (interface{}, error) {
		return statFile(abs)
	}

	v, err := ec.observe(ctx, observeStat, abs, load)
	if err != nil {
		return FileInfo{}, err
	}
	info, ok := v.(FileInfo)
	if !ok {
		return ec.statFallback(abs, v)
	}
	return info, nil
}

// Exists reports whether p exists. Errors other than non-existence count as absent.
func (ec *ExecutionContext) Exists(ctx context.Context, p string) bool {
	info, err := ec.Stat(ctx, p)
	return err == nil && info.Exists
}

// ReadFile returns the content of the file at p. The returned slice is a copy.
func (ec *ExecutionContext) ReadFile(ctx context.Context, p string) ([]byte, error) {
	abs, err := ec.Resolve(p)
	if err != nil {
		return nil, err
	}
	load := func() (interface{}, error) {
		return os.ReadFile(abs)
	}

	v, err := ec.observe(ctx, observeRead, abs, load)
	if err != nil {
		return nil, err
	}
	data, ok := v.([]byte)
	if !ok {
		ec.cacheFault(abs, observeRead, v)
		return os.ReadFile(abs)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// ReadDir lists the direct children of the directory at p, sorted by name.
func (ec *ExecutionContext) ReadDir(ctx context.Context, p string) ([]DirEntry, error) {
	abs, err := ec.Resolve(p)
	if err != nil {
		return nil, err
	}
	load := func() (interface{}, error) {
		return readDir(abs)
	}

	v, err := ec.observe(ctx, observeReadDir, abs, load)
	if err != nil {
		return nil, err
	}
	entries, ok := v.([]DirEntry)
	if !ok {
		ec.cacheFault(abs, observeReadDir, v)
		return readDir(abs)
	}
	return append([]DirEntry(nil), entries...), nil
}

// ListFiles returns every regular file below the directory at p, as paths
// relative to that directory, in lexical order. VCS metadata directories are skipped.
func (ec *ExecutionContext) ListFiles(ctx context.Context, p string) ([]string, error) {
	abs, err := ec.Resolve(p)
	if err != nil {
		return nil, err
	}
	load := func() (interface{}, error) {
		return walkFiles(abs)
	}

	v, err := ec.observe(ctx, observeWalk, abs, load)
	if err != nil {
		return nil, err
	}
	files, ok := v.([]string)
	if !ok {
		ec.cacheFault(abs, observeWalk, v)
		return walkFiles(abs)
	}
	return append([]string(nil), files...), nil
}

// observe runs load through the cache. A cache failure degrades to a direct
// load for this access only.
func (ec *ExecutionContext) observe(ctx context.Context, kind, abs string, load func() (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ec.Cache == nil {
		return load()
	}

	v, err := ec.Cache.GetOrLoad(cache.Key(kind, abs), load)
	if errors.Is(err, cache.ErrClosed) {
		cerr := NewCacheError("observation cache unavailable", err).WithDetail("path", abs)
		ec.Logger.Debug().Err(cerr).Str("kind", kind).Msg("Falling back to direct filesystem read")
		return load()
	}
	return v, err
}

func (ec *ExecutionContext) cacheFault(abs, kind string, v interface{}) {
	cerr := NewCacheError(fmt.Sprintf("unexpected cached value of type %T", v), nil).
		WithDetail("path", abs).
		WithDetail("kind", kind)
	ec.Logger.Warn().Err(cerr).Msg("Falling back to direct filesystem read")
	if ec.Cache != nil {
		ec.Cache.Invalidate(cache.Key(kind, abs))
	}
}

func (ec *ExecutionContext) statFallback(abs string, v interface{}) (FileInfo, error) {
	ec.cacheFault(abs, observeStat, v)
	return statFile(abs)
}

func statFile(abs string) (FileInfo, error) {
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return FileInfo{Path: abs, Name: filepath.Base(abs)}, nil
		}
		return FileInfo{}, err
	}
	return FileInfo{
		Path:    abs,
		Name:    info.Name(),
		Size:    info.Size(),
		Mode:    info.Mode(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
		Exists:  true,
	}, nil
}

func readDir(abs string) ([]DirEntry, error) {
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DirEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	return out, nil
}

func walkFiles(abs string) ([]string, error) {
	files := make([]string, 0)
	err := filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != abs && d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(abs, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
