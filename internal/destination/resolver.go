package destination

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

const (
	reservedBlocks = 4

	sequenceSeparator  = "-"
	probesPerMagnitude = 9
	maxMagnitude       = 100000000
)

// Common errors.
var (
	ErrInsufficientSpace = errors.New("destination: insufficient space")
	ErrDeviceNotFound    = errors.New("destination: device not found")
	ErrFileExists        = errors.New("destination: file already exists")
	ErrNoUniqueName      = errors.New("destination: no unused filename")
	ErrContentMismatch   = errors.New("destination: content does not match mime type")
)

// Request describes the file a download needs.
type Request struct {
	URL                string
	Hint               string
	ContentDisposition string
	ContentLocation    string
	MimeType           string

	// ContentLength is the expected size, or -1 when unknown.
	ContentLength int64

	// Path is an explicit destination file. When set the other naming
	// inputs are ignored.
	Path string
}

// Resolver turns download metadata into a collision-free local file.
type Resolver struct {
	dirs       []string
	createDirs bool
	freeSpace  func(string) (int64, error)

	mu  sync.Mutex
	rnd *rand.Rand
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRand sets the random source used for the collision search.
func WithRand(r *rand.Rand) Option {
	return func(res *Resolver) {
		res.rnd = r
	}
}

// WithFreeSpace replaces the free-space query.
func WithFreeSpace(fn func(path string) (int64, error)) Option {
	return func(res *Resolver) {
		res.freeSpace = fn
	}
}

// WithCreateDirs controls whether missing download directories are created.
// Default: true
func WithCreateDirs(create bool) Option {
	return func(res *Resolver) {
		res.createDirs = create
	}
}

// NewResolver creates a resolver that places files in the first usable
// directory of dirs.
func NewResolver(dirs []string, opts ...Option) *Resolver {
	r := &Resolver{
		dirs:       dirs,
		createDirs: true,
		freeSpace:  FreeSpace,
		rnd:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve chooses the destination path for req and creates an empty file
// there so concurrent downloads cannot claim the same name.
func (r *Resolver) Resolve(req Request) (string, error) {
	if req.Path != "" {
		return r.resolveExplicit(req.Path, req.ContentLength)
	}

	dir, err := r.locateDir(req.ContentLength)
	if err != nil {
		return "", err
	}

	name := ChooseFilename(req.URL, req.Hint, req.ContentDisposition, req.ContentLocation)
	base, ext := SplitExtension(name, req.MimeType)
	return r.claimUnique(filepath.Join(dir, base), ext)
}

func (r *Resolver) resolveExplicit(path string, contentLength int64) (string, error) {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || !r.createDirs {
			return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, dir)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
		}
	}
	if err := r.checkSpace(dir, contentLength); err != nil {
		return "", err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrFileExists, path)
		}
		return "", fmt.Errorf("create destination: %w", err)
	}
	return path, f.Close()
}

// locateDir returns the first download directory that exists, or can be
// created, and has room for contentLength bytes.
func (r *Resolver) locateDir(contentLength int64) (string, error) {
	var spaceErr error
	for _, dir := range r.dirs {
		if err := r.ensureDir(dir); err != nil {
			continue
		}
		if err := r.checkSpace(dir, contentLength); err != nil {
			spaceErr = err
			continue
		}
		return dir, nil
	}
	if spaceErr != nil {
		return "", spaceErr
	}
	return "", fmt.Errorf("%w: no usable download directory in %v", ErrDeviceNotFound, r.dirs)
}

func (r *Resolver) ensureDir(dir string) error {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) || !r.createDirs {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func (r *Resolver) checkSpace(dir string, contentLength int64) error {
	if contentLength <= 0 {
		return nil
	}
	avail, err := r.freeSpace(dir)
	if err != nil {
		return fmt.Errorf("query free space: %w", err)
	}
	if avail >= 0 && avail < contentLength {
		return fmt.Errorf("%w: %s has %d bytes, need %d", ErrInsufficientSpace, dir, avail, contentLength)
	}
	return nil
}

// claimUnique creates base+ext, or base-<seq>+ext when taken. The sequence
// starts at 1 and grows by a random step bounded by a magnitude that is
// multiplied by ten every nine probes.
func (r *Resolver) claimUnique(base, ext string) (string, error) {
	ok, err := claim(base + ext)
	if err != nil {
		return "", err
	}
	if ok {
		return base + ext, nil
	}

	base += sequenceSeparator
	sequence := 1
	for magnitude := 1; magnitude <= maxMagnitude; magnitude *= 10 {
		for i := 0; i < probesPerMagnitude; i++ {
			path := base + strconv.Itoa(sequence) + ext
			ok, err := claim(path)
			if err != nil {
				return "", err
			}
			if ok {
				return path, nil
			}
			sequence += r.randN(magnitude) + 1
		}
	}
	return "", fmt.Errorf("%w: %s%s", ErrNoUniqueName, base, ext)
}

func (r *Resolver) randN(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.IntN(n)
}

// claim creates path exclusively. It reports false when path exists.
func claim(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create destination: %w", err)
	}
	return true, f.Close()
}
