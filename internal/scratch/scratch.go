// Package scratch manages the short-lived files produced while a pipeline
// runs. Every path handed out by a Manager lives directly inside its scratch
// directory, and every path is expected to be released by whoever allocated it.
package scratch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/hbomb79/Mixtape/internal/metrics"
	"github.com/hbomb79/Mixtape/pkg/logger"
	"github.com/labstack/gommon/random"
	"github.com/mitchellh/go-homedir"
)

var log = logger.Get("Scratch")

var (
	ErrOutsideScratch = errors.New("path is not inside the scratch directory")
	ErrNotFound       = errors.New("scratch file does not exist")

	ownerSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
)

const (
	claimedMarker    = ".claimed-"
	maxOwnerLength   = 32
	randomSuffixSize = 10
	allocateAttempts = 5
)

type Config struct {
	Dir           string        `yaml:"dir" env:"SCRATCH_DIR" env-default:"~/.cache/mixtape/scratch"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SCRATCH_SWEEP_INTERVAL" env-default:"1m"`
	MaxAge        time.Duration `yaml:"max_age" env:"SCRATCH_MAX_AGE" env-default:"30m"`
}

// Manager allocates and releases files inside a single scratch directory.
// It is safe for concurrent use; each caller only ever touches the paths
// it was handed.
type Manager struct {
	dir    string
	config Config
	now    func() time.Time
}

// New expands and creates (if absent) the configured scratch directory. Any
// files left behind by a previous process are swept immediately.
func New(config Config) (*Manager, error) {
	dir, err := homedir.Expand(config.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand scratch dir %q: %w", config.Dir, err)
	}
	if dir, err = filepath.Abs(dir); err != nil {
		return nil, fmt.Errorf("failed to resolve scratch dir %q: %w", config.Dir, err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir %q: %w", dir, err)
	}

	m := &Manager{dir: dir, config: config, now: time.Now}
	if n := m.Sweep(0); n > 0 {
		log.Emit(logger.REMOVE, "Removed %d stale scratch file(s) left by a previous run\n", n)
	}

	return m, nil
}

func (m *Manager) Dir() string { return m.dir }

// Allocate reserves a new unique path for the given owner. The name combines a
// nanosecond timestamp, a random component and the sanitised owner. An empty
// placeholder is created exclusively so that two concurrent callers can never
// be handed the same path.
func (m *Manager) Allocate(owner string, ext string) (string, error) {
	owner = sanitizeOwner(owner)
	ext = strings.TrimPrefix(ext, ".")

	for attempt := 0; attempt < allocateAttempts; attempt++ {
		name := fmt.Sprintf("%d-%s-%s", m.now().UnixNano(), random.String(randomSuffixSize, random.Alphanumeric), owner)
		if ext != "" {
			name += "." + ext
		}

		path := filepath.Join(m.dir, name)
		fh, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if errors.Is(err, fs.ErrExist) {
			continue
		} else if err != nil {
			return "", fmt.Errorf("failed to reserve scratch file: %w", err)
		}

		fh.Close()
		log.Emit(logger.NEW, "Allocated scratch file %s\n", name)
		return path, nil
	}

	return "", fmt.Errorf("failed to reserve scratch file for %q after %d attempts", owner, allocateAttempts)
}

// Release removes the file at path. Releasing a path which no longer exists
// is not an error; it is logged and ignored.
func (m *Manager) Release(path string) {
	if path == "" {
		return
	}
	if !m.contains(path) {
		log.Warnf("Refusing to release %s as it is not inside the scratch directory\n", path)
		return
	}

	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debugf("Scratch file %s already released\n", filepath.Base(path))
			return
		}

		log.Errorf("Failed to release scratch file %s: %v\n", path, err)
		return
	}

	metrics.IncScratchReleased("release")
	log.Emit(logger.REMOVE, "Released scratch file %s\n", filepath.Base(path))
}

// Claim atomically moves the file at path to a new, unguessable name and
// returns it. Only one caller can successfully claim a given path; all others
// receive ErrNotFound. The claimed path must be released by the caller.
func (m *Manager) Claim(path string) (string, error) {
	if !m.contains(path) {
		return "", ErrOutsideScratch
	}

	claimed := path + claimedMarker + random.String(randomSuffixSize, random.Alphanumeric)
	if err := os.Rename(path, claimed); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}

		return "", fmt.Errorf("failed to claim scratch file: %w", err)
	}

	return claimed, nil
}

// Resolve maps a bare file name (as embedded in a download token) back to
// its path in the scratch directory. Names containing path separators or
// relative components are rejected.
func (m *Manager) Resolve(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." || strings.Contains(name, claimedMarker) {
		return "", ErrOutsideScratch
	}

	return filepath.Join(m.dir, name), nil
}

// Create opens a pending file which will atomically replace the file at path
// once committed. Until then, readers of path never observe partial content.
func (m *Manager) Create(path string) (*renameio.PendingFile, error) {
	if !m.contains(path) {
		return nil, ErrOutsideScratch
	}

	return renameio.NewPendingFile(path, renameio.WithTempDir(m.dir), renameio.WithPermissions(0o600))
}

// Sweep removes every regular file in the scratch directory that was last
// modified more than olderThan ago. A zero duration removes everything.
func (m *Manager) Sweep(olderThan time.Duration) int {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		log.Errorf("Failed to list scratch directory for sweeping: %v\n", err)
		return 0
	}

	cutoff := m.now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if olderThan > 0 && info.ModTime().After(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(m.dir, entry.Name())); err == nil {
			removed++
			metrics.IncScratchReleased("sweep")
		} else if !errors.Is(err, fs.ErrNotExist) {
			log.Warnf("Failed to sweep scratch file %s: %v\n", entry.Name(), err)
		}
	}

	return removed
}

// Run periodically sweeps files older than the configured maximum age,
// returning once the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m.config.SweepInterval <= 0 || m.config.MaxAge <= 0 {
		log.Emit(logger.WARNING, "Scratch janitor disabled (interval=%s, max_age=%s)\n", m.config.SweepInterval, m.config.MaxAge)
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.Sweep(m.config.MaxAge); n > 0 {
				log.Emit(logger.REMOVE, "Janitor removed %d orphaned scratch file(s)\n", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Manager) contains(path string) bool {
	return filepath.Dir(filepath.Clean(path)) == m.dir
}

func sanitizeOwner(owner string) string {
	owner = ownerSanitizer.ReplaceAllString(owner, "_")
	if len(owner) > maxOwnerLength {
		owner = owner[:maxOwnerLength]
	}
	if owner == "" {
		return "anon"
	}

	return owner
}
