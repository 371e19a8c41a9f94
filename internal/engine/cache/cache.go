// Package cache implements the persistent, on-disk, content-addressed blob
// store the engine uses for GC bookkeeping (spec §4.4).
package cache

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	nimbuscallerrors "github.com/nimbuscall/nimbuscall/internal/engine/errors"
)

const (
	dirMode  os.FileMode = 0700
	fileMode os.FileMode = 0600
)

// initGuards deduplicates concurrent New calls against the same root path
// (spec §4.4: "Initialization is idempotent and must not race multiple
// concurrent constructions").
var (
	initGuardsMu sync.Mutex
	initGuards   = map[string]*sync.Once{}
)

// PersistentCache is a disk-backed, content-addressed blob store keyed by an
// arbitrary string. Entries carry an implicit mtime (the file's own
// modification time) and are treated as absent once older than the
// expiration passed to Get.
type PersistentCache struct {
	root string
}

// New returns a PersistentCache rooted at dir, creating it if necessary.
// Concurrent calls to New with the same dir observe the directory creation
// exactly once.
func New(dir string) (*PersistentCache, error) {
	if dir == "" {
		return nil, nimbuscallerrors.ErrCacheRootRequired
	}

	initGuardsMu.Lock()
	once, ok := initGuards[dir]
	if !ok {
		once = &sync.Once{}
		initGuards[dir] = once
	}
	initGuardsMu.Unlock()

	var mkdirErr error
	once.Do(func() {
		mkdirErr = os.MkdirAll(dir, dirMode)
	})
	if mkdirErr != nil {
		return nil, mkdirErr
	}
	if _, err := os.Stat(dir); err != nil {
		// Another goroutine's Once already ran (possibly before this
		// process started, for a pre-existing directory); verify it
		// actually exists before handing out a cache over it.
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return nil, err
		}
	}

	return &PersistentCache{root: dir}, nil
}

func (c *PersistentCache) pathFor(key string) string {
	return filepath.Join(c.root, filepath.FromSlash(key))
}

// Get returns the bytes stored under key if they were written less than
// expiration ago, or (nil, false) if the key is absent or stale. A stale
// entry is left on disk; nothing in this package removes it except Delete
// and Clear.
func (c *PersistentCache) Get(key string, expiration time.Duration) ([]byte, bool) {
	path := c.pathFor(key)
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if time.Since(info.ModTime()) > expiration {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set writes bytes under key atomically: write to a fresh temp file in the
// same directory, then rename over the destination. A concurrent Get
// therefore always observes either the previous value or the complete new
// one, never a partial write (spec property 6).
func (c *PersistentCache) Set(key string, data []byte) error {
	path := c.pathFor(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Delete removes a single key. Absence of the key is not an error.
func (c *PersistentCache) Delete(key string) error {
	if err := os.Remove(c.pathFor(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Clear deletes the entire cache directory and, if recreate is true,
// recreates it empty.
func (c *PersistentCache) Clear(recreate bool) error {
	if err := os.RemoveAll(c.root); err != nil {
		return err
	}
	if !recreate {
		return nil
	}
	return os.MkdirAll(c.root, dirMode)
}

// Root returns the cache's root directory.
func (c *PersistentCache) Root() string {
	return c.root
}
