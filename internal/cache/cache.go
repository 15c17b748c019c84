// Package cache keeps the results of slow lookups, such as cloud server
// addresses, in small JSON files so that consecutive benchctl invocations
// do not repeat them.
package cache

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Cache is a directory of JSON entries that expire TTL after they were
// stored. A nil Cache, or one with a non-positive TTL, stores nothing.
type Cache struct {
	dir string
	ttl time.Duration
	now func() time.Time
}

// entry is the on-disk form of one cached value.
type entry[T any] struct {
	Stored time.Time `json:"stored"`
	Value  T         `json:"value"`
}

// New returns a cache rooted at dir whose entries live for ttl.
func New(dir string, ttl time.Duration) *Cache {
	return &Cache{dir: dir, ttl: ttl, now: time.Now}
}

// NewDefault returns a cache under the OS user cache directory.
func NewDefault(ttl time.Duration) *Cache {
	base, err := os.UserCacheDir()
	if err != nil || base == "" {
		base = os.TempDir()
	}
	return New(filepath.Join(base, "benchctl"), ttl)
}

// TTL returns how long entries stay valid.
func (c *Cache) TTL() time.Duration {
	if c == nil {
		return 0
	}
	return c.ttl
}

func (c *Cache) enabled() bool {
	return c != nil && c.dir != "" && c.ttl > 0
}

// Fetch returns the value cached under key while it is fresh. Otherwise it
// calls fill and stores the result. Failures of fill are returned and never
// cached; failures of the cache itself only cost a cache miss.
func Fetch[T any](c *Cache, key string, fill func() (T, error)) (T, error) {
	if c.enabled() {
		if e, ok := load[T](c, key); ok {
			return e.Value, nil
		}
	}
	v, err := fill()
	if err != nil || !c.enabled() {
		return v, err
	}
	_ = store(c, key, entry[T]{Stored: c.now(), Value: v})
	return v, nil
}

func load[T any](c *Cache, key string) (entry[T], bool) {
	var e entry[T]
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		return e, false
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return e, false
	}
	age := c.now().Sub(e.Stored)
	return e, age >= 0 && age < c.ttl
}

// store writes e through a temporary file so that readers never see a
// partial entry.
func store[T any](c *Cache, key string, e entry[T]) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.dir, ".entry-*")
	if err != nil {
		return err
	}
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), c.path(key))
}

// path maps key to a file name made only of portable characters.
func (c *Cache) path(key string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '_'
	}, strings.TrimSpace(key))
	if name == "" || strings.Trim(name, ".") == "" {
		name = "_"
	}
	return filepath.Join(c.dir, name+".json")
}
