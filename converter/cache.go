// Copyright 2019, 2026 The Agostle Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package converter

import (
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/UNO-SOFT/filecache"
)

// ResultCache keeps finished PDFs keyed by the hash of the inputs and the options.
type ResultCache struct {
	cache *filecache.Cache

	lastTrimMu sync.Mutex
	lastTrim   time.Time
}

// OpenResultCache opens (creates) the cache in dir.
func OpenResultCache(dir string) (*ResultCache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	c, err := filecache.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", dir, err)
	}
	return &ResultCache{cache: c}, nil
}

type cacheKey = filecache.ActionID

// key hashes everything that determines the output bytes, except the job id and the time.
func (c *ResultCache) key(engine string, layout LayoutOptions, title string, inputs [][]byte) cacheKey {
	hsh := filecache.NewHash()
	fmt.Fprintf(hsh, "img2pdf:%s:%+v:%q:%d:", engine, layout, title, len(inputs))
	for _, b := range inputs {
		fmt.Fprintf(hsh, "%d:", len(b))
		hsh.Write(b)
	}
	return filecache.ActionID(hsh.SumID())
}

// Get returns the file name of the cached result.
func (c *ResultCache) Get(key cacheKey) (string, bool) {
	fn, _, err := c.cache.GetFile(key)
	if err != nil || !fileExists(fn) {
		return "", false
	}
	return fn, true
}

// Put stores the file fn under key, and trims the cache hourly.
func (c *ResultCache) Put(key cacheKey, fn string) error {
	fh, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer fh.Close()

	c.lastTrimMu.Lock()
	now := time.Now()
	if c.lastTrim.IsZero() || c.lastTrim.Add(time.Hour).Before(now) {
		c.lastTrim = now
		c.cache.Trim()
	}
	c.lastTrimMu.Unlock()

	if _, _, err = c.cache.Put(key, fh); err != nil {
		return fmt.Errorf("store %s into cache: %w", hex.EncodeToString(key[:]), err)
	}
	return nil
}
