// Package uploads publishes image bytes to object storage exactly once per
// content hash.
package uploads

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/infra"
)

// ObjectStore is the storage backend the cache writes through.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// DefaultPutTimeout bounds a single store write.
const DefaultPutTimeout = time.Minute

type Options struct {
	Store  ObjectStore
	Prefix string
	// PutTimeout bounds the shared store write. Zero means DefaultPutTimeout.
	PutTimeout time.Duration
	Logger     *infra.Logger
}

// Cache maps content hashes to published URLs. It is shared by every run
// in the process: lookups are concurrent, and concurrent publishes of the
// same bytes collapse into a single store write.
type Cache struct {
	store      ObjectStore
	prefix     string
	putTimeout time.Duration
	logger     *infra.Logger

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]string
}

func NewCache(opts Options) (*Cache, error) {
	if opts.Store == nil {
		return nil, errors.New("uploads: object store is required")
	}
	logger := opts.Logger
	if logger == nil {
		discard := infra.Logger(zerolog.New(io.Discard))
		logger = &discard
	}
	prefix := strings.Trim(strings.TrimSpace(opts.Prefix), "/")
	putTimeout := opts.PutTimeout
	if putTimeout <= 0 {
		putTimeout = DefaultPutTimeout
	}
	return &Cache{
		store:      opts.Store,
		prefix:     prefix,
		putTimeout: putTimeout,
		logger:     logger,
		entries:    make(map[string]string),
	}, nil
}

// Hash returns the content key used for data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Lookup returns the URL previously published for hash.
func (c *Cache) Lookup(hash string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	url, ok := c.entries[hash]
	return url, ok
}

// Len reports how many distinct objects were published.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Publish stores data under its content hash and returns the durable URL.
// Failed writes are not cached. The store write is detached from ctx so one
// caller giving up does not fail the others waiting on the same bytes; ctx
// only bounds how long this caller waits.
func (c *Cache) Publish(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("uploads: nothing to publish")
	}
	hash := Hash(data)
	if url, ok := c.Lookup(hash); ok {
		return url, nil
	}
	detected := mimetype.Detect(data)
	if !strings.HasPrefix(contentType, "image/") {
		contentType = detected.String()
	}
	ch := c.group.DoChan(hash, func() (any, error) {
		if url, ok := c.Lookup(hash); ok {
			return url, nil
		}
		putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.putTimeout)
		defer cancel()
		url, err := c.store.Put(putCtx, c.key(hash, contentType, detected), data, contentType)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.entries[hash] = url
		c.mu.Unlock()
		c.logger.Debug().
			Str("hash", hash).
			Str("content_type", contentType).
			Int("bytes", len(data)).
			Msg("uploads: published")
		return url, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			c.logger.Debug().Str("hash", hash).Msg("uploads: shared in-flight publish")
		}
		return res.Val.(string), nil
	}
}

// PublishImage uploads inline bytes and returns ref with its URL set. URL
// references pass through untouched.
func (c *Cache) PublishImage(ctx context.Context, ref domain.ImageRef) (domain.ImageRef, error) {
	if !ref.Inline() {
		return ref, nil
	}
	url, err := c.Publish(ctx, ref.Data, ref.MIME)
	if err != nil {
		return ref, err
	}
	ref.URL = url
	return ref, nil
}

func (c *Cache) key(hash, contentType string, detected *mimetype.MIME) string {
	ext := detected.Extension()
	if m := mimetype.Lookup(contentType); m != nil && m.Extension() != "" {
		ext = m.Extension()
	}
	if ext == "" {
		ext = ".bin"
	}
	key := hash[:2] + "/" + hash + ext
	if c.prefix != "" {
		key = c.prefix + "/" + key
	}
	return key
}
