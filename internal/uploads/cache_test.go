package uploads

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostmannequin/internal/domain"
)

type countingStore struct {
	puts  atomic.Int32
	delay time.Duration
	err   error
	keys  sync.Map
}

func (s *countingStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	s.puts.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return "", s.err
	}
	s.keys.Store(key, contentType)
	return "https://cdn.example.com/" + key, nil
}

var png = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestPublishWritesOncePerHash(t *testing.T) {
	store := &countingStore{delay: 20 * time.Millisecond}
	cache, err := NewCache(Options{Store: store, Prefix: "/ghost/"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	urls := make([]string, 8)
	for i := range urls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url, err := cache.Publish(context.Background(), png, "")
			assert.NoError(t, err)
			urls[i] = url
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), store.puts.Load())
	for _, url := range urls {
		assert.Equal(t, urls[0], url)
	}
	hash := Hash(png)
	assert.Equal(t, "https://cdn.example.com/ghost/"+hash[:2]+"/"+hash+".png", urls[0])
	cached, ok := cache.Lookup(hash)
	assert.True(t, ok)
	assert.Equal(t, urls[0], cached)
	assert.Equal(t, 1, cache.Len())
}

func TestPublishDoesNotCacheFailures(t *testing.T) {
	store := &countingStore{err: errors.New("bucket unavailable")}
	cache, _ := NewCache(Options{Store: store})

	_, err := cache.Publish(context.Background(), png, "image/png")
	require.Error(t, err)
	store.err = nil
	url, err := cache.Publish(context.Background(), png, "image/png")
	require.NoError(t, err)
	assert.NotEmpty(t, url)
	assert.Equal(t, int32(2), store.puts.Load())
}

func TestPublishImagePassesURLsThrough(t *testing.T) {
	store := &countingStore{}
	cache, _ := NewCache(Options{Store: store})

	ref := domain.ImageRef{URL: "https://example.com/a.png"}
	out, err := cache.PublishImage(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, ref, out)
	assert.Zero(t, store.puts.Load())

	inline, err := cache.PublishImage(context.Background(), domain.ImageRef{Data: png, MIME: "image/png"})
	require.NoError(t, err)
	assert.NotEmpty(t, inline.URL)
	assert.Equal(t, png, inline.Data)
}

func TestNewCacheRequiresStore(t *testing.T) {
	_, err := NewCache(Options{})
	require.Error(t, err)
}

type blockingStore struct {
	puts  atomic.Int32
	delay time.Duration
}

func (s *blockingStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	s.puts.Add(1)
	select {
	case <-time.After(s.delay):
		return "https://cdn.example.com/" + key, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestPublishSharedWriteOutlivesFirstCallerDeadline(t *testing.T) {
	store := &blockingStore{delay: 100 * time.Millisecond}
	cache, err := NewCache(Options{Store: store})
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	var (
		wg       sync.WaitGroup
		shortErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, shortErr = cache.Publish(shortCtx, png, "image/png")
	}()
	time.Sleep(10 * time.Millisecond)

	url, err := cache.Publish(context.Background(), png, "image/png")
	wg.Wait()

	require.NoError(t, err)
	assert.NotEmpty(t, url)
	assert.ErrorIs(t, shortErr, context.DeadlineExceeded)
	assert.Equal(t, int32(1), store.puts.Load())
	cached, ok := cache.Lookup(Hash(png))
	assert.True(t, ok)
	assert.Equal(t, url, cached)
}
