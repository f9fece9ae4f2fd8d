package grounding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vantico/deskpilot/api/schemas"
	"github.com/vantico/deskpilot/internal/kvcache"
)

type fakeProvider struct {
	calls    int
	elements []parsedElement
	err      error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) EnumerateElements(_ context.Context, _ []byte, _ string) ([]parsedElement, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.elements, nil
}

func testContext() *schemas.SessionContext {
	return &schemas.SessionContext{
		UserID:       "u",
		SessionID:    "s",
		URL:          "https://mail.example.com/inbox",
		ScreenWidth:  1000,
		ScreenHeight: 1000,
	}
}

func newTestCache(t *testing.T, p Provider) *Cache {
	t.Helper()
	return NewCache(kvcache.NewMemory(), p, Options{}, zaptest.NewLogger(t))
}

func TestResolveCachesScreens(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{elements: []parsedElement{
		{Type: "input", BBox: schemas.BBox{0, 0, 0.1, 0.05}, Interactivity: true, Content: "Search mail"},
		{Type: "button", BBox: schemas.BBox{0.5, 0.5, 0.6, 0.6}, Interactivity: true, Content: "Compose"},
	}}
	cache := newTestCache(t, provider)
	image := []byte("screen-1")

	res, found, err := cache.Resolve(ctx, image, "the search box", testContext())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, provider.calls)
	assert.False(t, res.FromCache)
	assert.Equal(t, 50, res.X)
	assert.Equal(t, 25, res.Y)
	assert.InDelta(t, 0.9, res.Confidence, 0.001)

	// Same capture, different description: served from cache without another
	// provider round trip.
	res, found, err = cache.Resolve(ctx, image, "compose", testContext())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, provider.calls, "a cached screen must not hit the provider")
	assert.True(t, res.FromCache)
	assert.Equal(t, 550, res.X)
	assert.Equal(t, 550, res.Y)
}

func TestResolveElementMissForcesRefresh(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{elements: []parsedElement{
		{Type: "button", BBox: schemas.BBox{0.5, 0.5, 0.6, 0.6}, Interactivity: true, Content: "Compose"},
	}}
	cache := newTestCache(t, provider)
	image := []byte("screen-1")

	_, found, err := cache.Resolve(ctx, image, "compose", testContext())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, provider.calls)

	// The provider now sees an element it previously missed. A description
	// that misses the cached list re-parses rather than failing stale.
	provider.elements = append(provider.elements, parsedElement{
		Type: "button", BBox: schemas.BBox{0.8, 0.8, 0.9, 0.9}, Interactivity: true, Content: "Archive",
	})

	res, found, err := cache.Resolve(ctx, image, "archive", testContext())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, provider.calls, "an element miss must force a fresh parse")
	assert.Equal(t, "Archive", res.Element.Text)
}

func TestResolveNotFound(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{elements: []parsedElement{
		{Type: "text", BBox: schemas.BBox{0, 0, 0.1, 0.1}, Content: "Inbox"},
	}}
	cache := newTestCache(t, provider)

	res, found, err := cache.Resolve(ctx, []byte("screen"), "purple elephant", testContext())
	require.NoError(t, err)
	assert.False(t, found, "an unmatched description is a miss, never a guess")
	assert.NotEmpty(t, res.Fingerprint)
	assert.Len(t, res.Elements, 1, "the parsed list still comes back for the session")
}

func TestResolveProviderFailure(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{err: errors.New("service unavailable")}
	cache := newTestCache(t, provider)

	_, _, err := cache.Resolve(ctx, []byte("screen"), "anything", testContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service unavailable")
}

func TestResolveWindowOffset(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{elements: []parsedElement{
		{Type: "button", BBox: schemas.BBox{0, 0, 0.1, 0.05}, Interactivity: true, Content: "OK"},
	}}
	cache := newTestCache(t, provider)

	sctx := testContext()
	sctx.WindowX, sctx.WindowY = 100, 200
	res, found, err := cache.Resolve(ctx, []byte("screen"), "ok", sctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 150, res.X)
	assert.Equal(t, 225, res.Y)
}

func TestInvalidateContext(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{elements: []parsedElement{
		{Type: "button", BBox: schemas.BBox{0, 0, 0.1, 0.1}, Interactivity: true, Content: "OK"},
	}}
	cache := newTestCache(t, provider)

	_, _, err := cache.Resolve(ctx, []byte("a"), "ok", testContext())
	require.NoError(t, err)
	_, _, err = cache.Resolve(ctx, []byte("b"), "ok", testContext())
	require.NoError(t, err)
	require.Equal(t, 2, provider.calls)

	removed, err := cache.InvalidateContext(ctx, "mail.example.com*")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	// Both screens must be re-parsed now.
	_, _, err = cache.Resolve(ctx, []byte("a"), "ok", testContext())
	require.NoError(t, err)
	assert.Equal(t, 3, provider.calls)
}
