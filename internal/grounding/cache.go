package grounding

import (
	"context"
	"fmt"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vantico/deskpilot/api/schemas"
	"github.com/vantico/deskpilot/internal/kvcache"
)

const (
	keyPrefix = "grounding:v1:"

	defaultScreenWidth  = 1920
	defaultScreenHeight = 1080
)

// Options tune the cache. Zero values are replaced with the documented
// defaults at construction.
type Options struct {
	// TTL bounds the lifetime of a parsed screen. Static layouts rarely
	// change, so multi-day values are the norm.
	TTL time.Duration
	// SimilarityCutoff is the minimum normalized edit-distance score for the
	// similarity matching strategy.
	SimilarityCutoff float64
	// ElementConfidence is the fixed confidence assigned to every
	// provider-sourced element, propagated unchanged to resolutions.
	ElementConfidence float64
}

// Resolution is the outcome of grounding one description.
type Resolution struct {
	X           int
	Y           int
	Confidence  float64
	Element     schemas.ResolvedElement
	Strategy    MatchStrategy
	FromCache   bool
	Fingerprint string
	// Elements is the full parsed list for the capture, for the session to
	// keep alongside its current fingerprint.
	Elements []schemas.ResolvedElement
}

// cacheEntry is the stored form of a parsed screen. Entries are immutable
// once written: refresh overwrites the whole entry, never individual fields.
type cacheEntry struct {
	Version   int                       `json:"version"`
	Elements  []schemas.ResolvedElement `json:"elements"`
	CreatedAt time.Time                 `json:"created_at"`
}

// Cache resolves (screenshot, description, context) to coordinates through a
// content-addressed store of parsed screens. Concurrent resolvers of the same
// fingerprint are collapsed by singleflight; a lost race costs a duplicated
// provider call at worst, never corrupted state.
type Cache struct {
	kv       kvcache.Cache
	provider Provider
	opts     Options
	group    singleflight.Group
	logger   *zap.Logger
}

// NewCache wires the grounding cache to its backing store and provider.
func NewCache(kv kvcache.Cache, provider Provider, opts Options, logger *zap.Logger) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 72 * time.Hour
	}
	if opts.SimilarityCutoff <= 0 {
		opts.SimilarityCutoff = 0.6
	}
	if opts.ElementConfidence <= 0 {
		opts.ElementConfidence = 0.9
	}
	return &Cache{
		kv:       kv,
		provider: provider,
		opts:     opts,
		logger:   logger.Named("grounding_cache"),
	}
}

// Resolve grounds a description against a capture. The boolean reports
// whether a target was found; provider failures are returned as errors and
// never converted into low-confidence guesses.
func (c *Cache) Resolve(ctx context.Context, image []byte, description string, sctx *schemas.SessionContext) (Resolution, bool, error) {
	fp := Fingerprint(image, ContextID(sctx))

	if elements, ok, err := c.lookup(ctx, fp); err != nil {
		return Resolution{}, false, err
	} else if ok {
		if el, strategy, found := Match(description, elements, c.opts.SimilarityCutoff); found {
			c.logger.Debug("Grounding cache hit",
				zap.String("fingerprint", fp),
				zap.String("strategy", string(strategy)),
				zap.Int("element_id", el.ID),
			)
			return resolution(el, strategy, true, fp, elements), true, nil
		}
		// Fingerprint hit but no element matched: re-parse the screen rather
		// than fail on a possibly stale element list.
		c.logger.Debug("Grounding element miss, refreshing entry", zap.String("fingerprint", fp))
	}

	elements, err := c.refresh(ctx, fp, image, sctx)
	if err != nil {
		return Resolution{}, false, err
	}

	if el, strategy, found := Match(description, elements, c.opts.SimilarityCutoff); found {
		return resolution(el, strategy, false, fp, elements), true, nil
	}
	return Resolution{Fingerprint: fp, Elements: elements}, false, nil
}

// Invalidate drops the entry for an exact fingerprint.
func (c *Cache) Invalidate(ctx context.Context, fingerprint string) error {
	return c.kv.Delete(ctx, keyPrefix+fingerprint)
}

// InvalidateContext drops every entry whose normalized context identifier
// matches the pattern, e.g. "mail.example.com*".
func (c *Cache) InvalidateContext(ctx context.Context, contextPattern string) (int, error) {
	return c.kv.DeletePattern(ctx, keyPrefix+"*::"+contextPattern)
}

func (c *Cache) lookup(ctx context.Context, fp string) ([]schemas.ResolvedElement, bool, error) {
	raw, ok, err := c.kv.Get(ctx, keyPrefix+fp)
	if err != nil {
		return nil, false, fmt.Errorf("grounding cache read failed: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil || entry.Version != schemas.ElementSchemaVersion {
		// A corrupt or older-schema entry is a miss, not an error.
		return nil, false, nil
	}
	return entry.Elements, true, nil
}

// refresh calls the provider for a full element enumeration and overwrites
// the entry wholesale. Calls for the same fingerprint are collapsed.
func (c *Cache) refresh(ctx context.Context, fp string, image []byte, sctx *schemas.SessionContext) ([]schemas.ResolvedElement, error) {
	v, err, _ := c.group.Do(fp, func() (interface{}, error) {
		parsed, err := c.provider.EnumerateElements(ctx, image, ContextID(sctx))
		if err != nil {
			return nil, fmt.Errorf("grounding provider %s failed: %w", c.provider.Name(), err)
		}

		elements := c.convert(parsed, sctx)
		entry := cacheEntry{
			Version:   schemas.ElementSchemaVersion,
			Elements:  elements,
			CreatedAt: time.Now().UTC(),
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("failed to encode grounding entry: %w", err)
		}
		if err := c.kv.Set(ctx, keyPrefix+fp, raw, c.opts.TTL); err != nil {
			return nil, fmt.Errorf("grounding cache write failed: %w", err)
		}
		c.logger.Info("Screen parsed and cached",
			zap.String("fingerprint", fp),
			zap.Int("elements", len(elements)),
		)
		return elements, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]schemas.ResolvedElement), nil
}

// convert scales parsed elements to absolute pixels and stamps the fixed
// provider confidence.
func (c *Cache) convert(parsed []parsedElement, sctx *schemas.SessionContext) []schemas.ResolvedElement {
	width, height := defaultScreenWidth, defaultScreenHeight
	originX, originY := 0, 0
	if sctx != nil {
		if sctx.ScreenWidth > 0 && sctx.ScreenHeight > 0 {
			width, height = sctx.ScreenWidth, sctx.ScreenHeight
		}
		originX, originY = sctx.WindowX, sctx.WindowY
	}

	out := make([]schemas.ResolvedElement, 0, len(parsed))
	for i, p := range parsed {
		out = append(out, schemas.ResolvedElement{
			ID:          i,
			Type:        schemas.ElementType(p.Type),
			BBox:        p.BBox,
			AbsBBox:     p.BBox.ToAbsolute(width, height, originX, originY),
			Interactive: p.Interactivity,
			Text:        p.Content,
			Confidence:  c.opts.ElementConfidence,
		})
	}
	return out
}

func resolution(el schemas.ResolvedElement, strategy MatchStrategy, fromCache bool, fp string, elements []schemas.ResolvedElement) Resolution {
	x, y := el.AbsBBox.Center()
	return Resolution{
		X:           x,
		Y:           y,
		Confidence:  el.Confidence,
		Element:     el,
		Strategy:    strategy,
		FromCache:   fromCache,
		Fingerprint: fp,
		Elements:    elements,
	}
}

// ContextID picks the context component of a capture fingerprint: the URL
// when one is reported, the active application otherwise.
func ContextID(sctx *schemas.SessionContext) string {
	if sctx == nil {
		return ""
	}
	if sctx.URL != "" {
		return sctx.URL
	}
	return sctx.ActiveApp
}
