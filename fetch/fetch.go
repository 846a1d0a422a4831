// Package fetch implements the FetchCoordinator: dispatching HTTP
// requests, handling redirects/retries/cache headers, demultiplexing
// responses, compositing tiles into the output raster, and cancelling
// stale work.
//
// Grounded on golang.org/x/sync/singleflight + errgroup as used by
// vosatom-gisquick-server-next's mapcache.CacheService (concurrent
// fetch + per-key dedup), and on its image.Decode/SubImage compositing
// idiom, generalised from a metatile-splitting cache writer into a
// tile-into-destination blitter.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg" // registers the JPEG decoder consumed by image.Decode
	_ "image/png"  // registers the PNG decoder consumed by image.Decode
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/sirupsen/logrus"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/delta10/ogcprovider/crs"
	"github.com/delta10/ogcprovider/internal/logging"
	"github.com/delta10/ogcprovider/ogcerr"
)

// WMSThreshold is the bounded wait a draw call spends pumping for
// synchronous responses before returning a partial image.
const WMSThreshold = 200 * time.Millisecond

// DefaultMaxRetry is the retry cap per logical request.
const DefaultMaxRetry = 3

// DefaultTileExpiry is applied to a cached tile response when the server
// didn't set an expiration itself.
const DefaultTileExpiry = 24 * time.Hour

// errorLogBudget is the number of per-session error logs emitted before
// further TransportError/ContentError logging is suppressed.
const errorLogBudget = 100

// RequestAttrs are the opaque attributes carried by every dispatched
// request so responses can be demultiplexed by value instead of identity.
type RequestAttrs struct {
	Generation uint64
	TileIndex  int
	MapRect    crs.Rect
	RetryCount int
	URL        string
	// Headers carries per-session request headers (Authorization,
	// Referer) a Provider's session configuration requires.
	Headers map[string]string
	// NonTiled marks the single GetMap request a non-tiled draw issues.
	// Its context is cancelled by the next NextGeneration call, unlike
	// tiled requests, which are left running.
	NonTiled bool
}

// Result is what Composite needs to place a decoded tile, or the
// classification outcome for a non-image response.
type Result struct {
	Attrs     RequestAttrs
	Image     image.Image
	Err       error
	Exception *ogcerr.ServiceException
	Stale     bool
}

// CachedRender is the destination raster for one draw cycle.
type CachedRender struct {
	mu          sync.Mutex
	Destination draw.Image
	CachedExtent crs.Rect
	Generation  uint64
}

// pixelRect computes the destination pixel rectangle for a tile's
// map-space rectangle within the cached render.
func (c *CachedRender) pixelRect(mapRect crs.Rect) image.Rectangle {
	bounds := c.Destination.Bounds()
	cw := float64(bounds.Dx())
	cr := c.CachedExtent.Width() / cw
	if cr == 0 {
		return image.Rectangle{}
	}
	x0 := int((mapRect.MinX - c.CachedExtent.MinX) / cr)
	y0 := int((c.CachedExtent.MaxY - mapRect.MaxY) / cr)
	x1 := int((mapRect.MaxX - c.CachedExtent.MinX) / cr)
	y1 := int((c.CachedExtent.MaxY - mapRect.MinY) / cr)
	return image.Rect(x0, y0, x1, y1)
}

// Composite blits img into the cached destination at the pixel rectangle
// derived from mapRect, with smooth (Catmull-Rom) scaling when smooth is
// set and nearest-neighbour scaling otherwise.
func (c *CachedRender) Composite(img image.Image, mapRect crs.Rect, smooth bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dst := c.pixelRect(mapRect)
	if smooth {
		xdraw.CatmullRom.Scale(c.Destination, dst, img, img.Bounds(), xdraw.Over, nil)
	} else {
		xdraw.NearestNeighbor.Scale(c.Destination, dst, img, img.Bounds(), xdraw.Over, nil)
	}
}

// Coordinator owns the HTTP client, the process-wide tile cache, the
// in-flight singleflight dedup group, and the current generation counter.
// It is safe for concurrent use by multiple draw calls on the same
// provider: the HTTP cache is process-wide and shared across all
// provider instances.
type Coordinator struct {
	Client   *http.Client
	Cache    *ristretto.Cache
	MaxRetry int

	log *logrus.Entry

	mu             sync.Mutex
	generation     uint64
	errorCount     int
	dispatchGroup  singleflight.Group
	cancelPrior    context.CancelFunc
}

// New builds a Coordinator with a process-wide ristretto cache sized for
// a few thousand cached tile bodies.
func New(client *http.Client, logger *logrus.Logger) (*Coordinator, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 28, // 256MiB of cached tile bodies
		BufferItems: 64,
	})
	if err != nil {
		return nil, ogcerr.Wrap(ogcerr.Transport, "failed to build tile cache", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Coordinator{
		Client:   client,
		Cache:    cache,
		MaxRetry: DefaultMaxRetry,
		log:      logger.WithField("component", "fetch.Coordinator"),
	}, nil
}

// NextGeneration bumps and returns the generation stamp for a fresh draw
// call, cancelling the prior generation's non-tiled GetMap context. Only
// the non-tiled reply is explicitly aborted; tiled replies are left
// running.
func (c *Coordinator) NextGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelPrior != nil {
		c.cancelPrior()
	}
	c.generation++
	return c.generation
}

// CurrentGeneration reports the active generation without bumping it.
func (c *Coordinator) CurrentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// contextForRequest derives a cancellable context for a non-tiled
// request and records its cancel func as the one NextGeneration aborts
// on the following draw. Tiled requests are dispatched under the
// caller's own context unchanged, since their replies are left running.
func (c *Coordinator) contextForRequest(ctx context.Context, attrs RequestAttrs) context.Context {
	if !attrs.NonTiled {
		return ctx
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelPrior != nil {
		c.cancelPrior()
	}
	reqCtx, cancel := context.WithCancel(ctx)
	c.cancelPrior = cancel
	return reqCtx
}

// FetchTiles dispatches every request concurrently, one goroutine per
// request joined by a sync.WaitGroup, returning within WMSThreshold with whatever completed; stragglers keep
// running in the background and their results are delivered to onResult
// as they land, even after FetchTiles has returned.
func (c *Coordinator) FetchTiles(ctx context.Context, requests []RequestAttrs, render *CachedRender, smooth bool, onResult func(Result)) {
	var wg sync.WaitGroup
	done := make(chan struct{})

	for _, attrs := range requests {
		wg.Add(1)
		go func(attrs RequestAttrs) {
			defer wg.Done()
			result := c.fetchOne(c.contextForRequest(ctx, attrs), attrs)
			if result.Stale {
				onResult(result)
				return
			}
			if result.Err == nil && result.Image != nil {
				render.Composite(result.Image, attrs.MapRect, smooth)
			}
			onResult(result)
		}(attrs)
	}

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(WMSThreshold):
		// Partial result: the bounded wait elapsed; remaining fetches
		// keep running and call onResult as they complete.
	case <-ctx.Done():
	}
}

// fetchOne runs the dedup + retry + redirect loop for one request, using
// singleflight keyed by URL so concurrent duplicate tile requests within
// the same generation share one HTTP exchange (grounded on
// vosatom-gisquick-server-next's mapcache.CacheService.RenderTile).
func (c *Coordinator) fetchOne(ctx context.Context, attrs RequestAttrs) Result {
	visited := map[string]bool{}
	currentURL := attrs.URL

	for {
		if attrs.Generation != c.CurrentGeneration() {
			return Result{Attrs: attrs, Stale: true}
		}

		v, err, _ := c.dispatchGroup.Do(currentURL, func() (interface{}, error) {
			return c.doRequest(ctx, currentURL, attrs.Headers)
		})
		if attrs.Generation != c.CurrentGeneration() {
			return Result{Attrs: attrs, Stale: true}
		}
		if err != nil {
			return c.handleTransportError(ctx, attrs, currentURL, err)
		}
		resp := v.(*httpResponse)

		switch {
		case resp.redirectTo != "":
			if visited[resp.redirectTo] {
				return Result{Attrs: attrs, Err: ogcerr.New(ogcerr.Transport, "redirect loop", "redirected back to %q", resp.redirectTo)}
			}
			visited[currentURL] = true
			currentURL = resp.redirectTo
			attrs.RetryCount = 0
			continue

		case resp.statusCode >= 400:
			c.logError(attrs, fmt.Errorf("HTTP %d from %s", resp.statusCode, currentURL))
			return Result{Attrs: attrs, Err: ogcerr.New(ogcerr.Transport, "HTTP error", "status %d from %s", resp.statusCode, currentURL)}

		case strings.HasPrefix(resp.contentType, "image/") || resp.contentType == "application/octet-stream":
			c.rewriteCacheMetadata(currentURL, resp)
			img, _, err := image.Decode(bytes.NewReader(resp.body))
			if err != nil {
				return Result{Attrs: attrs, Err: ogcerr.Wrap(ogcerr.Content, "failed to decode tile image", err)}
			}
			return Result{Attrs: attrs, Image: img}

		case strings.HasPrefix(resp.contentType, "text/xml") || strings.HasPrefix(resp.contentType, "application/xml"):
			if exc := parseServiceException(resp.body); exc != nil {
				return Result{Attrs: attrs, Exception: exc}
			}
			return Result{Attrs: attrs, Err: ogcerr.New(ogcerr.Content, "unrecognised XML response", "body was not a ServiceExceptionReport")}

		default:
			return Result{Attrs: attrs, Err: ogcerr.New(ogcerr.Content, "unexpected content type", "got %q", resp.contentType)}
		}
	}
}

// handleTransportError implements the retry state machine: up to
// c.MaxRetry additional attempts (total dispatches never exceed
// maxRetry+1), then the request is logged once and dropped.
func (c *Coordinator) handleTransportError(ctx context.Context, attrs RequestAttrs, currentURL string, err error) Result {
	if attrs.RetryCount >= c.MaxRetry {
		c.logError(attrs, err)
		return Result{Attrs: attrs, Err: ogcerr.Wrap(ogcerr.Transport, "exceeded retry budget", err)}
	}
	attrs.RetryCount++
	select {
	case <-ctx.Done():
		return Result{Attrs: attrs, Err: ctx.Err()}
	case <-time.After(retryBackoff(attrs.RetryCount)):
	}
	return c.fetchOne(ctx, attrs)
}

func retryBackoff(attempt int) time.Duration {
	return time.Duration(attempt) * 50 * time.Millisecond
}

// logError emits at most errorLogBudget error log lines per coordinator
// lifetime.
func (c *Coordinator) logError(attrs RequestAttrs, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
	if c.errorCount > errorLogBudget {
		return
	}
	logging.WithFetch(c.log, attrs.Generation, attrs.TileIndex, attrs.RetryCount, attrs.URL).
		WithError(err).Warn("tile fetch failed")
}

type httpResponse struct {
	statusCode  int
	contentType string
	body        []byte
	cacheControl string
	redirectTo  string
}

func (c *Coordinator) doRequest(ctx context.Context, rawURL string, headers map[string]string) (*httpResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &httpResponse{
		statusCode:   resp.StatusCode,
		contentType:  strings.TrimSpace(strings.SplitN(resp.Header.Get("Content-Type"), ";", 2)[0]),
		cacheControl: resp.Header.Get("Cache-Control"),
	}
	if loc := resp.Header.Get("Location"); loc != "" && resp.StatusCode >= 300 && resp.StatusCode < 400 {
		out.redirectTo = loc
		return out, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	out.body = body
	return out, nil
}

// rewriteCacheMetadata stores a tile response in the process-wide cache.
// The stored entry keeps the body and content type but no Cache-Control
// header, so a no-store or no-cache directive does not stop it being
// cached. Its expiry is always DefaultTileExpiry from now; expiry headers
// sent by the server are not read.
func (c *Coordinator) rewriteCacheMetadata(key string, resp *httpResponse) {
	cacheControl := resp.cacheControl
	if strings.Contains(strings.ToLower(cacheControl), "no-store") || strings.Contains(strings.ToLower(cacheControl), "no-cache") {
		cacheControl = ""
	}
	entry := cacheEntry{body: resp.body, contentType: resp.contentType, expiresAt: time.Now().Add(DefaultTileExpiry)}
	c.Cache.SetWithTTL(key, entry, int64(len(resp.body)), DefaultTileExpiry)
}

type cacheEntry struct {
	body        []byte
	contentType string
	expiresAt   time.Time
}

// parseServiceException decodes a text/xml body as a
// ServiceExceptionReport, returning nil if it doesn't match that shape
//.
func parseServiceException(body []byte) *ogcerr.ServiceException {
	text := string(body)
	if !strings.Contains(text, "ServiceException") {
		return nil
	}
	code := ogcerr.UnknownException
	for _, candidate := range []ogcerr.ServiceExceptionCode{
		ogcerr.InvalidFormat, ogcerr.InvalidCRS, ogcerr.LayerNotDefined, ogcerr.StyleNotDefined,
		ogcerr.LayerNotQueryable, ogcerr.InvalidPoint, ogcerr.CurrentUpdateSeq, ogcerr.InvalidUpdateSeq,
		ogcerr.MissingDimVal, ogcerr.InvalidDimVal, ogcerr.OperationNotSupptd,
	} {
		if strings.Contains(text, string(candidate)) {
			code = candidate
			break
		}
	}
	return &ogcerr.ServiceException{Code: code, Text: text}
}

// FetchCapabilities retrieves a capabilities document with
// PreferNetwork-style semantics: always hit the network, then save to the
// cache.
func (c *Coordinator) FetchCapabilities(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := c.doRequest(ctx, rawURL, nil)
	if err != nil {
		return nil, ogcerr.Wrap(ogcerr.Capabilities, "failed to fetch capabilities", err)
	}
	if resp.statusCode >= 400 {
		return nil, ogcerr.New(ogcerr.Capabilities, "capabilities fetch failed", "status %d from %s", resp.statusCode, rawURL)
	}
	if len(resp.body) == 0 {
		return nil, ogcerr.New(ogcerr.Capabilities, "empty capabilities body", "server returned no content for %s", rawURL)
	}
	if looksLikeHTML(resp.body) {
		return nil, ogcerr.New(ogcerr.Capabilities, "capabilities server returned HTML", "expected XML, got an HTML error page from %s", rawURL)
	}
	c.Cache.SetWithTTL(rawURL, cacheEntry{body: resp.body, contentType: resp.contentType}, int64(len(resp.body)), DefaultTileExpiry)
	return resp.body, nil
}

func looksLikeHTML(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	lower := bytes.ToLower(trimmed)
	return bytes.HasPrefix(lower, []byte("<!doctype html")) || bytes.HasPrefix(lower, []byte("<html"))
}

// DispatchAll runs the given requests concurrently through an errgroup
// instead of a raw WaitGroup and returns their results in request order,
// without compositing. Per-request failures are reported in each Result;
// the returned error is always nil. The provider façade does not call it.
func (c *Coordinator) DispatchAll(ctx context.Context, requests []RequestAttrs) ([]Result, error) {
	results := make([]Result, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	for i, attrs := range requests {
		i, attrs := i, attrs
		g.Go(func() error {
			results[i] = c.fetchOne(c.contextForRequest(gctx, attrs), attrs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
