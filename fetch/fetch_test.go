package fetch

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delta10/ogcprovider/crs"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c, err := New(&http.Client{Timeout: 5 * time.Second}, logrus.New())
	require.NoError(t, err)
	c.MaxRetry = 3
	return c
}

func onePixelPNG(t *testing.T, clr color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, clr)
	var buf bytesBuffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.b
}

// bytesBuffer avoids pulling in bytes.Buffer just for Write/Bytes here.
type bytesBuffer struct{ b []byte }

func (w *bytesBuffer) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func TestParseServiceExceptionRecognisesKnownCode(t *testing.T) {
	body := []byte(`<ServiceExceptionReport><ServiceException code="InvalidCRS">bad crs</ServiceException></ServiceExceptionReport>`)
	exc := parseServiceException(body)
	require.NotNil(t, exc)
	assert.EqualValues(t, "InvalidCRS", exc.Code)
}

func TestParseServiceExceptionUnknownCodeFallsBack(t *testing.T) {
	body := []byte(`<ServiceExceptionReport><ServiceException>something else</ServiceException></ServiceExceptionReport>`)
	exc := parseServiceException(body)
	require.NotNil(t, exc)
	assert.EqualValues(t, "", exc.Code)
}

func TestParseServiceExceptionNonMatchingBodyReturnsNil(t *testing.T) {
	assert.Nil(t, parseServiceException([]byte("<html>not an exception</html>")))
}

func TestRewriteCacheMetadataStripsNoStore(t *testing.T) {
	c := newTestCoordinator(t)
	resp := &httpResponse{body: []byte("x"), contentType: "image/png", cacheControl: "no-store, max-age=0"}
	c.rewriteCacheMetadata("key1", resp)
	c.Cache.Wait()
	v, ok := c.Cache.Get("key1")
	require.True(t, ok)
	entry := v.(cacheEntry)
	assert.Equal(t, "image/png", entry.contentType)
}

func TestCachedRenderPixelRectMapsCenterTile(t *testing.T) {
	dest := image.NewRGBA(image.Rect(0, 0, 100, 100))
	render := &CachedRender{Destination: dest, CachedExtent: crs.Rect{MinX: 0, MinY: 0, MaxX: 100, MaxY: 100}}
	r := render.pixelRect(crs.Rect{MinX: 25, MinY: 25, MaxX: 75, MaxY: 75})
	assert.Equal(t, image.Rect(25, 25, 75, 75), r)
}

func TestCachedRenderCompositeNearestNeighborFillsDestination(t *testing.T) {
	dest := image.NewRGBA(image.Rect(0, 0, 4, 4))
	render := &CachedRender{Destination: dest, CachedExtent: crs.Rect{MinX: 0, MinY: 0, MaxX: 4, MaxY: 4}}
	src := image.NewRGBA(image.Rect(0, 0, 1, 1))
	src.Set(0, 0, color.RGBA{R: 200, G: 10, B: 10, A: 255})

	render.Composite(src, crs.Rect{MinX: 0, MinY: 0, MaxX: 4, MaxY: 4}, false)

	r, g, b, a := dest.At(2, 2).RGBA()
	assert.Equal(t, uint32(200*257), r)
	assert.Equal(t, uint32(10*257), g)
	assert.Equal(t, uint32(10*257), b)
	assert.Equal(t, uint32(255*257), a)
}

// TestRetryThenCeaseAfterBudget: a tile returns a network error on every
// attempt; after MaxRetry retries the
// coordinator stops dispatching and reports exactly one error, while an
// independent tile that fails twice then succeeds still composites.
func TestRetryThenCeaseAfterBudget(t *testing.T) {
	var alwaysFailAttempts int32
	var flakyAttempts int32

	mux := http.NewServeMux()
	mux.HandleFunc("/always-fail", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&alwaysFailAttempts, 1)
		hj, ok := w.(http.Hijacker)
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			conn.Close()
		}
	})
	mux.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&flakyAttempts, 1)
		if n <= 2 {
			hj, ok := w.(http.Hijacker)
			if !ok {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(onePixelPNG(t, color.RGBA{R: 1, G: 2, B: 3, A: 255}))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestCoordinator(t)
	dest := image.NewRGBA(image.Rect(0, 0, 2, 2))
	render := &CachedRender{Destination: dest, CachedExtent: crs.Rect{MinX: 0, MinY: 0, MaxX: 2, MaxY: 2}}

	requests := []RequestAttrs{
		{Generation: c.NextGeneration(), TileIndex: 0, MapRect: crs.Rect{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}, URL: srv.URL + "/always-fail"},
		{Generation: c.CurrentGeneration(), TileIndex: 1, MapRect: crs.Rect{MinX: 1, MinY: 1, MaxX: 2, MaxY: 2}, URL: srv.URL + "/flaky"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := c.DispatchAll(ctx, requests)
	require.NoError(t, err)

	var failed, succeeded int
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
		if r.Err == nil && r.Image != nil {
			succeeded++
			render.Composite(r.Image, r.Attrs.MapRect, false)
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, succeeded)
	assert.LessOrEqual(t, int(atomic.LoadInt32(&alwaysFailAttempts)), 2*(c.MaxRetry+1))
}

// TestGenerationCancellationDiscardsStaleResponses: dispatching at
// generation G1 then bumping to G2 before G1's responses land must mean
// those responses are reported Stale and never composited onto the G2
// render.
func TestGenerationCancellationDiscardsStaleResponses(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "image/png")
		w.Write(onePixelPNG(t, color.RGBA{R: 9, G: 9, B: 9, A: 255}))
	}))
	defer srv.Close()

	c := newTestCoordinator(t)
	g1 := c.NextGeneration()

	dest := image.NewRGBA(image.Rect(0, 0, 2, 2))
	render := &CachedRender{Destination: dest, CachedExtent: crs.Rect{MinX: 0, MinY: 0, MaxX: 2, MaxY: 2}, Generation: g1}

	resultCh := make(chan Result, 1)
	go func() {
		res := c.fetchOne(context.Background(), RequestAttrs{Generation: g1, TileIndex: 0, MapRect: crs.Rect{MinX: 0, MinY: 0, MaxX: 2, MaxY: 2}, URL: srv.URL})
		resultCh <- res
	}()

	g2 := c.NextGeneration()
	require.NotEqual(t, g1, g2)
	close(release)

	res := <-resultCh
	assert.True(t, res.Stale)

	if res.Err == nil && res.Image != nil && !res.Stale {
		render.Composite(res.Image, res.Attrs.MapRect, false)
	}
	r, _, _, a := dest.At(0, 0).RGBA()
	assert.Equal(t, uint32(0), r)
	assert.Equal(t, uint32(0), a)
}

func TestNextGenerationCancelsPriorNonTiledRequestContext(t *testing.T) {
	serverSawCancel := make(chan bool, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			serverSawCancel <- true
		case <-time.After(2 * time.Second):
			serverSawCancel <- false
		}
	}))
	defer srv.Close()

	c := newTestCoordinator(t)
	g1 := c.NextGeneration()

	dest := image.NewRGBA(image.Rect(0, 0, 2, 2))
	render := &CachedRender{Destination: dest, CachedExtent: crs.Rect{MinX: 0, MinY: 0, MaxX: 2, MaxY: 2}, Generation: g1}
	requests := []RequestAttrs{{Generation: g1, TileIndex: 0, MapRect: crs.Rect{MinX: 0, MinY: 0, MaxX: 2, MaxY: 2}, URL: srv.URL, NonTiled: true}}

	done := make(chan struct{})
	go func() {
		c.FetchTiles(context.Background(), requests, render, false, func(Result) {})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	c.NextGeneration()

	require.True(t, <-serverSawCancel, "server should have observed the request context being cancelled")
	<-done
}

func TestFetchOneRoutesXMLServiceExceptionByCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		w.Write([]byte(`<ServiceExceptionReport><ServiceException code="LayerNotDefined">no such layer</ServiceException></ServiceExceptionReport>`))
	}))
	defer srv.Close()

	c := newTestCoordinator(t)
	res := c.fetchOne(context.Background(), RequestAttrs{Generation: c.NextGeneration(), URL: srv.URL})
	require.NotNil(t, res.Exception)
	assert.EqualValues(t, "LayerNotDefined", res.Exception.Code)
}
