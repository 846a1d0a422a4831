package diagnostics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/delta10/ogcprovider/crs"
	"github.com/delta10/ogcprovider/fetch"
	"github.com/delta10/ogcprovider/provider"
)

func newTestProvider(t *testing.T) *provider.Provider {
	t.Helper()
	coordinator, err := fetch.New(&http.Client{}, logrus.New())
	require.NoError(t, err)
	registry := crs.NewRegistry()
	p, err := provider.New("url=https://example.invalid/wms&layers=base&styles=&crs=EPSG:3857", coordinator, crs.IdentityTransformer{}, registry)
	require.NoError(t, err)
	return p
}

func TestHandleListProvidersReturnsNames(t *testing.T) {
	log := logrus.New()
	srv := New(log, map[string]*provider.Provider{"base": newTestProvider(t)})

	req := httptest.NewRequest(http.MethodGet, "/providers", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "base")
}

func TestHandleSessionUnknownProviderReturns404(t *testing.T) {
	log := logrus.New()
	srv := New(log, map[string]*provider.Provider{"base": newTestProvider(t)})

	req := httptest.NewRequest(http.MethodGet, "/providers/missing/session", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleSessionKnownProviderReturnsLayers(t *testing.T) {
	log := logrus.New()
	srv := New(log, map[string]*provider.Provider{"base": newTestProvider(t)})

	req := httptest.NewRequest(http.MethodGet, "/providers/base/session", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "base")
}
