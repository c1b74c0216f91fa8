package routes

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

func okHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestRegisterAndDeregister(t *testing.T) {
	d := NewDynamicRouter()
	record := types.EndpointRecord{Path: "ubiquia/graph/orders/adapter/ingest/push", Method: http.MethodPost}

	h, err := d.Register(record, okHandler("pushed"))
	require.NoError(t, err)

	rec := serve(d, http.MethodPost, "/ubiquia/graph/orders/adapter/ingest/push")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pushed", rec.Body.String())

	assert.True(t, d.Deregister(h))
	assert.False(t, d.Deregister(h))

	rec = serve(d, http.MethodPost, "/ubiquia/graph/orders/adapter/ingest/push")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, d.Records())
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	d := NewDynamicRouter()
	record := types.EndpointRecord{Path: "ubiquia/graph/g/adapter/a/back-pressure", Method: http.MethodGet}

	_, err := d.Register(record, okHandler("a"))
	require.NoError(t, err)
	_, err = d.Register(record, okHandler("b"))
	assert.Error(t, err)

	// Mesmo path com outro método é permitido
	_, err = d.Register(types.EndpointRecord{Path: record.Path, Method: http.MethodPost}, okHandler("c"))
	assert.NoError(t, err)
}

func TestPathsMatchRegardlessOfCase(t *testing.T) {
	d := NewDynamicRouter()
	record := types.EndpointRecord{Path: "ubiquia/graph/orders/adapter/ingest/push", Method: http.MethodPost}

	_, err := d.Register(record, okHandler("pushed"))
	require.NoError(t, err)

	rec := serve(d, http.MethodPost, "/Ubiquia/Graph/Orders/Adapter/Ingest/push")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pushed", rec.Body.String())

	_, err = d.Register(types.EndpointRecord{Path: "/UBIQUIA/graph/orders/adapter/ingest/push", Method: http.MethodPost}, okHandler("dup"))
	assert.Error(t, err)
}

func TestHandlesAreNeverReused(t *testing.T) {
	d := NewDynamicRouter()
	record := types.EndpointRecord{Path: "ubiquia/graph/g/adapter/a/push", Method: http.MethodPost}

	first, err := d.Register(record, okHandler("1"))
	require.NoError(t, err)
	require.True(t, d.Deregister(first))

	second, err := d.Register(record, okHandler("2"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.False(t, d.Deregister(first))

	rec := serve(d, http.MethodPost, "/ubiquia/graph/g/adapter/a/push")
	assert.Equal(t, "2", rec.Body.String())
}

func TestServesAsNotFoundFallbackOfParentMux(t *testing.T) {
	d := NewDynamicRouter()
	_, err := d.Register(types.EndpointRecord{Path: "ubiquia/graph/g/adapter/q/queue/peek", Method: http.MethodGet}, okHandler("peek"))
	require.NoError(t, err)

	parent := chi.NewRouter()
	parent.Get("/health", okHandler("ok").ServeHTTP)
	parent.NotFound(d.ServeHTTP)

	assert.Equal(t, "ok", serve(parent, http.MethodGet, "/health").Body.String())
	assert.Equal(t, "peek", serve(parent, http.MethodGet, "/ubiquia/graph/g/adapter/q/queue/peek").Body.String())
	assert.Equal(t, http.StatusNotFound, serve(parent, http.MethodGet, "/ubiquia/graph/g/adapter/q/queue/pop").Code)
}

func TestRecordsSorted(t *testing.T) {
	d := NewDynamicRouter()
	_, _ = d.Register(types.EndpointRecord{Path: "b", Method: http.MethodGet}, okHandler(""))
	_, _ = d.Register(types.EndpointRecord{Path: "a", Method: http.MethodPost}, okHandler(""))
	_, _ = d.Register(types.EndpointRecord{Path: "a", Method: http.MethodGet}, okHandler(""))

	assert.Equal(t, []types.EndpointRecord{
		{Path: "a", Method: http.MethodGet},
		{Path: "a", Method: http.MethodPost},
		{Path: "b", Method: http.MethodGet},
	}, d.Records())
}
