// Package routes mantém as rotas HTTP dos adapters implantados.
//
// O chi não remove rotas de um Mux já montado, então cada Register/Deregister
// reconstrói um Mux novo a partir do registro e troca o ponteiro atomicamente.
// Requisições em andamento terminam no Mux antigo.
//
// Paths não diferenciam maiúsculas: rotas e requisições são casadas em minúsculas.
package routes

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/diogoX451/ubiquia-flow/internal/core/ports"
	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

type route struct {
	record  types.EndpointRecord
	handler http.Handler
}

type DynamicRouter struct {
	mu     sync.Mutex
	routes map[ports.RouteHandle]route
	next   uint64
	mux    atomic.Pointer[chi.Mux]
}

var _ ports.RouteRegistrar = (*DynamicRouter)(nil)

func NewDynamicRouter() *DynamicRouter {
	r := &DynamicRouter{routes: make(map[ports.RouteHandle]route)}
	r.mux.Store(chi.NewMux())
	return r
}

func (d *DynamicRouter) Register(record types.EndpointRecord, handler http.Handler) (ports.RouteHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, existing := range d.routes {
		if existing.record.Method == record.Method && routePath(existing.record.Path) == routePath(record.Path) {
			return 0, fmt.Errorf("route %s %s already registered", record.Method, record.Path)
		}
	}

	d.next++
	handle := ports.RouteHandle(d.next)
	d.routes[handle] = route{record: record, handler: handler}
	d.rebuild()
	return handle, nil
}

// Deregister devolve false quando o handle já foi removido
func (d *DynamicRouter) Deregister(handle ports.RouteHandle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.routes[handle]; !ok {
		return false
	}
	delete(d.routes, handle)
	d.rebuild()
	return true
}

// Records lista as rotas ativas ordenadas por path e método
func (d *DynamicRouter) Records() []types.EndpointRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]types.EndpointRecord, 0, len(d.routes))
	for _, r := range d.routes {
		out = append(out, r.record)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Method < out[j].Method
	})
	return out
}

func (d *DynamicRouter) rebuild() {
	mux := chi.NewMux()
	for _, r := range d.routes {
		mux.Method(r.record.Method, routePath(r.record.Path), r.handler)
	}
	d.mux.Store(mux)
}

func routePath(path string) string {
	return "/" + strings.ToLower(strings.TrimPrefix(path, "/"))
}

func (d *DynamicRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Montado dentro de outro chi.Mux: o contexto de rota do pai confundiria o Mux interno
	if r.Context().Value(chi.RouteCtxKey) != nil {
		r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, nil))
	}
	if lower := strings.ToLower(r.URL.Path); lower != r.URL.Path {
		r = r.Clone(r.Context())
		r.URL.Path = lower
		r.URL.RawPath = strings.ToLower(r.URL.RawPath)
	}
	d.mux.Load().ServeHTTP(w, r)
}
