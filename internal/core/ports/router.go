package ports

import (
	"net/http"

	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

// RouteHandle identifica um registro; nunca é reutilizado entre deploys
type RouteHandle uint64

type RouteRegistrar interface {
	Register(record types.EndpointRecord, handler http.Handler) (RouteHandle, error)
	Deregister(handle RouteHandle) bool
}
