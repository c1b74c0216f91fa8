package service

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/diogoX451/ubiquia-flow/internal/core/domain"
	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

type routeKind int

const (
	routePush routeKind = iota
	routeBackPressure
	routeQueuePeek
	routeQueuePop
)

func (r routeKind) suffix() string {
	switch r {
	case routePush:
		return "push"
	case routeBackPressure:
		return "back-pressure"
	case routeQueuePeek:
		return "queue/peek"
	default:
		return "queue/pop"
	}
}

func (r routeKind) method() string {
	if r == routePush {
		return http.MethodPost
	}
	return http.MethodGet
}

type inboxKind int

const (
	inboxNone inboxKind = iota
	inboxForward
	inboxPublish
	inboxMerge
)

// behavior é a linha da tabela de variantes: rotas, tarefas e tratamento da inbox
type behavior struct {
	routes       []routeKind
	pollInbox    bool
	sample       bool
	pollEndpoint bool
	subscribe    bool
	inbox        inboxKind
}

var behaviors = map[types.AdapterType]behavior{
	types.AdapterPush: {
		routes:    []routeKind{routePush},
		pollInbox: true,
		sample:    true,
		inbox:     inboxForward,
	},
	types.AdapterPoll: {
		routes:       []routeKind{routePush},
		pollInbox:    true,
		pollEndpoint: true,
		inbox:        inboxForward,
	},
	types.AdapterPublish: {
		routes:    []routeKind{routeBackPressure, routePush},
		pollInbox: true,
		sample:    true,
		inbox:     inboxPublish,
	},
	types.AdapterSubscribe: {
		routes:    []routeKind{routePush},
		pollInbox: true,
		sample:    true,
		subscribe: true,
		inbox:     inboxForward,
	},
	types.AdapterQueue: {
		routes: []routeKind{routeBackPressure, routeQueuePeek, routeQueuePop},
		sample: true,
		inbox:  inboxNone,
	},
	types.AdapterMerge: {
		routes:    []routeKind{routeBackPressure},
		pollInbox: true,
		sample:    true,
		inbox:     inboxMerge,
	},
	types.AdapterEgress: {
		routes:    []routeKind{routePush, routeBackPressure},
		pollInbox: true,
		sample:    true,
		inbox:     inboxForward,
	},
	types.AdapterHidden: {
		routes:    []routeKind{routeBackPressure, routePush},
		pollInbox: true,
		sample:    true,
		inbox:     inboxForward,
	},
}

func behaviorOf(t types.AdapterType) (behavior, error) {
	b, ok := behaviors[t]
	if !ok {
		return behavior{}, fmt.Errorf("%w: %q", domain.ErrUnknownAdapterType, t)
	}
	return b, nil
}

// BasePath é o prefixo das rotas dinâmicas de um adapter
func BasePath(graph, adapter string) string {
	return fmt.Sprintf("ubiquia/graph/%s/adapter/%s", strings.ToLower(graph), strings.ToLower(adapter))
}

// EndpointRecords devolve o conjunto de rotas que o tipo registra no deploy
func EndpointRecords(t types.AdapterType, graph, adapter string) ([]types.EndpointRecord, error) {
	b, err := behaviorOf(t)
	if err != nil {
		return nil, domain.ConfigurationError("endpoint_records", err).WithAdapter(graph, adapter)
	}

	base := BasePath(graph, adapter)
	records := make([]types.EndpointRecord, 0, len(b.routes))
	for _, r := range b.routes {
		records = append(records, types.EndpointRecord{Path: base + "/" + r.suffix(), Method: r.method()})
	}
	return records, nil
}
