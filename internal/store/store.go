package store

import (
	"context"
	"errors"
	"time"

	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

var ErrNotFound = errors.New("not found")

// FlowStore é o armazenamento durável de grafos, eventos e inboxes
type FlowStore interface {
	// Grafos: criados no deploy, removidos (em cascata) no teardown
	SaveGraph(ctx context.Context, graph *types.Graph) error
	GetGraph(ctx context.Context, name string) (*types.Graph, error)
	DeleteGraph(ctx context.Context, name string) error

	// Eventos
	CreateEvent(ctx context.Context, event *types.FlowEvent) error
	GetEvent(ctx context.Context, id string) (*types.FlowEvent, error)
	UpdateEvent(ctx context.Context, event *types.FlowEvent) error

	// Inbox
	Enqueue(ctx context.Context, msg *types.FlowMessage) error
	// Claim torna as mensagens invisíveis para qualquer outro claim do mesmo adapter
	Claim(ctx context.Context, adapterID string, limit int) ([]types.FlowMessage, error)
	Peek(ctx context.Context, adapterID string) (*types.FlowMessage, error)
	CountPending(ctx context.Context, adapterID string) (int64, error)
	// FlowMessages lista pendentes e reclamadas de um fluxo (usado pelo merge)
	FlowMessages(ctx context.Context, adapterID, flowID string) ([]types.FlowMessage, error)
	// Release devolve uma mensagem reclamada para a fila com attempts+1
	Release(ctx context.Context, msg *types.FlowMessage) error
	DeleteMessages(ctx context.Context, ids ...string) error

	// Outbox: fan-out atômico para todos os downstream do adapter do evento
	Fanout(ctx context.Context, eventID string, payload types.Data, at time.Time) (*types.FlowEvent, []types.FlowMessage, error)
	// MarkEgressed registra payloadEgressed e eventComplete atomicamente
	MarkEgressed(ctx context.Context, eventID string, at time.Time) (*types.FlowEvent, error)

	Close() error
}
