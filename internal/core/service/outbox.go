package service

import (
	"context"
	"errors"
	"time"

	"github.com/diogoX451/ubiquia-flow/internal/core/domain"
	"github.com/diogoX451/ubiquia-flow/internal/store"
	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

// Outbox entrega a resposta de um evento às inboxes de todos os downstream
type Outbox struct {
	store store.FlowStore
	now   func() time.Time
}

func NewOutbox(s store.FlowStore) *Outbox {
	return &Outbox{store: s, now: time.Now}
}

// TryQueueComponentResponse é tudo ou nada: ou todos os downstream recebem a
// mensagem e o evento fica completo, ou nada fica visível.
// Sem downstream o evento é completado sem mensagens.
func (o *Outbox) TryQueueComponentResponse(ctx context.Context, event *types.FlowEvent, payload types.Data) ([]types.FlowMessage, error) {
	updated, msgs, err := o.store.Fanout(ctx, event.ID, payload, o.now())
	if err != nil {
		return nil, storeError("outbox_fanout", err).
			WithAdapter(event.GraphName, event.AdapterName).WithEvent(event.ID)
	}
	*event = *updated
	return msgs, nil
}

// storeError classifica falhas do store: não encontrado é divergência, o resto é transitório
func storeError(op string, err error) *domain.Error {
	var fe *domain.Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, store.ErrNotFound) {
		return domain.DataConsistencyError(op, err)
	}
	return domain.TransientIOError(op, err)
}
