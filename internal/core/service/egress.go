package service

import (
	"context"
	"fmt"
	"time"

	"github.com/diogoX451/ubiquia-flow/internal/core/domain"
	"github.com/diogoX451/ubiquia-flow/internal/core/ports"
	"github.com/diogoX451/ubiquia-flow/internal/store"
	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

// BrokerEgress publica o payload de adapters terminais no broker configurado
type BrokerEgress struct {
	broker ports.Broker
	store  store.FlowStore
	now    func() time.Time
}

// NewBrokerEgress aceita broker nil: PUBLISH passa a falhar com erro de configuração
func NewBrokerEgress(broker ports.Broker, s store.FlowStore) *BrokerEgress {
	return &BrokerEgress{broker: broker, store: s, now: time.Now}
}

func (b *BrokerEgress) TryPublish(ctx context.Context, event *types.FlowEvent, payload types.Data, ac *AdapterContext) error {
	settings := ac.Spec().Broker
	if settings == nil {
		return domain.ConfigurationError("broker_egress", domain.ErrBrokerNotConfigured).
			WithAdapter(ac.GraphName(), ac.Name()).WithEvent(event.ID)
	}

	switch settings.Type {
	case types.BrokerNATS:
		if b.broker == nil {
			return domain.ConfigurationError("broker_egress",
				fmt.Errorf("%w: no %s connection", domain.ErrBrokerNotConfigured, settings.Type)).
				WithAdapter(ac.GraphName(), ac.Name()).WithEvent(event.ID)
		}
		if err := b.broker.Publish(ctx, settings.Topic, payload); err != nil {
			return domain.TransientIOError("broker_egress", fmt.Errorf("publish %s: %w", settings.Topic, err)).
				WithAdapter(ac.GraphName(), ac.Name()).WithEvent(event.ID)
		}
	default:
		return domain.ConfigurationError("broker_egress",
			fmt.Errorf("%w: unrecognized broker type %q", domain.ErrBrokerNotConfigured, settings.Type)).
			WithAdapter(ac.GraphName(), ac.Name()).WithEvent(event.ID)
	}

	updated, err := b.store.MarkEgressed(ctx, event.ID, b.now())
	if err != nil {
		return storeError("broker_egress", err).WithAdapter(ac.GraphName(), ac.Name()).WithEvent(event.ID)
	}
	*event = *updated
	return nil
}
