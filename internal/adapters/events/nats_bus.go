package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/diogoX451/ubiquia-flow/internal/core/ports"
	"github.com/diogoX451/ubiquia-flow/internal/events"
	natsevents "github.com/diogoX451/ubiquia-flow/internal/events/nats"
)

// BrokerConfig controla redelivery e keep-alive das mensagens recebidas
type BrokerConfig struct {
	// MaxDeliveries descarta (ack + log) a mensagem que falhou tantas vezes; zero não limita
	MaxDeliveries int
	// ProgressInterval é o intervalo dos InProgress enquanto o handler roda; zero desliga
	ProgressInterval time.Duration
	Logger           *zap.Logger
}

// BrokerImpl adapta o Bus para a porta Broker do core
type BrokerImpl struct {
	bus    events.Bus
	cfg    BrokerConfig
	logger *zap.Logger
}

var _ ports.Broker = (*BrokerImpl)(nil)

func NewBroker(bus events.Bus, cfg BrokerConfig) *BrokerImpl {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BrokerImpl{bus: bus, cfg: cfg, logger: logger}
}

func (b *BrokerImpl) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.bus.Publish(ctx, topic, payload)
}

// Subscribe faz ack quando o handler aceita a mensagem e nak caso contrário.
// O nome durável é saneado para o conjunto aceito pelo JetStream.
func (b *BrokerImpl) Subscribe(topic, durable string, handler ports.BrokerHandler) (ports.Subscription, error) {
	return b.bus.Subscribe(topic, natsevents.DurableName(durable), func(ctx context.Context, msg events.Message) error {
		stop := b.keepAlive(msg)
		err := handler(ctx, msg.Data())
		stop()

		if err == nil {
			return msg.Ack()
		}
		if b.exhausted(msg) {
			meta, _ := msg.Metadata()
			b.logger.Error("dropping broker message after max deliveries",
				zap.String("topic", topic),
				zap.String("durable", durable),
				zap.Uint64("sequence", meta.Sequence),
				zap.Int("deliveries", meta.Deliveries),
				zap.Error(err))
			return msg.Ack()
		}
		_ = msg.Nak()
		return err
	})
}

// DeleteSubscription remove o consumer durável criado por Subscribe
func (b *BrokerImpl) DeleteSubscription(topic, durable string) error {
	return b.bus.DeleteDurable(topic, natsevents.DurableName(durable))
}

func (b *BrokerImpl) exhausted(msg events.Message) bool {
	if b.cfg.MaxDeliveries <= 0 {
		return false
	}
	meta, err := msg.Metadata()
	if err != nil {
		return false
	}
	return meta.Deliveries >= b.cfg.MaxDeliveries
}

// keepAlive manda InProgress periódico até o stop devolvido ser chamado
func (b *BrokerImpl) keepAlive(msg events.Message) func() {
	if b.cfg.ProgressInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(b.cfg.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					b.logger.Debug("in-progress ack failed", zap.String("subject", msg.Subject()), zap.Error(err))
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}
