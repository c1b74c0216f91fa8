package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/diogoX451/ubiquia-flow/internal/events"
)

type NATSBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
}

// Verifica interface
var _ events.Bus = (*NATSBus)(nil)

type Config struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
	Logger        *zap.Logger
}

func New(cfg Config) (*NATSBus, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Name("ubiquia-flow"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connection failed: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream init failed: %w", err)
	}

	return &NATSBus{
		conn:   conn,
		js:     js,
		logger: logger,
	}, nil
}

// CreateStream cria stream se não existir
func (n *NATSBus) CreateStream(cfg events.StreamConfig) error {
	_, err := n.js.AddStream(&nats.StreamConfig{
		Name:     cfg.Name,
		Subjects: cfg.Subjects,
		MaxMsgs:  cfg.MaxMsgs,
		MaxBytes: cfg.MaxBytes,
		MaxAge:   cfg.MaxAge,
		Storage:  nats.FileStorage,
		Replicas: cfg.Replicas,
	})

	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil // Já existe, ok
	}

	return err
}

// SetupFlowStreams cria o stream que captura os tópicos dos adapters.
// Retenção por limites: o mesmo tópico pode ter vários SUBSCRIBE, um consumer durável cada.
func (n *NATSBus) SetupFlowStreams(name string, subjects []string) error {
	if err := n.CreateStream(events.StreamConfig{
		Name:     name,
		Subjects: subjects,
		MaxMsgs:  1000000,
		MaxAge:   7 * 24 * time.Hour,
	}); err != nil {
		return fmt.Errorf("%s stream: %w", name, err)
	}
	return nil
}

// Publish envia mensagem bruta e espera o ack do JetStream
func (n *NATSBus) Publish(ctx context.Context, subject string, payload []byte) error {
	_, err := n.js.Publish(subject, payload, nats.Context(ctx))
	return err
}

// Subscribe liga o handler ao consumer durável do subject, criando-o se preciso.
// A subscrição usa Bind, então Unsubscribe e Drain não apagam o consumer.
func (n *NATSBus) Subscribe(subject, durable string, handler events.Handler) (events.Subscription, error) {
	if durable == "" {
		durable = DurableName(subject)
	}

	stream, err := n.js.StreamNameBySubject(subject)
	if err != nil {
		return nil, fmt.Errorf("no stream captures %s: %w", subject, err)
	}
	if err := ensureDurable(n.js, stream, subject, durable); err != nil {
		return nil, fmt.Errorf("consumer %s: %w", durable, err)
	}

	callback := func(msg *nats.Msg) {
		wrapped := &natsMessage{msg: msg}
		ctx := context.Background()

		if err := handler(ctx, wrapped); err != nil {
			// Sem ack: o JetStream reentrega depois do AckWait
			n.logger.Debug("subscription handler failed",
				zap.String("subject", subject), zap.String("durable", durable), zap.Error(err))
			return
		}
	}

	sub, err := n.js.Subscribe(subject, callback, nats.Bind(stream, durable), nats.ManualAck())
	if err != nil {
		return nil, err
	}
	return &natsSubscription{sub: sub}, nil
}

// DeleteDurable apaga o consumer; ausente conta como apagado
func (n *NATSBus) DeleteDurable(subject, durable string) error {
	stream, err := n.js.StreamNameBySubject(subject)
	if errors.Is(err, nats.ErrStreamNotFound) || errors.Is(err, nats.ErrNoMatchingStream) {
		return nil
	}
	if err != nil {
		return err
	}

	err = n.js.DeleteConsumer(stream, durable)
	if errors.Is(err, nats.ErrConsumerNotFound) {
		return nil
	}
	return err
}

type consumerManager interface {
	ConsumerInfo(stream, name string, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
}

// ensureDurable reaproveita o consumer existente, que guarda a posição do último ack
func ensureDurable(jsm consumerManager, stream, subject, durable string) error {
	_, err := jsm.ConsumerInfo(stream, durable)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return err
	}

	_, err = jsm.AddConsumer(stream, pushConsumerConfig(subject, durable))
	var apiErr *nats.APIError
	if errors.Is(err, nats.ErrConsumerNameAlreadyInUse) ||
		(errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeConsumerAlreadyExists) {
		return nil // outra réplica criou primeiro
	}
	return err
}

// pushConsumerConfig só vale na criação: um SUBSCRIBE novo começa nas mensagens novas
func pushConsumerConfig(subject, durable string) *nats.ConsumerConfig {
	return &nats.ConsumerConfig{
		Durable:        durable,
		DeliverSubject: nats.NewInbox(),
		FilterSubject:  subject,
		DeliverPolicy:  nats.DeliverNewPolicy,
		AckPolicy:      nats.AckExplicitPolicy,
		AckWait:        30 * time.Second,
	}
}

// DurableName troca tudo que não é alfanumérico por '_' (restrição do JetStream)
func DurableName(parts ...string) string {
	var b strings.Builder
	for i, part := range parts {
		if i > 0 {
			b.WriteByte('_')
		}
		for _, r := range part {
			switch {
			case r >= 'a' && r <= 'z':
				b.WriteRune(r)
			case r >= 'A' && r <= 'Z':
				b.WriteRune(r)
			case r >= '0' && r <= '9':
				b.WriteRune(r)
			default:
				b.WriteByte('_')
			}
		}
	}
	return b.String()
}

// CreateConsumer cria consumer pull (usado pelo flowctl tap)
func (n *NATSBus) CreateConsumer(stream, consumer string, cfg events.ConsumerConfig) (events.Consumer, error) {
	deliver := nats.DeliverAllPolicy
	if cfg.DeliverPolicy == events.DeliverNew {
		deliver = nats.DeliverNewPolicy
	}

	_, err := n.js.AddConsumer(stream, &nats.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.FilterSubject,
		DeliverPolicy: deliver,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxAckPending: cfg.MaxAckPending,
		AckWait:       cfg.AckWait,
	})

	if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return nil, err
	}

	return &natsConsumer{
		js:       n.js,
		stream:   stream,
		consumer: consumer,
	}, nil
}

// Close drena as subscrições e encerra a conexão
func (n *NATSBus) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}

type natsMessage struct {
	msg *nats.Msg
}

func (m *natsMessage) Data() []byte {
	return m.msg.Data
}

func (m *natsMessage) Subject() string {
	return m.msg.Subject
}

func (m *natsMessage) Ack() error {
	return m.msg.Ack()
}

func (m *natsMessage) Nak() error {
	return m.msg.Nak()
}

func (m *natsMessage) InProgress() error {
	return m.msg.InProgress()
}

func (m *natsMessage) Metadata() (*events.MsgMetadata, error) {
	meta, err := m.msg.Metadata()
	if err != nil {
		return nil, err
	}

	return &events.MsgMetadata{
		Stream:     meta.Stream,
		Sequence:   meta.Sequence.Stream,
		Deliveries: int(meta.NumDelivered),
	}, nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

type natsConsumer struct {
	js       nats.JetStreamContext
	stream   string
	consumer string
}

func (c *natsConsumer) Fetch(batch int, timeout time.Duration) ([]events.Message, error) {
	sub, err := c.js.PullSubscribe("", c.consumer, nats.Bind(c.stream, c.consumer))
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	msgs, err := sub.Fetch(batch, nats.MaxWait(timeout))
	if err != nil {
		return nil, err
	}

	result := make([]events.Message, len(msgs))
	for i, msg := range msgs {
		result[i] = &natsMessage{msg: msg}
	}

	return result, nil
}
