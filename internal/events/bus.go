package events

import (
	"context"
	"time"
)

// Bus abstração do broker de mensagens
type Bus interface {
	// Publicação (egress dos adapters PUBLISH)
	Publish(ctx context.Context, subject string, payload []byte) error

	// Subscrição push (ingress dos adapters SUBSCRIBE). O consumer durável
	// sobrevive ao Unsubscribe; só DeleteDurable o remove.
	Subscribe(subject, durable string, handler Handler) (Subscription, error)
	DeleteDurable(subject, durable string) error

	// Subscrição pull (inspeção de tópicos pelo flowctl)
	CreateConsumer(stream, consumer string, cfg ConsumerConfig) (Consumer, error)

	Close() error
}

// Handler processa mensagens
type Handler func(ctx context.Context, msg Message) error

type Message interface {
	Data() []byte
	Subject() string
	Ack() error
	Nak() error
	// InProgress adia o redelivery enquanto o handler ainda trabalha
	InProgress() error
	Metadata() (*MsgMetadata, error)
}

type MsgMetadata struct {
	Stream     string
	Sequence   uint64
	Deliveries int
}

type Subscription interface {
	Unsubscribe() error
}

type Consumer interface {
	Fetch(batch int, timeout time.Duration) ([]Message, error)
}

// ConsumerConfig de um consumer pull; ack é sempre explícito
type ConsumerConfig struct {
	Durable       string
	FilterSubject string
	DeliverPolicy DeliverPolicy
	MaxAckPending int
	AckWait       time.Duration
}

type DeliverPolicy int

const (
	DeliverAll DeliverPolicy = iota
	DeliverNew
)

type StreamConfig struct {
	Name     string
	Subjects []string
	MaxMsgs  int64
	MaxBytes int64
	MaxAge   time.Duration
	Replicas int
}
