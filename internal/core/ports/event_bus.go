package ports

import "context"

// Broker é o barramento externo usado por PUBLISH (egress) e SUBSCRIBE (ingress)
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic, durable string, handler BrokerHandler) (Subscription, error)
	// DeleteSubscription apaga a posição guardada para o durável; Unsubscribe a mantém
	DeleteSubscription(topic, durable string) error
}

// BrokerHandler devolve erro para pedir redelivery da mensagem
type BrokerHandler func(ctx context.Context, payload []byte) error

type Subscription interface {
	Unsubscribe() error
}

// TaskHandle é qualquer recurso recorrente que o teardown precisa cancelar
type TaskHandle interface {
	Name() string
	Cancel() error
}
