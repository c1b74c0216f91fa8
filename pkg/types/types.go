package types

import (
	"encoding/json"
	"strings"
)

type Data = json.RawMessage

type AdapterType string

const (
	AdapterPush      AdapterType = "PUSH"
	AdapterPoll      AdapterType = "POLL"
	AdapterPublish   AdapterType = "PUBLISH"
	AdapterSubscribe AdapterType = "SUBSCRIBE"
	AdapterQueue     AdapterType = "QUEUE"
	AdapterMerge     AdapterType = "MERGE"
	AdapterEgress    AdapterType = "EGRESS"
	AdapterHidden    AdapterType = "HIDDEN"
)

// AdapterTypes lista a enumeração fechada, na ordem usada em logs e testes.
var AdapterTypes = []AdapterType{
	AdapterPush,
	AdapterPoll,
	AdapterPublish,
	AdapterSubscribe,
	AdapterQueue,
	AdapterMerge,
	AdapterEgress,
	AdapterHidden,
}

func (t AdapterType) String() string {
	return string(t)
}

type BrokerType string

const (
	BrokerNATS BrokerType = "NATS"
)

type HTTPOutputType string

const (
	HTTPOutputPost HTTPOutputType = "POST"
	HTTPOutputPut  HTTPOutputType = "PUT"
)

// Graph é a definição declarativa implantada como unidade
type Graph struct {
	ID       string        `json:"id,omitempty" yaml:"id,omitempty"`
	Name     string        `json:"name" yaml:"name" validate:"required,max=128"`
	Version  string        `json:"version" yaml:"version" validate:"required"`
	Adapters []AdapterSpec `json:"adapters" yaml:"adapters" validate:"required,min=1,dive"`
	Edges    []Edge        `json:"edges,omitempty" yaml:"edges,omitempty" validate:"dive"`
}

// Edge liga um adapter (left) aos seus adapters downstream (right), por nome
type Edge struct {
	Left  string   `json:"left" yaml:"left" validate:"required"`
	Right []string `json:"right" yaml:"right" validate:"required,min=1"`
}

type AdapterSpec struct {
	ID         string          `json:"id,omitempty" yaml:"id,omitempty"`
	Name       string          `json:"name" yaml:"name" validate:"required,max=128"`
	Type       AdapterType     `json:"type" yaml:"type" validate:"required"`
	Endpoint   string          `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Settings   AdapterSettings `json:"settings" yaml:"settings"`
	Egress     *EgressSettings `json:"egress,omitempty" yaml:"egress,omitempty"`
	Broker     *BrokerSettings `json:"broker,omitempty" yaml:"broker,omitempty"`
	Poll       *PollSettings   `json:"poll,omitempty" yaml:"poll,omitempty"`
	Agent      *AgentRef       `json:"agent,omitempty" yaml:"agent,omitempty"`
	Downstream []string        `json:"downstream,omitempty" yaml:"-"`
	Upstream   []string        `json:"upstream,omitempty" yaml:"-"`
	GraphName  string          `json:"graph_name,omitempty" yaml:"-"`
}

type AdapterSettings struct {
	InboxPollFrequencyMs        int64    `json:"inbox_poll_frequency_ms,omitempty" yaml:"inboxPollFrequencyMs,omitempty" validate:"gte=0"`
	BackpressurePollFrequencyMs int64    `json:"backpressure_poll_frequency_ms,omitempty" yaml:"backpressurePollFrequencyMs,omitempty" validate:"gte=0"`
	IsPassthrough               bool     `json:"is_passthrough,omitempty" yaml:"isPassthrough,omitempty"`
	PersistInputPayload         bool     `json:"persist_input_payload,omitempty" yaml:"persistInputPayload,omitempty"`
	PersistOutputPayload        bool     `json:"persist_output_payload,omitempty" yaml:"persistOutputPayload,omitempty"`
	InputStampKeychains         []string `json:"input_stamp_keychains,omitempty" yaml:"inputStampKeychains,omitempty"`
	OutputStampKeychains        []string `json:"output_stamp_keychains,omitempty" yaml:"outputStampKeychains,omitempty"`
}

type EgressSettings struct {
	EgressConcurrency int64          `json:"egress_concurrency" yaml:"egressConcurrency" validate:"gte=1"`
	HTTPOutputType    HTTPOutputType `json:"http_output_type,omitempty" yaml:"httpOutputType,omitempty" validate:"omitempty,oneof=POST PUT"`
}

type BrokerSettings struct {
	Type  BrokerType `json:"type" yaml:"type"`
	Topic string     `json:"topic" yaml:"topic" validate:"required"`
}

type PollSettings struct {
	PollEndpoint    string `json:"poll_endpoint" yaml:"pollEndpoint" validate:"required,url"`
	PollFrequencyMs int64  `json:"poll_frequency_ms,omitempty" yaml:"pollFrequencyMs,omitempty" validate:"gte=0"`
}

// AgentRef localiza o processador externo de um adapter
type AgentRef struct {
	Name string `json:"name" yaml:"name" validate:"required,hostname_rfc1123"`
	Port int    `json:"port" yaml:"port" validate:"required,gt=0,lte=65535"`
}

// Host segue a convenção de DNS do cluster: nome do agente em minúsculas
func (a AgentRef) Host() string {
	return strings.ToLower(a.Name)
}
