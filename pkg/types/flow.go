package types

import "time"

// FlowEvent é uma unidade de trabalho passando por um adapter
type FlowEvent struct {
	ID               string         `json:"id"`
	FlowID           string         `json:"flow_id"`
	GraphName        string         `json:"graph_name"`
	AdapterID        string         `json:"adapter_id"`
	AdapterName      string         `json:"adapter_name"`
	AdapterType      AdapterType    `json:"adapter_type"`
	InputPayload     Data           `json:"input_payload,omitempty"`
	OutputPayload    Data           `json:"output_payload,omitempty"`
	InputStamps      []Stamp        `json:"input_stamps,omitempty"`
	OutputStamps     []Stamp        `json:"output_stamps,omitempty"`
	HTTPResponseCode int            `json:"http_response_code,omitempty"`
	Times            FlowEventTimes `json:"times"`
}

type FlowEventTimes struct {
	EventStart         *time.Time `json:"event_start,omitempty"`
	PollStarted        *time.Time `json:"poll_started,omitempty"`
	PayloadSentToAgent *time.Time `json:"payload_sent_to_agent,omitempty"`
	AgentResponse      *time.Time `json:"agent_response,omitempty"`
	SentToOutbox       *time.Time `json:"sent_to_outbox,omitempty"`
	PayloadEgressed    *time.Time `json:"payload_egressed,omitempty"`
	EventComplete      *time.Time `json:"event_complete,omitempty"`
}

// Stamp anota um evento com o valor extraído de um keychain do payload
type Stamp struct {
	Keychain string `json:"keychain"`
	Value    string `json:"value"`
}

// FlowMessage é uma entrada durável na inbox do adapter destino
type FlowMessage struct {
	ID                string    `json:"id"`
	FlowID            string    `json:"flow_id"`
	FlowEventID       string    `json:"flow_event_id"`
	SourceAdapterID   string    `json:"source_adapter_id"`
	SourceAdapterName string    `json:"source_adapter_name"`
	TargetAdapterID   string    `json:"target_adapter_id"`
	Payload           Data      `json:"payload"`
	Attempts          int       `json:"attempts"`
	CreatedAt         time.Time `json:"created_at"`
}

// Timestamp devolve um ponteiro para t, útil ao preencher FlowEventTimes
func Timestamp(t time.Time) *time.Time {
	return &t
}
