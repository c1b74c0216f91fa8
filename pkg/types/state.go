package types

type BackPressure struct {
	Ingress Ingress `json:"ingress"`
	Egress  *Egress `json:"egress,omitempty"`
}

type Ingress struct {
	QueuedRecords      int64   `json:"queued_records"`
	QueueRatePerMinute float64 `json:"queue_rate_per_minute"`
}

type Egress struct {
	MaxOpenMessages     int64 `json:"max_open_messages"`
	CurrentOpenMessages int64 `json:"current_open_messages"`
}

// EndpointRecord descreve uma rota registrada dinamicamente
type EndpointRecord struct {
	Path   string `json:"path"`
	Method string `json:"method"`
}

// QueueEgress é a resposta de peek/pop de um adapter QUEUE
type QueueEgress struct {
	FlowEvent     *FlowEvent `json:"flow_event,omitempty"`
	Payload       Data       `json:"payload,omitempty"`
	QueuedRecords int64      `json:"queued_records"`
}

// DeployedAdapter resume um adapter em execução para a API de gestão
type DeployedAdapter struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Type   AdapterType      `json:"type"`
	Routes []EndpointRecord `json:"routes"`
}

type DeployedGraph struct {
	Name     string            `json:"name"`
	Adapters []DeployedAdapter `json:"adapters"`
}
