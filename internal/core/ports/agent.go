package ports

import "context"

type AgentResponse struct {
	StatusCode int
	Body       []byte
}

// AgentCaller fala HTTP com agentes externos e endpoints de poll/egress
type AgentCaller interface {
	Call(ctx context.Context, method, url string, payload []byte) (*AgentResponse, error)
}
