package dto

import (
	"time"

	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

type DeployGraphResponse struct {
	GraphID string              `json:"graph_id"`
	Version string              `json:"version"`
	Graph   types.DeployedGraph `json:"graph"`
}

type GraphListResponse struct {
	Graphs []types.DeployedGraph `json:"graphs"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Graphs    int       `json:"graphs"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}
