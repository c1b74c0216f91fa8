package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/diogoX451/ubiquia-flow/internal/api/dto"
	"github.com/diogoX451/ubiquia-flow/internal/core/service"
	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

const maxGraphBytes = 1 << 20

// Handler: POST /api/v1/graphs
// Registra e implanta o grafo; aceita JSON ou YAML conforme o Content-Type
func (s *Server) handleDeployGraph(w http.ResponseWriter, r *http.Request) {
	graph, err := decodeGraph(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	if err := s.manager.Register(r.Context(), graph); err != nil {
		s.respondServiceError(w, err)
		return
	}

	deployed, err := s.manager.Deploy(r.Context(), graph.Name)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, dto.DeployGraphResponse{
		GraphID: graph.ID,
		Version: graph.Version,
		Graph:   *deployed,
	})
}

// Handler: GET /api/v1/graphs
func (s *Server) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, dto.GraphListResponse{Graphs: s.manager.Deployed()})
}

// Handler: GET /api/v1/graphs/{name}
func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, g := range s.manager.Deployed() {
		if g.Name == name {
			respondJSON(w, http.StatusOK, g)
			return
		}
	}
	respondError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("graph %s is not deployed", name))
}

// Handler: DELETE /api/v1/graphs/{name}
func (s *Server) handleTeardownGraph(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.manager.Teardown(r.Context(), name); err != nil {
		s.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Handler: GET /api/v1/graphs/{name}/adapters/{adapter}/back-pressure
func (s *Server) handleBackPressure(w http.ResponseWriter, r *http.Request) {
	graph, name := chi.URLParam(r, "name"), chi.URLParam(r, "adapter")
	a, ok := s.manager.Adapter(graph, name)
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("adapter %s/%s is not deployed", graph, name))
		return
	}
	respondJSON(w, http.StatusOK, a.BackPressure())
}

func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	status, code := service.ErrorStatus(err)
	if errors.Is(err, service.ErrGraphDeployed) {
		status, code = http.StatusConflict, "GRAPH_DEPLOYED"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("management request failed", zap.Error(err))
	}
	respondError(w, status, code, err.Error())
}

func decodeGraph(r *http.Request) (*types.Graph, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxGraphBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxGraphBytes {
		return nil, fmt.Errorf("graph definition exceeds %d bytes", maxGraphBytes)
	}

	var graph types.Graph
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml":
		err = yaml.Unmarshal(body, &graph)
	default:
		err = json.Unmarshal(body, &graph)
	}
	if err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	return &graph, nil
}
