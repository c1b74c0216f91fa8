package agents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/diogoX451/ubiquia-flow/internal/core/domain"
	"github.com/diogoX451/ubiquia-flow/internal/core/ports"
)

var errServerStatus = errors.New("agent answered with server error")

type Config struct {
	Timeout time.Duration
	// BreakerFailures falhas seguidas até abrir o circuito do host
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	Logger          *zap.Logger
}

// Client chama agentes e endpoints externos com um circuit breaker por host
type Client struct {
	http   *http.Client
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

var _ ports.AgentCaller = (*Client)(nil)

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		http:     &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breaker(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[host]; ok {
		return cb
	}

	failures := c.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     c.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("agent circuit breaker state changed",
				zap.String("host", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	c.breakers[host] = cb
	return cb
}

// Call devolve TransientIOError para 5xx, falha de transporte e circuito aberto.
// Qualquer outra resposta volta sem erro para o chamador decidir.
func (c *Client) Call(ctx context.Context, method, target string, payload []byte) (*ports.AgentResponse, error) {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return nil, domain.ConfigurationError("agent call", fmt.Errorf("invalid url %q", target))
	}

	result, err := c.breaker(u.Host).Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		out := &ports.AgentResponse{StatusCode: resp.StatusCode, Body: body}
		if resp.StatusCode >= http.StatusInternalServerError {
			return out, fmt.Errorf("%w: %d", errServerStatus, resp.StatusCode)
		}
		return out, nil
	})

	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return nil, domain.TransientIOError("agent call", fmt.Errorf("%s: %w", u.Host, err))
		case errors.Is(err, errServerStatus):
			resp, _ := result.(*ports.AgentResponse)
			return resp, domain.TransientIOError("agent call", err)
		default:
			return nil, domain.TransientIOError("agent call", err)
		}
	}

	return result.(*ports.AgentResponse), nil
}
