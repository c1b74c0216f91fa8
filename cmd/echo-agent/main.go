// echo-agent é um agente de referência para rodar grafos localmente: devolve o
// payload recebido anotado com o nome do agente e a hora do processamento.
package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/pflag"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/diogoX451/ubiquia-flow/internal/logging"
	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

func main() {
	flags := pflag.NewFlagSet("echo-agent", pflag.ExitOnError)
	port := flags.String("port", types.Getenv("ECHO_AGENT_PORT", "8081"), "HTTP port")
	name := flags.String("name", types.Getenv("ECHO_AGENT_NAME", "echo-agent"), "name written into every response")
	delay := flags.Duration("delay", 0, "artificial processing delay per request")
	level := flags.String("log-level", logging.LevelInfo, "log level")
	_ = flags.Parse(os.Args[1:])

	logger, _ := logging.New(*level)
	defer logger.Sync()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	echo := echoHandler(*name, *delay, logger)
	r.Post("/*", echo)
	r.Put("/*", echo)

	srv := &http.Server{
		Addr:         ":" + *port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("echo agent started", zap.String("addr", srv.Addr), zap.String("name", *name))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("could not listen", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("could not gracefully shutdown", zap.Error(err))
	}
}

func echoHandler(name string, delay time.Duration, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !gjson.ValidBytes(body) {
			http.Error(w, "payload is not valid JSON", http.StatusUnprocessableEntity)
			return
		}

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		out, err := annotate(body, name, time.Now())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		logger.Debug("echoed payload", zap.String("path", r.URL.Path), zap.Int("bytes", len(body)))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(out)
	}
}

// annotate só escreve em objetos; arrays e escalares voltam intactos
func annotate(body []byte, name string, at time.Time) ([]byte, error) {
	if !gjson.ParseBytes(body).IsObject() {
		return body, nil
	}
	out, err := sjson.SetBytes(body, "_agent.name", name)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(out, "_agent.processed_at", at.UTC().Format(time.RFC3339Nano))
}
