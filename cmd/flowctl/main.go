// flowctl implanta, lista e desmonta grafos num flowd e inspeciona tópicos do broker.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/diogoX451/ubiquia-flow/internal/api/dto"
	"github.com/diogoX451/ubiquia-flow/internal/events"
	natsevents "github.com/diogoX451/ubiquia-flow/internal/events/nats"
	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

const usage = `usage: flowctl <command> [flags]

commands:
  deploy -f graph.yaml     register and deploy a graph
  list                     list deployed graphs and their routes
  teardown <graph>         tear down a graph and delete its records
  publish <topic> <json>   publish a payload to a broker topic
  tap <topic>              print messages arriving on a broker topic
`

type options struct {
	apiURL  string
	natsURL string
	stream  string
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	flags := pflag.NewFlagSet("flowctl "+cmd, pflag.ExitOnError)
	var opts options
	flags.StringVar(&opts.apiURL, "api", types.Getenv("FLOW_API_URL", "http://localhost:8080"), "flowd base URL")
	flags.StringVar(&opts.natsURL, "nats", types.Getenv("FLOW_NATS_URL", "nats://localhost:4222"), "NATS URL")
	flags.StringVar(&opts.stream, "stream", types.Getenv("FLOW_NATS_STREAM", "FLOW_BROKER"), "JetStream stream holding adapter topics")
	file := flags.StringP("file", "f", "", "graph definition (yaml)")
	timeout := flags.Duration("timeout", 5*time.Second, "fetch wait per batch when tapping")
	_ = flags.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "deploy":
		err = deploy(ctx, opts, *file)
	case "list":
		err = list(ctx, opts)
	case "teardown":
		err = teardown(ctx, opts, flags.Arg(0))
	case "publish":
		err = publish(ctx, opts, flags.Arg(0), flags.Arg(1))
	case "tap":
		err = tap(ctx, opts, flags.Arg(0), *timeout)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "flowctl:", err)
		os.Exit(1)
	}
}

// loadGraph lê o YAML localmente para falhar cedo em arquivos malformados
func loadGraph(path string) (*types.Graph, error) {
	if path == "" {
		return nil, fmt.Errorf("missing graph file (-f)")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var graph types.Graph
	if err := yaml.Unmarshal(data, &graph); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if graph.Name == "" || len(graph.Adapters) == 0 {
		return nil, fmt.Errorf("%s: graph needs a name and at least one adapter", path)
	}
	return &graph, nil
}

func deploy(ctx context.Context, opts options, path string) error {
	graph, err := loadGraph(path)
	if err != nil {
		return err
	}
	body, err := json.Marshal(graph)
	if err != nil {
		return err
	}

	var resp dto.DeployGraphResponse
	if err := call(ctx, http.MethodPost, opts.apiURL+"/api/v1/graphs", body, &resp); err != nil {
		return err
	}
	fmt.Printf("deployed %s (version %s, id %s)\n", resp.Graph.Name, resp.Version, resp.GraphID)
	printGraph(resp.Graph)
	return nil
}

func list(ctx context.Context, opts options) error {
	var resp dto.GraphListResponse
	if err := call(ctx, http.MethodGet, opts.apiURL+"/api/v1/graphs", nil, &resp); err != nil {
		return err
	}
	if len(resp.Graphs) == 0 {
		fmt.Println("no graphs deployed")
	}
	for _, g := range resp.Graphs {
		fmt.Println(g.Name)
		printGraph(g)
	}
	return nil
}

func teardown(ctx context.Context, opts options, name string) error {
	if name == "" {
		return fmt.Errorf("missing graph name")
	}
	if err := call(ctx, http.MethodDelete, opts.apiURL+"/api/v1/graphs/"+name, nil, nil); err != nil {
		return err
	}
	fmt.Printf("torn down %s\n", name)
	return nil
}

func printGraph(g types.DeployedGraph) {
	for _, a := range g.Adapters {
		fmt.Printf("  %-24s %-10s\n", a.Name, a.Type)
		for _, r := range a.Routes {
			fmt.Printf("    %-6s /%s\n", r.Method, r.Path)
		}
	}
}

func call(ctx context.Context, method, url string, body []byte, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr dto.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Code != "" {
			return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", method, url, resp.Status)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func publish(ctx context.Context, opts options, topic, payload string) error {
	if topic == "" || payload == "" {
		return fmt.Errorf("usage: flowctl publish <topic> <json>")
	}
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("payload is not valid JSON")
	}

	bus, err := natsevents.New(natsevents.Config{URL: opts.natsURL})
	if err != nil {
		return err
	}
	defer bus.Close()

	if err := bus.Publish(ctx, topic, []byte(payload)); err != nil {
		return err
	}
	fmt.Printf("published to %s\n", topic)
	return nil
}

// tap reaproveita um consumer pull por tópico e imprime tudo que chega nele
func tap(ctx context.Context, opts options, topic string, wait time.Duration) error {
	if topic == "" {
		return fmt.Errorf("missing topic")
	}

	bus, err := natsevents.New(natsevents.Config{URL: opts.natsURL})
	if err != nil {
		return err
	}
	defer bus.Close()

	durable := natsevents.DurableName("flowctl", "tap", topic)
	consumer, err := bus.CreateConsumer(opts.stream, durable, events.ConsumerConfig{
		Durable:       durable,
		FilterSubject: topic,
		DeliverPolicy: events.DeliverNew,
		MaxAckPending: 100,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	fmt.Printf("tapping %s (ctrl-c to stop)\n", topic)
	for ctx.Err() == nil {
		msgs, err := consumer.Fetch(10, wait)
		if err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("fetch: %w", err)
		}
		for _, msg := range msgs {
			fmt.Printf("%s %s\n", msg.Subject(), msg.Data())
			_ = msg.Ack()
		}
	}
	return nil
}
