// Package postgres implementa o FlowStore sobre PostgreSQL.
//
// O claim usa FOR UPDATE SKIP LOCKED: pollers concorrentes do mesmo adapter
// nunca recebem a mesma linha, e o fan-out do outbox roda numa única transação.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // driver pgx para database/sql

	"github.com/diogoX451/ubiquia-flow/internal/core/domain"
	"github.com/diogoX451/ubiquia-flow/internal/store"
	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

type PostgresStore struct {
	db *sql.DB
}

var _ store.FlowStore = (*PostgresStore)(nil)

type Config struct {
	DSN          string
	MaxOpenConns int
}

func New(ctx context.Context, cfg Config) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres: connection string is empty")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping database: %w", err)
	}

	s := NewWithDB(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB usa uma conexão já aberta (testes usam sqlmock)
func NewWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS flow_graphs (
	name        TEXT PRIMARY KEY,
	version     TEXT NOT NULL,
	definition  JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS flow_adapters (
	id          TEXT PRIMARY KEY,
	graph_name  TEXT NOT NULL REFERENCES flow_graphs(name) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	type        TEXT NOT NULL,
	spec        JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS flow_edges (
	source_id   TEXT NOT NULL REFERENCES flow_adapters(id) ON DELETE CASCADE,
	target_id   TEXT NOT NULL REFERENCES flow_adapters(id) ON DELETE CASCADE,
	PRIMARY KEY (source_id, target_id)
);
CREATE TABLE IF NOT EXISTS flow_events (
	id          TEXT PRIMARY KEY,
	flow_id     TEXT NOT NULL,
	adapter_id  TEXT NOT NULL,
	body        JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS flow_messages (
	seq                  BIGSERIAL,
	id                   TEXT PRIMARY KEY,
	target_adapter_id    TEXT NOT NULL REFERENCES flow_adapters(id) ON DELETE CASCADE,
	flow_id              TEXT NOT NULL,
	flow_event_id        TEXT NOT NULL,
	source_adapter_id    TEXT NOT NULL DEFAULT '',
	source_adapter_name  TEXT NOT NULL DEFAULT '',
	payload              JSONB NOT NULL,
	attempts             INT NOT NULL DEFAULT 0,
	claimed_at           TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS flow_messages_pending
	ON flow_messages (target_adapter_id, seq) WHERE claimed_at IS NULL;
CREATE INDEX IF NOT EXISTS flow_messages_flow
	ON flow_messages (target_adapter_id, flow_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

const messageColumns = `seq, id, flow_id, flow_event_id, source_adapter_id, source_adapter_name, target_adapter_id, payload, attempts, created_at`

func (s *PostgresStore) SaveGraph(ctx context.Context, graph *types.Graph) error {
	definition, err := json.Marshal(graph)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO flow_graphs (name, version, definition) VALUES ($1, $2, $3)
			 ON CONFLICT (name) DO UPDATE SET version = EXCLUDED.version, definition = EXCLUDED.definition`,
			graph.Name, graph.Version, definition); err != nil {
			return fmt.Errorf("save graph: %w", err)
		}

		for i := range graph.Adapters {
			adapter := graph.Adapters[i]
			adapter.GraphName = graph.Name
			spec, err := json.Marshal(adapter)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO flow_adapters (id, graph_name, name, type, spec) VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, type = EXCLUDED.type, spec = EXCLUDED.spec`,
				adapter.ID, graph.Name, adapter.Name, string(adapter.Type), spec); err != nil {
				return fmt.Errorf("save adapter %s: %w", adapter.Name, err)
			}
		}

		// arestas só depois que todos os adapters existem (FK)
		for _, adapter := range graph.Adapters {
			if _, err := tx.ExecContext(ctx, `DELETE FROM flow_edges WHERE source_id = $1`, adapter.ID); err != nil {
				return err
			}
			for _, target := range adapter.Downstream {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO flow_edges (source_id, target_id) VALUES ($1, $2)`,
					adapter.ID, target); err != nil {
					return fmt.Errorf("save edge %s -> %s: %w", adapter.ID, target, err)
				}
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetGraph(ctx context.Context, name string) (*types.Graph, error) {
	var definition []byte
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM flow_graphs WHERE name = $1`, name).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("graph %s: %w", name, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var graph types.Graph
	if err := json.Unmarshal(definition, &graph); err != nil {
		return nil, err
	}
	return &graph, nil
}

// DeleteGraph apaga o grafo; adapters, arestas e mensagens caem por cascata
func (s *PostgresStore) DeleteGraph(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM flow_graphs WHERE name = $1`, name)
	return err
}

func (s *PostgresStore) CreateEvent(ctx context.Context, event *types.FlowEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO flow_events (id, flow_id, adapter_id, body) VALUES ($1, $2, $3, $4)`,
		event.ID, event.FlowID, event.AdapterID, body)
	return err
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*types.FlowEvent, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM flow_events WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var event types.FlowEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *PostgresStore) UpdateEvent(ctx context.Context, event *types.FlowEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE flow_events SET body = $2, updated_at = now() WHERE id = $1`, event.ID, body)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event %s: %w", event.ID, store.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, msg *types.FlowMessage) error {
	return insertMessage(ctx, s.db, msg)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMessage(ctx context.Context, db execer, msg *types.FlowMessage) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO flow_messages (id, target_adapter_id, flow_id, flow_event_id, source_adapter_id, source_adapter_name, payload, attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.TargetAdapterID, msg.FlowID, msg.FlowEventID,
		msg.SourceAdapterID, msg.SourceAdapterName, []byte(msg.Payload), msg.Attempts, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *PostgresStore) Claim(ctx context.Context, adapterID string, limit int) ([]types.FlowMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`UPDATE flow_messages SET claimed_at = now()
		 WHERE id IN (
			SELECT id FROM flow_messages
			WHERE target_adapter_id = $1 AND claimed_at IS NULL
			ORDER BY seq
			LIMIT $2
			FOR UPDATE SKIP LOCKED)
		 RETURNING `+messageColumns,
		adapterID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	return scanMessages(rows)
}

func (s *PostgresStore) Peek(ctx context.Context, adapterID string) (*types.FlowMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM flow_messages
		 WHERE target_adapter_id = $1 AND claimed_at IS NULL
		 ORDER BY seq LIMIT 1`, adapterID)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, store.ErrNotFound
	}
	return &msgs[0], nil
}

func (s *PostgresStore) CountPending(ctx context.Context, adapterID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM flow_messages WHERE target_adapter_id = $1 AND claimed_at IS NULL`,
		adapterID).Scan(&n)
	return n, err
}

func (s *PostgresStore) FlowMessages(ctx context.Context, adapterID, flowID string) ([]types.FlowMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM flow_messages
		 WHERE target_adapter_id = $1 AND flow_id = $2
		 ORDER BY seq`, adapterID, flowID)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// Release devolve a mensagem ao fim da fila com um novo seq
func (s *PostgresStore) Release(ctx context.Context, msg *types.FlowMessage) error {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`UPDATE flow_messages
		 SET claimed_at = NULL, attempts = attempts + 1,
		     seq = nextval(pg_get_serial_sequence('flow_messages', 'seq'))
		 WHERE id = $1
		 RETURNING attempts`, msg.ID).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", msg.ID, store.ErrNotFound)
	}
	if err != nil {
		return err
	}
	msg.Attempts = attempts
	return nil
}

func (s *PostgresStore) DeleteMessages(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM flow_messages WHERE id = $1`, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) Fanout(ctx context.Context, eventID string, payload types.Data, at time.Time) (*types.FlowEvent, []types.FlowMessage, error) {
	var (
		event *types.FlowEvent
		msgs  []types.FlowMessage
	)

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		event, err = lockEvent(ctx, tx, "outbox_fanout", eventID)
		if err != nil {
			return err
		}

		var adapterName string
		err = tx.QueryRowContext(ctx, `SELECT name FROM flow_adapters WHERE id = $1`, event.AdapterID).Scan(&adapterName)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DataConsistencyError("outbox_fanout",
				fmt.Errorf("adapter %s of event is not registered", event.AdapterID)).
				WithAdapter(event.GraphName, event.AdapterName).WithEvent(eventID)
		}
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT target_id FROM flow_edges WHERE source_id = $1 ORDER BY target_id`, event.AdapterID)
		if err != nil {
			return err
		}
		var targets []string
		for rows.Next() {
			var target string
			if err := rows.Scan(&target); err != nil {
				rows.Close()
				return err
			}
			targets = append(targets, target)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		event.Times.SentToOutbox = types.Timestamp(at)
		msgs = make([]types.FlowMessage, 0, len(targets))
		for _, target := range targets {
			msg := types.FlowMessage{
				ID:                uuid.NewString(),
				FlowID:            event.FlowID,
				FlowEventID:       event.ID,
				SourceAdapterID:   event.AdapterID,
				SourceAdapterName: adapterName,
				TargetAdapterID:   target,
				Payload:           payload,
				CreatedAt:         at,
			}
			if err := insertMessage(ctx, tx, &msg); err != nil {
				return err
			}
			msgs = append(msgs, msg)
		}
		event.Times.EventComplete = types.Timestamp(at)

		return updateEvent(ctx, tx, event)
	})
	if err != nil {
		return nil, nil, err
	}
	return event, msgs, nil
}

func (s *PostgresStore) MarkEgressed(ctx context.Context, eventID string, at time.Time) (*types.FlowEvent, error) {
	var event *types.FlowEvent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		event, err = lockEvent(ctx, tx, "broker_egress", eventID)
		if err != nil {
			return err
		}
		event.Times.PayloadEgressed = types.Timestamp(at)
		event.Times.EventComplete = types.Timestamp(at)
		return updateEvent(ctx, tx, event)
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

func lockEvent(ctx context.Context, tx *sql.Tx, op, eventID string) (*types.FlowEvent, error) {
	var body []byte
	err := tx.QueryRowContext(ctx, `SELECT body FROM flow_events WHERE id = $1 FOR UPDATE`, eventID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.DataConsistencyError(op, domain.ErrEventNotFound).WithEvent(eventID)
	}
	if err != nil {
		return nil, err
	}

	var event types.FlowEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func updateEvent(ctx context.Context, tx *sql.Tx, event *types.FlowEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE flow_events SET body = $2, updated_at = now() WHERE id = $1`, event.ID, body)
	return err
}

func scanMessages(rows *sql.Rows) ([]types.FlowMessage, error) {
	defer rows.Close()

	type row struct {
		seq int64
		msg types.FlowMessage
	}
	var out []row
	for rows.Next() {
		var (
			r       row
			payload []byte
		)
		if err := rows.Scan(&r.seq, &r.msg.ID, &r.msg.FlowID, &r.msg.FlowEventID,
			&r.msg.SourceAdapterID, &r.msg.SourceAdapterName, &r.msg.TargetAdapterID,
			&payload, &r.msg.Attempts, &r.msg.CreatedAt); err != nil {
			return nil, err
		}
		r.msg.Payload = types.Data(payload)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING não garante ordem
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	msgs := make([]types.FlowMessage, len(out))
	for i := range out {
		msgs[i] = out[i].msg
	}
	return msgs, nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TransientIOError("begin_tx", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
