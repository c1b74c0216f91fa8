package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/diogoX451/ubiquia-flow/internal/core/domain"
	"github.com/diogoX451/ubiquia-flow/internal/store"
	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

const maxTxRetries = 8

type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ store.FlowStore = (*RedisStore)(nil)

type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// EventTTL controla quanto tempo os FlowEvents sobrevivem ao teardown
	EventTTL time.Duration
}

func New(cfg Config) (*RedisStore, error) {
	if cfg.EventTTL == 0 {
		cfg.EventTTL = 24 * time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{
		client: client,
		ttl:    cfg.EventTTL,
	}, nil
}

// Chaves Redis:
// flow:graphs -> set de nomes de grafos registrados
// flow:graph:{name} -> json Graph
// flow:adapter:{id} -> json AdapterSpec (downstream já resolvido para ids)
// flow:event:{id} -> json FlowEvent (com TTL)
// flow:message:{id} -> json FlowMessage
// flow:inbox:{adapter} -> list de ids pendentes (FIFO)
// flow:inbox:{adapter}:flow:{flow} -> set de ids pendentes ou reclamados do fluxo
// flow:inbox:{adapter}:flows -> set de flow ids com mensagens para o adapter

func (r *RedisStore) graphsKey() string {
	return "flow:graphs"
}

func (r *RedisStore) graphKey(name string) string {
	return fmt.Sprintf("flow:graph:%s", name)
}

func (r *RedisStore) adapterKey(id string) string {
	return fmt.Sprintf("flow:adapter:%s", id)
}

func (r *RedisStore) eventKey(id string) string {
	return fmt.Sprintf("flow:event:%s", id)
}

func (r *RedisStore) messageKey(id string) string {
	return fmt.Sprintf("flow:message:%s", id)
}

func (r *RedisStore) inboxKey(adapterID string) string {
	return fmt.Sprintf("flow:inbox:%s", adapterID)
}

func (r *RedisStore) flowIndexKey(adapterID, flowID string) string {
	return fmt.Sprintf("flow:inbox:%s:flow:%s", adapterID, flowID)
}

func (r *RedisStore) adapterFlowsKey(adapterID string) string {
	return fmt.Sprintf("flow:inbox:%s:flows", adapterID)
}

func (r *RedisStore) SaveGraph(ctx context.Context, graph *types.Graph) error {
	data, err := json.Marshal(graph)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.graphKey(graph.Name), data, 0)
	pipe.SAdd(ctx, r.graphsKey(), graph.Name)

	for i := range graph.Adapters {
		adapter := graph.Adapters[i]
		adapter.GraphName = graph.Name
		adapterData, err := json.Marshal(adapter)
		if err != nil {
			return err
		}
		pipe.Set(ctx, r.adapterKey(adapter.ID), adapterData, 0)
	}

	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) GetGraph(ctx context.Context, name string) (*types.Graph, error) {
	data, err := r.client.Get(ctx, r.graphKey(name)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("graph %s: %w", name, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var graph types.Graph
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, err
	}
	return &graph, nil
}

// DeleteGraph remove o grafo, seus adapters e todas as mensagens endereçadas a eles
func (r *RedisStore) DeleteGraph(ctx context.Context, name string) error {
	graph, err := r.GetGraph(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	keys := []string{r.graphKey(name)}
	for _, adapter := range graph.Adapters {
		pending, err := r.client.LRange(ctx, r.inboxKey(adapter.ID), 0, -1).Result()
		if err != nil {
			return err
		}
		for _, id := range pending {
			keys = append(keys, r.messageKey(id))
		}

		flows, err := r.client.SMembers(ctx, r.adapterFlowsKey(adapter.ID)).Result()
		if err != nil {
			return err
		}
		for _, flowID := range flows {
			ids, err := r.client.SMembers(ctx, r.flowIndexKey(adapter.ID, flowID)).Result()
			if err != nil {
				return err
			}
			for _, id := range ids {
				keys = append(keys, r.messageKey(id))
			}
			keys = append(keys, r.flowIndexKey(adapter.ID, flowID))
		}

		keys = append(keys,
			r.adapterFlowsKey(adapter.ID),
			r.inboxKey(adapter.ID),
			r.adapterKey(adapter.ID),
		)
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.SRem(ctx, r.graphsKey(), name)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) CreateEvent(ctx context.Context, event *types.FlowEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.eventKey(event.ID), data, r.ttl).Err()
}

func (r *RedisStore) GetEvent(ctx context.Context, id string) (*types.FlowEvent, error) {
	data, err := r.client.Get(ctx, r.eventKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("event %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var event types.FlowEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *RedisStore) UpdateEvent(ctx context.Context, event *types.FlowEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	// XX: só atualiza eventos que ainda existem
	ok, err := r.client.SetXX(ctx, r.eventKey(event.ID), data, r.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("event %s: %w", event.ID, store.ErrNotFound)
	}
	return nil
}

func (r *RedisStore) Enqueue(ctx context.Context, msg *types.FlowMessage) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return r.pushMessage(ctx, pipe, msg)
	})
	return err
}

func (r *RedisStore) pushMessage(ctx context.Context, pipe redis.Pipeliner, msg *types.FlowMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	pipe.Set(ctx, r.messageKey(msg.ID), data, 0)
	pipe.RPush(ctx, r.inboxKey(msg.TargetAdapterID), msg.ID)
	pipe.SAdd(ctx, r.flowIndexKey(msg.TargetAdapterID, msg.FlowID), msg.ID)
	pipe.SAdd(ctx, r.adapterFlowsKey(msg.TargetAdapterID), msg.FlowID)
	return nil
}

// Claim usa LPOP com count: o id sai da lista numa única operação atômica,
// então dois pollers nunca recebem a mesma mensagem
func (r *RedisStore) Claim(ctx context.Context, adapterID string, limit int) ([]types.FlowMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	ids, err := r.client.LPopCount(ctx, r.inboxKey(adapterID), limit).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return r.loadMessages(ctx, ids)
}

func (r *RedisStore) loadMessages(ctx context.Context, ids []string) ([]types.FlowMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.messageKey(id)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	msgs := make([]types.FlowMessage, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// corpo removido por teardown entre o pop e o get
			continue
		}
		var msg types.FlowMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (r *RedisStore) Peek(ctx context.Context, adapterID string) (*types.FlowMessage, error) {
	id, err := r.client.LIndex(ctx, r.inboxKey(adapterID), 0).Result()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	msgs, err := r.loadMessages(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, store.ErrNotFound
	}
	return &msgs[0], nil
}

func (r *RedisStore) CountPending(ctx context.Context, adapterID string) (int64, error) {
	return r.client.LLen(ctx, r.inboxKey(adapterID)).Result()
}

func (r *RedisStore) FlowMessages(ctx context.Context, adapterID, flowID string) ([]types.FlowMessage, error) {
	ids, err := r.client.SMembers(ctx, r.flowIndexKey(adapterID, flowID)).Result()
	if err != nil {
		return nil, err
	}

	msgs, err := r.loadMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

// Release roda sob WATCH da mensagem: um DeleteMessages concorrente aborta o
// EXEC em vez de deixar um id órfão na fila
func (r *RedisStore) Release(ctx context.Context, msg *types.FlowMessage) error {
	key := r.messageKey(msg.ID)
	attempts := msg.Attempts
	txf := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("message %s: %w", msg.ID, store.ErrNotFound)
		}

		released := *msg
		released.Attempts = attempts + 1
		data, err := json.Marshal(&released)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.RPush(ctx, r.inboxKey(msg.TargetAdapterID), msg.ID)
			return nil
		})
		return err
	}

	if err := r.watch(ctx, "inbox_release", txf, key); err != nil {
		return err
	}
	msg.Attempts = attempts + 1
	return nil
}

func (r *RedisStore) DeleteMessages(ctx context.Context, ids ...string) error {
	msgs, err := r.loadMessages(ctx, ids)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	for _, msg := range msgs {
		pipe.Del(ctx, r.messageKey(msg.ID))
		pipe.SRem(ctx, r.flowIndexKey(msg.TargetAdapterID, msg.FlowID), msg.ID)
		// mensagens de merge ainda podem estar pendentes na lista
		pipe.LRem(ctx, r.inboxKey(msg.TargetAdapterID), 0, msg.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Fanout roda sob WATCH do evento e do adapter de origem: se algum deles mudar
// durante a transação o EXEC falha e nada fica visível
func (r *RedisStore) Fanout(ctx context.Context, eventID string, payload types.Data, at time.Time) (*types.FlowEvent, []types.FlowMessage, error) {
	var (
		event *types.FlowEvent
		msgs  []types.FlowMessage
	)

	key := r.eventKey(eventID)
	txf := func(tx *redis.Tx) error {
		var err error
		event, err = r.watchedEvent(ctx, tx, "outbox_fanout", eventID)
		if err != nil {
			return err
		}

		if err := tx.Watch(ctx, r.adapterKey(event.AdapterID)).Err(); err != nil {
			return err
		}
		adapterData, err := tx.Get(ctx, r.adapterKey(event.AdapterID)).Bytes()
		if err == redis.Nil {
			return domain.DataConsistencyError("outbox_fanout",
				fmt.Errorf("adapter %s of event is not registered", event.AdapterID)).
				WithAdapter(event.GraphName, event.AdapterName).WithEvent(eventID)
		}
		if err != nil {
			return err
		}
		var adapter types.AdapterSpec
		if err := json.Unmarshal(adapterData, &adapter); err != nil {
			return err
		}

		event.Times.SentToOutbox = types.Timestamp(at)
		msgs = make([]types.FlowMessage, 0, len(adapter.Downstream))
		for _, target := range adapter.Downstream {
			msgs = append(msgs, types.FlowMessage{
				ID:                uuid.NewString(),
				FlowID:            event.FlowID,
				FlowEventID:       event.ID,
				SourceAdapterID:   adapter.ID,
				SourceAdapterName: adapter.Name,
				TargetAdapterID:   target,
				Payload:           payload,
				CreatedAt:         at,
			})
		}
		event.Times.EventComplete = types.Timestamp(at)

		data, err := json.Marshal(event)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i := range msgs {
				if err := r.pushMessage(ctx, pipe, &msgs[i]); err != nil {
					return err
				}
			}
			pipe.Set(ctx, key, data, r.ttl)
			return nil
		})
		return err
	}

	if err := r.watch(ctx, "outbox_fanout", txf, key); err != nil {
		return nil, nil, err
	}
	return event, msgs, nil
}

func (r *RedisStore) MarkEgressed(ctx context.Context, eventID string, at time.Time) (*types.FlowEvent, error) {
	var event *types.FlowEvent

	key := r.eventKey(eventID)
	txf := func(tx *redis.Tx) error {
		var err error
		event, err = r.watchedEvent(ctx, tx, "broker_egress", eventID)
		if err != nil {
			return err
		}

		event.Times.PayloadEgressed = types.Timestamp(at)
		event.Times.EventComplete = types.Timestamp(at)
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl)
			return nil
		})
		return err
	}

	if err := r.watch(ctx, "broker_egress", txf, key); err != nil {
		return nil, err
	}
	return event, nil
}

func (r *RedisStore) watchedEvent(ctx context.Context, tx *redis.Tx, op, eventID string) (*types.FlowEvent, error) {
	data, err := tx.Get(ctx, r.eventKey(eventID)).Bytes()
	if err == redis.Nil {
		return nil, domain.DataConsistencyError(op, domain.ErrEventNotFound).WithEvent(eventID)
	}
	if err != nil {
		return nil, err
	}

	var event types.FlowEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// watch repete a transação otimista enquanto houver conflito
func (r *RedisStore) watch(ctx context.Context, op string, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return domain.TransientIOError(op, redis.TxFailedErr)
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
