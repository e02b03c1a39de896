package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "reserveq"

// RedisBroker keeps jobs in Redis so producers and workers may live in
// different processes:
//
//	{prefix}:ids               INCR job id sequence
//	{prefix}:job:<id>          hash with the job record
//	{prefix}:type:<type>:queued  FIFO list of queued ids
//	{prefix}:events            PUBLISH channel carrying Event JSON
type RedisBroker struct {
	rdb     redis.UniversalClient
	base    string
	scripts brokerScripts
}

type RedisBrokerOption func(*RedisBroker)

func WithRedisPrefix(prefix string) RedisBrokerOption {
	return func(b *RedisBroker) { b.base = KeyBase(prefix) }
}

func NewRedisBroker(rdb redis.UniversalClient, opts ...RedisBrokerOption) (*RedisBroker, error) {
	scripts, err := loadScripts()
	if err != nil {
		return nil, err
	}
	b := &RedisBroker{
		rdb:     rdb,
		base:    KeyBase(DefaultRedisPrefix),
		scripts: scripts,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *RedisBroker) idsKey() string { return b.base + ":ids" }
func (b *RedisBroker) jobKeyPrefix() string { return b.base + ":job:" }
func (b *RedisBroker) jobKey(id int64) string { return b.jobKeyPrefix() + strconv.FormatInt(id, 10) }
func (b *RedisBroker) queuedKey(jobType string) string { return b.base + ":type:" + jobType + ":queued" }
func (b *RedisBroker) eventsChannel() string { return b.base + ":events" }

func nowMs() int64 { return time.Now().UnixMilli() }

func (b *RedisBroker) NextID(ctx context.Context) (int64, error) {
	return b.rdb.Incr(ctx, b.idsKey()).Result()
}

func (b *RedisBroker) Push(ctx context.Context, rec *Record) error {
	now := nowMs()
	created := now
	if !rec.CreatedAt.IsZero() {
		created = rec.CreatedAt.UnixMilli()
	}
	ev, err := json.Marshal(Event{Kind: EventEnqueue, JobID: rec.ID, Type: rec.Type})
	if err != nil {
		return err
	}

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, b.jobKey(rec.ID),
		"id", rec.ID,
		"type", rec.Type,
		"data", string(rec.Data),
		"state", string(StateQueued),
		"progress", 0,
		"error", "",
		"reason", "",
		"code", "",
		"lease", "",
		"created_at", created,
		"updated_at", now,
	)
	pipe.RPush(ctx, b.queuedKey(rec.Type), rec.ID)
	pipe.Publish(ctx, b.eventsChannel(), string(ev))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push job %d: %w", rec.ID, err)
	}
	return nil
}

// Pop runs entirely in pop.lua: the job is marked Active, its start event
// is published and its record returned in one step, so no job can be left
// Active without the caller seeing it, unless the reply itself is lost.
func (b *RedisBroker) Pop(ctx context.Context, jobType, lease string) (*Record, error) {
	res, err := b.scripts.Pop.Run(ctx, b.rdb,
		[]string{b.queuedKey(jobType)},
		b.jobKeyPrefix(), lease, nowMs(), b.eventsChannel(),
	).Result()
	if err != nil {
		return nil, err
	}

	arr, ok := asAnySlice(res)
	if !ok || len(arr) < 1 {
		return nil, fmt.Errorf("unexpected POP response: %v", res)
	}

	switch asStr(arr[0]) {
	case "EMPTY":
		return nil, nil
	case "ERR":
		return nil, scriptError("POP", arr)
	case "JOB":
	default:
		return nil, fmt.Errorf("unexpected POP response: %v", res)
	}

	if len(arr) < 3 {
		return nil, fmt.Errorf("unexpected POP response: %v", res)
	}
	id, err := toInt64(arr[1])
	if err != nil {
		return nil, fmt.Errorf("unexpected POP response: %v", res)
	}
	rec, err := recordFromPairs(arr[2])
	if err != nil {
		// The job is Active under our lease; fail it rather than strand it.
		perr := fmt.Errorf("decode popped job %d: %w", id, err)
		out := Outcome{State: StateFailed, Error: perr.Error(), Reason: err.Error()}
		if aerr := b.Ack(ctx, id, lease, out); aerr != nil {
			return nil, errors.Join(perr, aerr)
		}
		return nil, perr
	}
	return rec, nil
}

func (b *RedisBroker) Progress(ctx context.Context, id int64, lease string, percent int) error {
	res, err := b.scripts.Progress.Run(ctx, b.rdb,
		[]string{b.jobKey(id)},
		id, lease, percent, nowMs(), b.eventsChannel(),
	).Result()
	if err != nil {
		return err
	}
	return expectOK("PROGRESS", res)
}

func (b *RedisBroker) Ack(ctx context.Context, id int64, lease string, out Outcome) error {
	if !out.State.Terminal() {
		return fmt.Errorf("ack with non terminal state %q", out.State)
	}
	res, err := b.scripts.Ack.Run(ctx, b.rdb,
		[]string{b.jobKey(id)},
		id, lease, string(out.State), out.Error, out.Reason, out.Code, nowMs(), b.eventsChannel(),
	).Result()
	if err != nil {
		return err
	}
	return expectOK("ACK", res)
}

func (b *RedisBroker) Get(ctx context.Context, id int64) (*Record, error) {
	vals, err := b.rdb.HGetAll(ctx, b.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	return recordFromHash(vals)
}

func (b *RedisBroker) Events(ctx context.Context) (<-chan Event, error) {
	ps := b.rdb.Subscribe(ctx, b.eventsChannel())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan Event, eventBuffer)
	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the caller owns the Redis client.
func (b *RedisBroker) Close() error { return nil }

func expectOK(op string, res any) error {
	arr, ok := asAnySlice(res)
	if !ok || len(arr) < 1 {
		return fmt.Errorf("unexpected %s response: %v", op, res)
	}
	switch asStr(arr[0]) {
	case "OK":
		return nil
	case "ERR":
		return scriptError(op, arr)
	default:
		return fmt.Errorf("unexpected %s response: %v", op, res)
	}
}

// recordFromPairs reads an HGETALL reply returned from a script.
func recordFromPairs(v any) (*Record, error) {
	pairs, ok := asAnySlice(v)
	if !ok || len(pairs)%2 != 0 {
		return nil, fmt.Errorf("malformed job hash: %v", v)
	}
	vals := make(map[string]string, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		vals[asStr(pairs[i])] = asStr(pairs[i+1])
	}
	return recordFromHash(vals)
}

func recordFromHash(vals map[string]string) (*Record, error) {
	id, err := strconv.ParseInt(vals["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("job record without id: %w", err)
	}
	rec := &Record{
		ID:     id,
		Type:   vals["type"],
		State:  State(vals["state"]),
		Error:  vals["error"],
		Reason: vals["reason"],
		Code:   vals["code"],
		Lease:  vals["lease"],
	}
	if d := vals["data"]; d != "" {
		rec.Data = json.RawMessage(d)
	}
	if p, err := strconv.Atoi(vals["progress"]); err == nil {
		rec.Progress = p
	}
	if ms, err := strconv.ParseInt(vals["created_at"], 10, 64); err == nil {
		rec.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(vals["updated_at"], 10, 64); err == nil {
		rec.UpdatedAt = time.UnixMilli(ms)
	}
	return rec, nil
}

var _ Broker = (*RedisBroker)(nil)
var _ Broker = (*MemoryBroker)(nil)

// isClosedErr reports whether err means the redis client was closed under us.
func isClosedErr(err error) bool {
	return errors.Is(err, redis.ErrClosed)
}
