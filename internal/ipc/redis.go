package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisCmds is the subset of redis.Cmdable the channel uses.
type redisCmds interface {
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisOpts configures a Redis channel.
type RedisOpts struct {
	Client redis.Cmdable
	Prefix string // key prefix, default "botyard"
	BotID  string
	Logger zerolog.Logger

	// BlockTimeout bounds each BLPOP so shutdown is noticed; default 5s.
	BlockTimeout time.Duration
}

// Redis is a Channel backed by a Redis list for commands and a pub/sub
// channel for events:
//
//	<prefix>:<bot>:commands  LIST    supervisor RPUSH, worker BLPOP
//	<prefix>:<bot>:events    PUBSUB  worker PUBLISH
type Redis struct {
	rdb          redisCmds
	commandsKey  string
	eventsKey    string
	blockTimeout time.Duration
	log          zerolog.Logger

	requests  chan Request
	cancel    context.CancelFunc
	done      chan struct{}
	connected atomic.Bool
	once      sync.Once
}

var _ Channel = (*Redis)(nil)

// NewRedis starts consuming the bot's command list.
func NewRedis(opts RedisOpts) (*Redis, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("ipc: redis client is required")
	}
	if opts.BotID == "" {
		return nil, fmt.Errorf("ipc: bot id is required")
	}
	return newRedis(opts.Client, opts), nil
}

func newRedis(rdb redisCmds, opts RedisOpts) *Redis {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "botyard"
	}
	block := opts.BlockTimeout
	if block <= 0 {
		block = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		rdb:          rdb,
		commandsKey:  CommandsKey(prefix, opts.BotID),
		eventsKey:    EventsKey(prefix, opts.BotID),
		blockTimeout: block,
		log:          opts.Logger,
		requests:     make(chan Request, 16),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	r.connected.Store(true)
	go r.read(ctx)
	return r
}

// CommandsKey is the list a supervisor pushes commands to.
func CommandsKey(prefix, botID string) string {
	return prefix + ":" + botID + ":commands"
}

// EventsKey is the pub/sub channel a worker publishes events to.
func EventsKey(prefix, botID string) string {
	return prefix + ":" + botID + ":events"
}

func (r *Redis) read(ctx context.Context) {
	defer close(r.done)
	defer close(r.requests)
	for ctx.Err() == nil {
		res, err := r.rdb.BLPop(ctx, r.blockTimeout, r.commandsKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Warn().Err(err).Str("key", r.commandsKey).Msg("ipc: redis pop failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// BLPOP answers [key, value].
		if len(res) != 2 {
			continue
		}
		var req Request
		if err := json.Unmarshal([]byte(res[1]), &req); err != nil || req.Command == "" {
			r.log.Warn().Err(err).Str("key", r.commandsKey).Msg("ipc: skipping malformed command")
			continue
		}
		select {
		case r.requests <- req:
		case <-ctx.Done():
			return
		}
	}
}

// Requests implements Channel.
func (r *Redis) Requests() <-chan Request { return r.requests }

// Send implements Channel.
func (r *Redis) Send(ev Event) error {
	if !r.connected.Load() {
		return ErrClosed
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ipc: encode event %s: %w", ev.Type, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.rdb.Publish(ctx, r.eventsKey, b).Err(); err != nil {
		return fmt.Errorf("ipc: publish %s: %w", ev.Type, err)
	}
	return nil
}

// Submit pushes a command onto the bot's list, as a supervisor would.
func (r *Redis) Submit(ctx context.Context, req Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("ipc: encode request: %w", err)
	}
	if err := r.rdb.RPush(ctx, r.commandsKey, b).Err(); err != nil {
		return fmt.Errorf("ipc: push %s: %w", req.Command, err)
	}
	return nil
}

// Connected implements Channel.
func (r *Redis) Connected() bool { return r.connected.Load() }

// Close implements Channel. It stops the reader and waits for it to exit.
// The redis client itself is owned by the caller.
func (r *Redis) Close() error {
	r.once.Do(func() {
		r.connected.Store(false)
		r.cancel()
		<-r.done
	})
	return nil
}
