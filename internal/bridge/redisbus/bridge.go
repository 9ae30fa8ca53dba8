// Package redisbus relays Redis pub/sub messages into the event registry.
//
// Every message received on a subscribed channel is fired as a MessageEvent.
// Channels may be added before Start; they are subscribed when the bridge
// starts.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"runtimekit/internal/event"
	rtsup "runtimekit/internal/runtime/supervisor"
	logx "runtimekit/pkg/logx"
)

const (
	// KindMessage is the event kind of every relayed message.
	KindMessage event.Kind = "redis.message"

	ConnectTimeout = 5 * time.Second
	stopTimeout    = 5 * time.Second
)

var ErrClosed = errors.New("redis bridge is closed")

type Config struct {
	Addr     string
	Password string
	DB       int
	Channels []string
	// Async fires message events on the worker pool instead of the receive
	// goroutine.
	Async bool
}

// MessageEvent is fired for each pub/sub message.
type MessageEvent struct {
	event.Base
	Channel string
	Payload string
}

// Decode unmarshals a JSON payload into v.
func (m *MessageEvent) Decode(v any) error {
	if err := json.Unmarshal([]byte(m.Payload), v); err != nil {
		return fmt.Errorf("decode message on %q: %w", m.Channel, err)
	}
	return nil
}

type Bridge struct {
	cfg    Config
	client *redis.Client
	reg    *event.Registry
	log    logx.Logger

	mu       sync.Mutex
	channels map[string]struct{}
	ps       *redis.PubSub
	sup      *rtsup.Supervisor
	started  bool
	closed   bool

	received atomic.Uint64
}

// New connects to Redis and verifies the connection with a PING.
func New(ctx context.Context, cfg Config, reg *event.Registry, log logx.Logger) (*Bridge, error) {
	if reg == nil {
		return nil, errors.New("redisbus: nil registry")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		// RESP2 keeps pub/sub replies in the classic push format.
		Protocol: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisbus: ping %s: %w", cfg.Addr, err)
	}

	b := &Bridge{
		cfg:      cfg,
		client:   client,
		reg:      reg,
		log:      log.With(logx.String("comp", "redisbus")),
		channels: make(map[string]struct{}),
	}
	for _, ch := range cfg.Channels {
		if ch = strings.TrimSpace(ch); ch != "" {
			b.channels[ch] = struct{}{}
		}
	}
	return b, nil
}

// Start subscribes to every known channel and runs the receive loop until
// Close. The initial subscriptions are confirmed before Start returns.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return nil
	}

	chans := b.channelListLocked()
	ps := b.client.Subscribe(ctx, chans...)
	for range chans {
		msg, err := ps.ReceiveTimeout(ctx, ConnectTimeout)
		if err != nil {
			_ = ps.Close()
			return fmt.Errorf("redisbus: subscribe: %w", err)
		}
		if sub, ok := msg.(*redis.Subscription); ok {
			b.log.Debug("subscribed", logx.String("channel", sub.Channel))
		}
	}

	b.ps = ps
	b.sup = rtsup.New(context.Background(), rtsup.WithLogger(b.log))
	b.sup.GoRestart("redisbus.receive", func(ctx context.Context) error {
		return b.receive(ctx, ps)
	}, rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	b.started = true
	b.log.Info("redis bridge started", logx.String("addr", b.cfg.Addr), logx.Any("channels", chans))
	return nil
}

func (b *Bridge) receive(ctx context.Context, ps *redis.PubSub) error {
	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			if b.isClosed() || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch m := msg.(type) {
		case *redis.Message:
			b.received.Add(1)
			ev := &MessageEvent{
				Base:    event.NewBase(KindMessage, b.cfg.Async),
				Channel: m.Channel,
				Payload: m.Payload,
			}
			b.reg.Fire(ctx, ev, b.cfg.Async)
		case *redis.Subscription:
			b.log.Debug("subscription changed", logx.String("kind", m.Kind), logx.String("channel", m.Channel), logx.Int("count", m.Count))
		}
	}
}

// Subscribe adds channels. Before Start they are only remembered.
func (b *Bridge) Subscribe(ctx context.Context, channels ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	var added []string
	for _, ch := range channels {
		ch = strings.TrimSpace(ch)
		if ch == "" {
			continue
		}
		if _, ok := b.channels[ch]; ok {
			continue
		}
		b.channels[ch] = struct{}{}
		added = append(added, ch)
	}
	if len(added) == 0 || !b.started {
		return nil
	}
	if err := b.ps.Subscribe(ctx, added...); err != nil {
		for _, ch := range added {
			delete(b.channels, ch)
		}
		return fmt.Errorf("redisbus: subscribe %v: %w", added, err)
	}
	return nil
}

// Unsubscribe removes channels.
func (b *Bridge) Unsubscribe(ctx context.Context, channels ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	var removed []string
	for _, ch := range channels {
		if _, ok := b.channels[ch]; ok {
			delete(b.channels, ch)
			removed = append(removed, ch)
		}
	}
	if len(removed) == 0 || !b.started {
		return nil
	}
	if err := b.ps.Unsubscribe(ctx, removed...); err != nil {
		return fmt.Errorf("redisbus: unsubscribe %v: %w", removed, err)
	}
	return nil
}

// Channels lists the subscribed (or queued) channels, sorted.
func (b *Bridge) Channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channelListLocked()
}

func (b *Bridge) channelListLocked() []string {
	out := make([]string, 0, len(b.channels))
	for ch := range b.channels {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

// Publish sends payload to channel. Strings and byte slices go out as-is;
// anything else is JSON encoded.
func (b *Bridge) Publish(ctx context.Context, channel string, payload any) (int64, error) {
	if b.isClosed() {
		return 0, ErrClosed
	}
	var msg any
	switch v := payload.(type) {
	case string, []byte:
		msg = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return 0, fmt.Errorf("redisbus: encode payload: %w", err)
		}
		msg = data
	}
	n, err := b.client.Publish(ctx, channel, msg).Result()
	if err != nil {
		return 0, fmt.Errorf("redisbus: publish %q: %w", channel, err)
	}
	return n, nil
}

// Received counts messages relayed since start.
func (b *Bridge) Received() uint64 { return b.received.Load() }

func (b *Bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close stops the receive loop and closes the Redis client.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ps, sup := b.ps, b.sup
	b.mu.Unlock()

	var errs []error
	if ps != nil {
		if err := ps.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if sup != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := sup.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if err := b.client.Close(); err != nil {
		errs = append(errs, err)
	}
	b.log.Info("redis bridge stopped", logx.Uint64("received", b.received.Load()))
	return errors.Join(errs...)
}
