// Package redisbus implements bus.Bus over Redis pub/sub: one channel
// carries inbound command envelopes, four carry outbound acks and events.
// The publish retry/backoff shape is grounded on the teacher's Redis
// adapter (adapter/redis/redis.go): a bounded number of attempts with
// exponential backoff, each attempt scoped to its own publish timeout.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/lsst-ts/scriptqueue/bus"
	"github.com/lsst-ts/scriptqueue/busproto"
)

// Default channel names and publish tuning, mirroring the teacher's
// DefaultChannel/DefaultTimeout/DefaultRetries constants.
const (
	DefaultCommandsChannel = "scriptqueue:commands"
	DefaultAckChannel      = "scriptqueue:ack"
	DefaultQueueChannel    = "scriptqueue:queue"
	DefaultScriptChannel   = "scriptqueue:script"
	DefaultAvailChannel    = "scriptqueue:available_scripts"

	DefaultTimeout = 5 * time.Second
	DefaultRetries = 3
)

// Config configures the Redis pub/sub binding.
type Config struct {
	// URL is the Redis connection URL (required). Format:
	// redis://[:password@]host:port[/db]
	URL string

	CommandsChannel string
	AckChannel      string
	QueueChannel    string
	ScriptChannel   string
	AvailChannel    string

	// Timeout is the per-publish-attempt timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on publish failure. Zero
	// means a single attempt with no retry; DefaultRetries is not
	// substituted for it.
	Retries int
}

func (c *Config) setDefaults() error {
	if c.URL == "" {
		return errors.New("redisbus: config requires a URL")
	}
	if c.CommandsChannel == "" {
		c.CommandsChannel = DefaultCommandsChannel
	}
	if c.AckChannel == "" {
		c.AckChannel = DefaultAckChannel
	}
	if c.QueueChannel == "" {
		c.QueueChannel = DefaultQueueChannel
	}
	if c.ScriptChannel == "" {
		c.ScriptChannel = DefaultScriptChannel
	}
	if c.AvailChannel == "" {
		c.AvailChannel = DefaultAvailChannel
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Retries < 0 {
		return fmt.Errorf("redisbus: retries must be >= 0, got %d", c.Retries)
	}
	return nil
}

// Bus is the Redis pub/sub implementation of bus.Bus.
type Bus struct {
	config Config
	client *goredis.Client
	sub    *goredis.PubSub

	ctx    context.Context
	cancel context.CancelFunc

	commands chan bus.Envelope
}

// New connects to Redis and subscribes to the commands channel.
func New(ctx context.Context, cfg Config) (*Bus, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redisbus: invalid URL: %w", err)
	}

	client := goredis.NewClient(opts)
	sub := client.Subscribe(ctx, cfg.CommandsChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("redisbus: subscribe failed: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	b := &Bus{
		config:   cfg,
		client:   client,
		sub:      sub,
		ctx:      runCtx,
		cancel:   cancel,
		commands: make(chan bus.Envelope, 64),
	}
	go b.consume()
	return b, nil
}

// Commands implements bus.Bus.
func (b *Bus) Commands() <-chan bus.Envelope {
	return b.commands
}

func (b *Bus) consume() {
	defer close(b.commands)
	ch := b.sub.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			env, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				continue
			}
			select {
			case b.commands <- env:
			case <-b.ctx.Done():
				return
			}
		}
	}
}

// decodeEnvelope peeks the "kind" discriminant, mirroring ipc's
// probe-before-decode pattern, then unmarshals into the matching typed
// command.
func decodeEnvelope(payload []byte) (bus.Envelope, error) {
	var peek struct {
		Kind string `msgpack:"kind"`
	}
	if err := msgpack.Unmarshal(payload, &peek); err != nil {
		return bus.Envelope{}, fmt.Errorf("redisbus: decode kind: %w", err)
	}

	env := bus.Envelope{Kind: peek.Kind}
	var err error
	switch peek.Kind {
	case busproto.KindAdd:
		var cmd busproto.AddCommand
		err = msgpack.Unmarshal(payload, &cmd)
		env.Add = &cmd
	case busproto.KindMove:
		var cmd busproto.MoveCommand
		err = msgpack.Unmarshal(payload, &cmd)
		env.Move = &cmd
	case busproto.KindRequeue:
		var cmd busproto.RequeueCommand
		err = msgpack.Unmarshal(payload, &cmd)
		env.Requeue = &cmd
	case busproto.KindStopScripts:
		var cmd busproto.StopScriptsCommand
		err = msgpack.Unmarshal(payload, &cmd)
		env.StopScripts = &cmd
	case busproto.KindPause:
		var cmd busproto.PauseCommand
		err = msgpack.Unmarshal(payload, &cmd)
		env.Pause = &cmd
	case busproto.KindResume:
		var cmd busproto.ResumeCommand
		err = msgpack.Unmarshal(payload, &cmd)
		env.Resume = &cmd
	case busproto.KindShowQueue:
		var cmd busproto.ShowQueueCommand
		err = msgpack.Unmarshal(payload, &cmd)
		env.ShowQueue = &cmd
	case busproto.KindShowAvailableScripts:
		var cmd busproto.ShowAvailableScriptsCommand
		err = msgpack.Unmarshal(payload, &cmd)
		env.ShowAvailableScripts = &cmd
	case busproto.KindShowScript:
		var cmd busproto.ShowScriptCommand
		err = msgpack.Unmarshal(payload, &cmd)
		env.ShowScript = &cmd
	default:
		return bus.Envelope{}, fmt.Errorf("redisbus: unknown command kind %q", peek.Kind)
	}
	if err != nil {
		return bus.Envelope{}, fmt.Errorf("redisbus: decode %s: %w", peek.Kind, err)
	}
	return env, nil
}

// PublishAck implements bus.Bus.
func (b *Bus) PublishAck(ack busproto.Ack) error {
	return b.publish(b.config.AckChannel, ack)
}

// PublishQueue implements bus.Bus.
func (b *Bus) PublishQueue(event busproto.QueueEvent) error {
	return b.publish(b.config.QueueChannel, event)
}

// PublishScript implements bus.Bus.
func (b *Bus) PublishScript(event busproto.ScriptEvent) error {
	return b.publish(b.config.ScriptChannel, event)
}

// PublishAvailableScripts implements bus.Bus.
func (b *Bus) PublishAvailableScripts(event busproto.AvailableScriptsEvent) error {
	return b.publish(b.config.AvailChannel, event)
}

// publish marshals v as msgpack and PUBLISHes it to channel, retrying
// with exponential backoff on failure — the same shape as the teacher's
// Redis adapter Publish.
func (b *Bus) publish(channel string, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("redisbus: marshal: %w", err)
	}

	var lastErr error
	attempts := 1 + b.config.Retries
	for i := range attempts {
		if err := b.ctx.Err(); err != nil {
			return fmt.Errorf("redisbus: context canceled: %w", err)
		}

		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-b.ctx.Done():
				return fmt.Errorf("redisbus: context canceled during backoff: %w", b.ctx.Err())
			case <-time.After(backoff):
			}
		}

		publishCtx, cancel := context.WithTimeout(b.ctx, b.config.Timeout)
		lastErr = b.client.Publish(publishCtx, channel, body).Err()
		cancel()

		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("redisbus: publish to %s failed after %d attempts: %w", channel, attempts, lastErr)
}

// Close implements bus.Bus.
func (b *Bus) Close() error {
	b.cancel()
	_ = b.sub.Close()
	return b.client.Close()
}

var _ bus.Bus = (*Bus)(nil)
