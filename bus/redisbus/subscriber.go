package redisbus

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/lsst-ts/scriptqueue/busproto"
)

// EventSubscriber is the read-only side of the Redis binding used by
// `scriptqueue watch`: it never publishes or consumes commands, only
// relays the queue/script channels the running Engine already publishes
// to. Kept separate from Bus since a dashboard has no business holding
// the command-intake subscription a live Engine process owns.
type EventSubscriber struct {
	client *goredis.Client
	sub    *goredis.PubSub

	ctx    context.Context
	cancel context.CancelFunc

	queueEvents  chan busproto.QueueEvent
	scriptEvents chan busproto.ScriptEvent
}

// Subscribe connects to Redis and subscribes to the queue and script
// channels named by cfg (defaults applied the same way New does).
func Subscribe(ctx context.Context, cfg Config) (*EventSubscriber, error) {
	if cfg.QueueChannel == "" {
		cfg.QueueChannel = DefaultQueueChannel
	}
	if cfg.ScriptChannel == "" {
		cfg.ScriptChannel = DefaultScriptChannel
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("redisbus: config requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redisbus: invalid URL: %w", err)
	}

	client := goredis.NewClient(opts)
	sub := client.Subscribe(ctx, cfg.QueueChannel, cfg.ScriptChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("redisbus: subscribe failed: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &EventSubscriber{
		client:       client,
		sub:          sub,
		ctx:          runCtx,
		cancel:       cancel,
		queueEvents:  make(chan busproto.QueueEvent, 16),
		scriptEvents: make(chan busproto.ScriptEvent, 16),
	}
	go s.consume(cfg.QueueChannel, cfg.ScriptChannel)
	return s, nil
}

// QueueEvents returns the channel of decoded queue events.
func (s *EventSubscriber) QueueEvents() <-chan busproto.QueueEvent {
	return s.queueEvents
}

// ScriptEvents returns the channel of decoded script events.
func (s *EventSubscriber) ScriptEvents() <-chan busproto.ScriptEvent {
	return s.scriptEvents
}

func (s *EventSubscriber) consume(queueChannel, scriptChannel string) {
	defer close(s.queueEvents)
	defer close(s.scriptEvents)

	ch := s.sub.Channel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			switch msg.Channel {
			case queueChannel:
				var event busproto.QueueEvent
				if err := msgpack.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case s.queueEvents <- event:
				case <-s.ctx.Done():
					return
				}
			case scriptChannel:
				var event busproto.ScriptEvent
				if err := msgpack.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case s.scriptEvents <- event:
				case <-s.ctx.Done():
					return
				}
			}
		}
	}
}

// Close releases the subscriber's transport resources.
func (s *EventSubscriber) Close() error {
	s.cancel()
	_ = s.sub.Close()
	return s.client.Close()
}
