package stream

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// DefaultRelayChannel is the Redis channel events are relayed on.
const DefaultRelayChannel = "board:events"

// relayEnvelope tags an event with the instance that produced it so the
// producer does not broadcast its own events twice.
type relayEnvelope struct {
	Origin string       `json:"origin"`
	Event  domain.Event `json:"event"`
}

// Broadcaster receives relayed events.
type Broadcaster interface {
	Broadcast(ev domain.Event) int
}

// RedisPublisher publishes board events to a Redis channel.
type RedisPublisher struct {
	rc       *redis.Client
	channel  string
	instance string
	logger   *log.Logger
}

func NewRedisPublisher(rc *redis.Client, channel, instance string, logger *log.Logger) *RedisPublisher {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisPublisher{rc: rc, channel: channel, instance: instance, logger: logger}
}

// Emit publishes ev. Failures are logged; fan-out is best effort.
func (p *RedisPublisher) Emit(ctx context.Context, ev domain.Event) {
	data, err := sonic.Marshal(relayEnvelope{Origin: p.instance, Event: ev})
	if err != nil {
		p.logger.WithError(err).WithField("event", ev.Type).Error("encode relay envelope")
		return
	}
	if err := p.rc.Publish(ctx, p.channel, data).Err(); err != nil {
		p.logger.WithError(err).WithField("event", ev.Type).Error("publish event")
	}
}

// Relay subscribes to the relay channel and re-broadcasts events produced by
// other instances.
type Relay struct {
	rc        *redis.Client
	channel   string
	instance  string
	target    Broadcaster
	logger    *log.Logger
	reconnect time.Duration

	readyOnce sync.Once
	ready     chan struct{}
}

func NewRelay(rc *redis.Client, channel, instance string, target Broadcaster, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &Relay{
		rc:        rc,
		channel:   channel,
		instance:  instance,
		target:    target,
		logger:    logger,
		reconnect: time.Second,
		ready:     make(chan struct{}),
	}
}

// Ready is closed once the first subscription is confirmed.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// Run relays until ctx is done, resubscribing when the channel is lost.
func (r *Relay) Run(ctx context.Context) {
	for {
		r.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.reconnect):
		}
	}
}

func (r *Relay) listen(ctx context.Context) {
	sub := r.rc.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			r.logger.WithError(err).Error("subscribe to relay channel")
		}
		return
	}
	r.readyOnce.Do(func() { close(r.ready) })

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env relayEnvelope
			if err := sonic.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.WithError(err).Error("unable to parse relayed event")
				continue
			}
			if env.Origin == r.instance {
				continue
			}
			r.target.Broadcast(env.Event)
		}
	}
}
