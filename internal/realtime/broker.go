package realtime

import (
	"context"
	"sync"

	"github.com/beech80/clipt-sub000/internal/metrics"
	"github.com/beech80/clipt-sub000/pkg/log"
	"github.com/beech80/clipt-sub000/pkg/pubsub"
)

const subscriberBuffer = 64

// Broker shares one driver subscription per channel among any number of
// local subscribers. Pub/sub drivers hold a single subscription per channel,
// so every consumer in the process goes through the broker.
type Broker struct {
	ps     pubsub.PubSub
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	cancel context.CancelFunc
	subs   map[*Subscription]struct{}
}

// Subscription is a local view of a channel. C closes when the subscription
// is closed or the underlying channel drops.
type Subscription struct {
	C <-chan *pubsub.Event

	c       chan *pubsub.Event
	channel string
	broker  *Broker
	closed  bool
}

func NewBroker(ps pubsub.PubSub) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		ps:     ps,
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]*topic),
	}
}

// Publish forwards to the driver.
func (b *Broker) Publish(ctx context.Context, channel string, ev *pubsub.Event) error {
	return b.ps.Publish(ctx, channel, ev)
}

// Subscribe attaches a local subscriber to channel, opening the driver
// subscription on first use. ctx bounds the subscribe call only.
func (b *Broker) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[channel]
	if !ok {
		topicCtx, cancel := context.WithCancel(b.ctx)
		src, err := b.ps.Subscribe(topicCtx, channel)
		if err != nil {
			cancel()
			return nil, err
		}
		t = &topic{cancel: cancel, subs: make(map[*Subscription]struct{})}
		b.topics[channel] = t
		go b.fanOut(channel, t, src)
	}

	c := make(chan *pubsub.Event, subscriberBuffer)
	s := &Subscription{C: c, c: c, channel: channel, broker: b}
	t.subs[s] = struct{}{}
	return s, nil
}

// Close detaches the subscriber; the last one out closes the driver subscription.
func (s *Subscription) Close() {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.c)

	t, ok := b.topics[s.channel]
	if !ok {
		return
	}
	delete(t.subs, s)
	if len(t.subs) == 0 {
		delete(b.topics, s.channel)
		t.cancel()
		if err := b.ps.Unsubscribe(context.Background(), s.channel); err != nil {
			l := log.L()
			l.Warn().Err(err).Str(log.FieldChannel, s.channel).Msg("failed to unsubscribe channel")
		}
	}
}

func (b *Broker) fanOut(channel string, t *topic, src <-chan *pubsub.Event) {
	for ev := range src {
		b.mu.Lock()
		for s := range t.subs {
			select {
			case s.c <- ev:
			default:
				metrics.DroppedEvents.WithLabelValues("subscriber_full").Inc()
				l := log.L()
				l.Warn().Str(log.FieldChannel, channel).Str("event_type", ev.Type).Msg("local subscriber full, dropping event")
			}
		}
		b.mu.Unlock()
	}

	// Driver channel ended: close everyone still attached.
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topics[channel] == t {
		delete(b.topics, channel)
	}
	for s := range t.subs {
		if !s.closed {
			s.closed = true
			close(s.c)
		}
	}
	t.subs = nil
}

// Subscribers returns the local subscriber count for channel.
func (b *Broker) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[channel]; ok {
		return len(t.subs)
	}
	return 0
}

// Close drops every subscription and closes the driver.
func (b *Broker) Close() error {
	b.cancel()
	return b.ps.Close()
}
