package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
)

const memorySubscriberBuffer = 256

type (
	// memoryBackend is the in-process Backend used by default and in
	// tests. It fans envelopes out per consumer group: each group receives
	// every envelope once, delivered round-robin across the group's
	// members.
	memoryBackend struct {
		mu       sync.RWMutex
		channels map[string]*memChannel
		closed   bool
	}

	memChannel struct {
		descriptor Channel
		mu         sync.Mutex
		groups     map[string]*memGroup
		history    []Envelope
		last       *Envelope
	}

	memGroup struct {
		subs []chan Envelope
		next int
	}
)

// NewMemoryBackend constructs the in-process backend.
func NewMemoryBackend() Backend {
	return &memoryBackend{channels: make(map[string]*memChannel)}
}

// CreateChannel implements Backend. Idempotent; an existing channel keeps its
// original configuration.
func (b *memoryBackend) CreateChannel(_ context.Context, ch Channel) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return spicerr.New(spicerr.KindExecution, spicerr.CodeExecution, "bus backend is closed")
	}
	if _, ok := b.channels[ch.Name]; !ok {
		b.channels[ch.Name] = &memChannel{
			descriptor: ch,
			groups:     make(map[string]*memGroup),
		}
	}
	return nil
}

// Publish implements Backend. The envelope id doubles as the backend message
// id.
func (b *memoryBackend) Publish(_ context.Context, env Envelope) (string, error) {
	b.mu.RLock()
	ch, ok := b.channels[env.ChannelName]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return "", spicerr.New(spicerr.KindExecution, spicerr.CodeExecution, "bus backend is closed")
	}
	if !ok {
		return "", spicerr.Newf(spicerr.KindValidation, spicerr.CodeValidation,
			"unknown channel %s", env.ChannelName)
	}
	if env.ID == "" {
		env.ID = "evt_" + uuid.NewString()
	}
	ch.deliver(env)
	return env.ID, nil
}

// Subscribe implements Backend.
func (b *memoryBackend) Subscribe(_ context.Context, channelName, group string) (<-chan Envelope, func(), error) {
	b.mu.RLock()
	ch, ok := b.channels[channelName]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, nil, spicerr.New(spicerr.KindExecution, spicerr.CodeExecution, "bus backend is closed")
	}
	if !ok {
		return nil, nil, spicerr.Newf(spicerr.KindValidation, spicerr.CodeValidation,
			"unknown channel %s", channelName)
	}
	if group == "" {
		group = "default"
	}
	sub := make(chan Envelope, memorySubscriberBuffer)
	ch.attach(group, sub)
	var once sync.Once
	cancel := func() {
		once.Do(func() { ch.detach(group, sub) })
	}
	return sub, cancel, nil
}

// Close implements Backend: detaches and closes every subscriber channel.
func (b *memoryBackend) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ch := range b.channels {
		ch.closeAll()
	}
	return nil
}

// deliver appends the envelope to history and hands it to one member of each
// consumer group.
func (c *memChannel) deliver(env Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = &env
	if c.descriptor.Config.EnableHistory {
		c.history = append(c.history, env)
		if size := c.descriptor.Config.HistorySize; size > 0 && len(c.history) > size {
			c.history = c.history[len(c.history)-size:]
		}
	}
	for _, g := range c.groups {
		if len(g.subs) == 0 {
			continue
		}
		sub := g.subs[g.next%len(g.subs)]
		g.next++
		offer(sub, env)
	}
}

// offer pushes env without blocking the channel lock. A slow subscriber loses
// its oldest buffered entry rather than stalling every publisher.
func offer(sub chan Envelope, env Envelope) {
	select {
	case sub <- env:
	default:
		select {
		case <-sub:
		default:
		}
		select {
		case sub <- env:
		default:
		}
	}
}

// attach registers a subscriber, replaying the last buffered entry so late
// subscribers observe it.
func (c *memChannel) attach(group string, sub chan Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[group]
	if !ok {
		g = &memGroup{}
		c.groups[group] = g
	}
	g.subs = append(g.subs, sub)
	if c.descriptor.Config.EnableHistory && c.last != nil {
		offer(sub, *c.last)
	}
}

func (c *memChannel) detach(group string, sub chan Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[group]
	if !ok {
		return
	}
	for i, s := range g.subs {
		if s == sub {
			g.subs = append(g.subs[:i], g.subs[i+1:]...)
			close(s)
			break
		}
	}
}

func (c *memChannel) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range c.groups {
		for _, s := range g.subs {
			close(s)
		}
		g.subs = nil
	}
}
