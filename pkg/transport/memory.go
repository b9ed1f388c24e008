package transport

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/hashsentry/hashsentry/pkg/types"
)

const (
	memPartitions     = 3
	memBuffer         = 256
	memRetained       = 256
	memRedeliverDelay = 50 * time.Millisecond
)

// MemoryBroker is an in-process ordered, partitioned broker. Each consumer
// group receives every message of its topics; within a group, messages
// with equal keys hash to one partition drained by a single goroutine, so
// per-key order holds and a failing handler is retried in place.
//
// A bounded per-topic log is retained and replayed to groups that
// subscribe after publishing, mirroring a fresh group joining a broker at
// the oldest offset. Tests and the single-binary dev mode run on it.
type MemoryBroker struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

type memTopic struct {
	log    []retained
	groups map[string]*memGroup
}

type retained struct {
	key string
	env *types.Envelope
}

type memGroup struct {
	partitions [memPartitions]chan *types.Envelope
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		topics: make(map[string]*memTopic),
		stopCh: make(chan struct{}),
	}
}

func (b *MemoryBroker) topic(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{groups: map[string]*memGroup{}}
		b.topics[name] = t
	}
	return t
}

func partitionOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % memPartitions)
}

// Publish retains the envelope and fans it out to every subscribed group
// of the topic, on the partition selected by key.
func (b *MemoryBroker) Publish(ctx context.Context, topic, key string, env *types.Envelope) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return context.Canceled
	}
	t := b.topic(topic)
	cp := *env
	t.log = append(t.log, retained{key: key, env: &cp})
	if len(t.log) > memRetained {
		t.log = t.log[len(t.log)-memRetained:]
	}
	groups := make([]*memGroup, 0, len(t.groups))
	for _, g := range t.groups {
		groups = append(groups, g)
	}
	b.mu.Unlock()

	p := partitionOf(key)
	for _, g := range groups {
		delivery := cp
		select {
		case g.partitions[p] <- &delivery:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stopCh:
			return context.Canceled
		}
	}
	return nil
}

// Subscribe registers the group on the given topics, replays the retained
// log, and drains each partition serially. A message whose handler errors
// is retried in place after a short delay, preserving partition order.
// Subscribe blocks until ctx is cancelled or the broker closes.
func (b *MemoryBroker) Subscribe(ctx context.Context, group string, topics []string, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return context.Canceled
	}
	for _, name := range topics {
		t := b.topic(name)
		if _, ok := t.groups[group]; ok {
			continue
		}
		g := &memGroup{}
		for i := range g.partitions {
			g.partitions[i] = make(chan *types.Envelope, memBuffer)
		}
		// Replay before draining starts; the channels are buffered.
		for _, r := range t.log {
			cp := *r.env
			select {
			case g.partitions[partitionOf(r.key)] <- &cp:
			default:
			}
		}
		for i := range g.partitions {
			b.wg.Add(1)
			go b.drain(ctx, g.partitions[i], h)
		}
		t.groups[group] = g
	}
	b.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopCh:
		return nil
	}
}

func (b *MemoryBroker) drain(ctx context.Context, ch chan *types.Envelope, h Handler) {
	defer b.wg.Done()
	for {
		select {
		case env := <-ch:
			for {
				if err := h(ctx, env); err == nil {
					break
				}
				select {
				case <-time.After(memRedeliverDelay):
				case <-ctx.Done():
					return
				case <-b.stopCh:
					return
				}
			}
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		}
	}
}

// Close stops all drains. Idempotent.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stopCh)
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
