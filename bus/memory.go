package bus

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus using in-memory channels.
// Useful for testing and single-process deployments.
type MemoryBus struct {
	config Config

	// mu is held for reading during delivery so subscriptions cannot be
	// closed underneath a send.
	mu          sync.RWMutex
	subs        map[string][]*memorySub
	queueGroups map[string]map[string]*memoryQueue
	closed      atomic.Bool

	replyMu   sync.Mutex
	replySubs map[string]chan *Message
	replySeq  atomic.Uint64
}

type memorySub struct {
	subject string
	queue   string
	ch      chan *Message
	closed  atomic.Bool
	bus     *MemoryBus
}

type memoryQueue struct {
	members []*memorySub
	next    atomic.Uint64
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config:      cfg,
		subs:        make(map[string][]*memorySub),
		queueGroups: make(map[string]map[string]*memoryQueue),
		replySubs:   make(map[string]chan *Message),
	}
}

// Publish sends a message to all subscribers.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{
		Subject: subject,
		Data:    data,
	}

	if b.deliverToReply(subject, msg) {
		return nil
	}
	b.deliver(msg)
	return nil
}

// deliver fans msg out to plain subscribers and one member of each queue
// group. It reports whether anyone received it.
func (b *MemoryBus) deliver(msg *Message) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := false
	for _, sub := range b.subs[msg.Subject] {
		if !sub.closed.Load() {
			select {
			case sub.ch <- msg:
				delivered = true
			default:
				// Buffer full, drop message
			}
		}
	}

	for _, q := range b.queueGroups[msg.Subject] {
		if q.deliver(msg) {
			delivered = true
		}
	}
	return delivered
}

// deliver hands msg to the next member in round-robin order, skipping
// closed or full members.
func (q *memoryQueue) deliver(msg *Message) bool {
	n := len(q.members)
	if n == 0 {
		return false
	}
	start := int(q.next.Add(1) - 1)
	for i := 0; i < n; i++ {
		sub := q.members[(start+i)%n]
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.ch <- msg:
			return true
		default:
		}
	}
	return false
}

// deliverToReply completes a pending Request whose reply subject is subject.
func (b *MemoryBus) deliverToReply(subject string, msg *Message) bool {
	b.replyMu.Lock()
	ch, ok := b.replySubs[subject]
	if ok {
		delete(b.replySubs, subject)
	}
	b.replyMu.Unlock()

	if ok {
		ch <- msg
	}
	return ok
}

// Subscribe creates a subscription to a subject.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		subject: subject,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.mu.Unlock()

	return sub, nil
}

// QueueSubscribe creates a queue subscription.
func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		subject: subject,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	if b.queueGroups[subject] == nil {
		b.queueGroups[subject] = make(map[string]*memoryQueue)
	}
	q := b.queueGroups[subject][queue]
	if q == nil {
		q = &memoryQueue{}
		b.queueGroups[subject][queue] = q
	}
	q.members = append(q.members, sub)
	b.mu.Unlock()

	return sub, nil
}

// Request sends a request and waits for a reply or ctx expiry.
func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte) (*Message, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	replySubject := "_INBOX." + strconv.FormatUint(b.replySeq.Add(1), 10)
	replyCh := make(chan *Message, 1)

	b.replyMu.Lock()
	b.replySubs[replySubject] = replyCh
	b.replyMu.Unlock()

	cleanup := func() {
		b.replyMu.Lock()
		delete(b.replySubs, replySubject)
		b.replyMu.Unlock()
	}

	if !b.deliver(&Message{Subject: subject, Data: data, Reply: replySubject}) {
		cleanup()
		return nil, ErrNoResponders
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		cleanup()
		return nil, ErrTimeout
	}
}

// Close shuts down the bus.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subs {
		for _, sub := range subs {
			if !sub.closed.Swap(true) {
				close(sub.ch)
			}
		}
	}
	for _, queues := range b.queueGroups {
		for _, q := range queues {
			for _, sub := range q.members {
				if !sub.closed.Swap(true) {
					close(sub.ch)
				}
			}
		}
	}

	b.subs = nil
	b.queueGroups = nil

	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.closed.Swap(true) {
		return nil
	}

	if s.queue == "" {
		s.bus.removeSub(s.subject, s)
	} else {
		s.bus.removeQueueSub(s.subject, s.queue, s)
	}

	close(s.ch)
	return nil
}

func (b *MemoryBus) removeSub(subject string, target *memorySub) {
	subs := b.subs[subject]
	for i, sub := range subs {
		if sub == target {
			b.subs[subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (b *MemoryBus) removeQueueSub(subject, queue string, target *memorySub) {
	q := b.queueGroups[subject][queue]
	if q == nil {
		return
	}
	for i, sub := range q.members {
		if sub == target {
			q.members = append(q.members[:i], q.members[i+1:]...)
			break
		}
	}
}
