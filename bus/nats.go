package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus implements MessageBus using NATS.
type NATSBus struct {
	conn   *nats.Conn
	config NATSConfig
	owned  bool
}

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	Config

	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		Name:           "taskkit",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// NewNATSBus connects to NATS and returns a bus that owns the connection.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &NATSBus{
		conn:   conn,
		config: cfg,
		owned:  true,
	}, nil
}

// NewNATSBusFromConn wraps an existing connection. Close leaves the
// connection open.
func NewNATSBusFromConn(conn *nats.Conn, cfg NATSConfig) *NATSBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &NATSBus{
		conn:   conn,
		config: cfg,
	}
}

func buildNATSOptions(cfg NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	return opts
}

// Publish sends a message to a subject.
func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}

	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Subscribe creates a subscription to a subject.
func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	s := newNATSSubscription(b.config.BufferSize)
	sub, err := b.conn.Subscribe(subject, s.handle)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	s.sub = sub
	return s, nil
}

// QueueSubscribe creates a queue subscription.
func (b *NATSBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	s := newNATSSubscription(b.config.BufferSize)
	sub, err := b.conn.QueueSubscribe(subject, queue, s.handle)
	if err != nil {
		return nil, fmt.Errorf("nats queue subscribe: %w", err)
	}
	s.sub = sub
	return s, nil
}

// Request sends a request and waits for a reply or ctx expiry.
func (b *NATSBus) Request(ctx context.Context, subject string, data []byte) (*Message, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	reply, err := b.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		switch {
		case errors.Is(err, nats.ErrNoResponders):
			return nil, ErrNoResponders
		case errors.Is(err, nats.ErrTimeout),
			errors.Is(err, context.DeadlineExceeded),
			errors.Is(err, context.Canceled):
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("nats request: %w", err)
	}

	return &Message{
		Subject: reply.Subject,
		Data:    reply.Data,
		Reply:   reply.Reply,
	}, nil
}

// Close drains the connection if the bus opened it.
func (b *NATSBus) Close() error {
	if b.owned {
		b.conn.Close()
	}
	return nil
}

// Conn returns the underlying NATS connection for advanced use.
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

// natsSubscription adapts a callback subscription to a channel.
type natsSubscription struct {
	sub *nats.Subscription

	mu     sync.Mutex
	ch     chan *Message
	closed bool
}

func newNATSSubscription(buffer int) *natsSubscription {
	return &natsSubscription{ch: make(chan *Message, buffer)}
}

func (s *natsSubscription) handle(m *nats.Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- &Message{Subject: m.Subject, Data: m.Data, Reply: m.Reply}:
	default:
		// Buffer full
	}
}

// Messages returns the message channel.
func (s *natsSubscription) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return err
	}
	return nil
}
