package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskkit/errors"
)

// KeepAlive sends liveness signals for one running execution.
//
// The first signal goes out as soon as Start is called. After that the loop
// wakes every Poll, exits if Done reports true, and sends another signal once
// more than Interval has passed since the previous one.
type KeepAlive struct {
	send        func(ctx context.Context) error
	done        func() bool
	onError     func(err error)
	interval    time.Duration
	poll        time.Duration
	sendTimeout time.Duration
	clock       Clock

	sent atomic.Int64

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewKeepAlive creates a keep-alive loop. It does nothing until Start.
func NewKeepAlive(cfg KeepAliveConfig) (*KeepAlive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	defaults := DefaultKeepAliveConfig()
	if cfg.Interval == 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Poll == 0 {
		cfg.Poll = defaults.Poll
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaults.SendTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = WallClock()
	}

	return &KeepAlive{
		send:        cfg.Send,
		done:        cfg.Done,
		onError:     cfg.OnError,
		interval:    cfg.Interval,
		poll:        cfg.Poll,
		sendTimeout: cfg.SendTimeout,
		clock:       cfg.Clock,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start launches the loop. A KeepAlive can be started once.
func (k *KeepAlive) Start(ctx context.Context) error {
	if k.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	go k.run(ctx)
	return nil
}

func (k *KeepAlive) run(ctx context.Context) {
	defer close(k.doneCh)

	last := k.clock.Now()
	k.signal(ctx)

	for {
		if k.done() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-k.stopCh:
			return
		case <-k.clock.After(k.poll):
		}

		if k.done() {
			return
		}

		now := k.clock.Now()
		if now.Sub(last) > k.interval {
			k.signal(ctx)
			last = now
		}
	}
}

// signal sends once. Errors and panics go to OnError and never end the loop.
func (k *KeepAlive) signal(ctx context.Context) {
	sendCtx, cancel := context.WithTimeout(ctx, k.sendTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil && k.onError != nil {
			k.onError(errors.RecoverPanic(r))
		}
	}()

	k.sent.Add(1)
	if err := k.send(sendCtx); err != nil && k.onError != nil {
		k.onError(err)
	}
}

// Stop ends the loop and waits for it to exit. An in-flight Send finishes first.
func (k *KeepAlive) Stop() error {
	if !k.running.Load() {
		return ErrNotStarted
	}
	k.stopOnce.Do(func() { close(k.stopCh) })
	<-k.doneCh
	return nil
}

// Wait blocks until the loop has exited.
func (k *KeepAlive) Wait() {
	if !k.running.Load() {
		return
	}
	<-k.doneCh
}

// Sent returns the number of signals attempted so far.
func (k *KeepAlive) Sent() int {
	return int(k.sent.Load())
}
