package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/taskkit/bus"
	"github.com/vinayprograms/taskkit/errors"
	"github.com/vinayprograms/taskkit/execution"
	"github.com/vinayprograms/taskkit/logging"
)

// Server answers coordinator requests arriving on a message bus.
// Replicas join one queue group, so each request is handled once.
type Server struct {
	bus      bus.MessageBus
	svc      *Service
	sections *CriticalSections
	logger   *logging.Logger
	queue    string

	running atomic.Bool
	mu      sync.Mutex
	subs    []bus.Subscription
	wg      sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithQueue overrides DefaultQueue.
func WithQueue(queue string) ServerOption {
	return func(s *Server) {
		s.queue = queue
	}
}

// WithServerLogger sets the logger. Default: component "coordinator.server".
func WithServerLogger(l *logging.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer creates a server for svc and sections.
func NewServer(mb bus.MessageBus, svc *Service, sections *CriticalSections, opts ...ServerOption) *Server {
	s := &Server{
		bus:      mb,
		svc:      svc,
		sections: sections,
		queue:    DefaultQueue,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New().WithComponent("coordinator.server")
	}
	return s
}

type handlerFunc func(ctx context.Context, data []byte) (interface{}, error)

// Start subscribes to every coordinator subject and serves until Stop or
// until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return errors.InvalidLifecycleState("coordinator server already started")
	}

	handlers := map[string]handlerFunc{
		SubjectExecutionStart:     s.handleStart,
		SubjectExecutionComplete:  s.handleComplete,
		SubjectExecutionKeepAlive: s.handleKeepAlive,
		SubjectCriticalStart:      s.handleCriticalStart,
		SubjectCriticalComplete:   s.handleCriticalComplete,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for subject, h := range handlers {
		sub, err := s.bus.QueueSubscribe(subject, s.queue)
		if err != nil {
			for _, existing := range s.subs {
				existing.Unsubscribe()
			}
			s.subs = nil
			s.running.Store(false)
			return errors.WrapWithCode(err, errors.ErrCodeBackend, "subscribe "+subject)
		}
		s.subs = append(s.subs, sub)
		s.wg.Add(1)
		go s.serve(ctx, subject, sub, h)
	}

	s.logger.Info("server_started", map[string]interface{}{"queue": s.queue})
	return nil
}

func (s *Server) serve(ctx context.Context, subject string, sub bus.Subscription, h handlerFunc) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			result, err := h(ctx, msg.Data)
			if err != nil {
				s.logger.Debug("request_failed", map[string]interface{}{
					"subject": subject,
					"code":    errors.Code(err).String(),
					"error":   err.Error(),
				})
			}
			if msg.Reply == "" {
				continue
			}
			if perr := s.bus.Publish(msg.Reply, encodeReply(result, err)); perr != nil {
				s.logger.Warn("reply_failed", map[string]interface{}{
					"subject": subject,
					"error":   perr.Error(),
				})
			}
		}
	}
}

// Stop unsubscribes and waits for in-flight requests to finish.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.wg.Wait()
	s.logger.Info("server_stopped")
	return nil
}

func decodeRequest(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.InvalidInput("malformed request: " + err.Error())
	}
	return nil
}

func (s *Server) handleStart(ctx context.Context, data []byte) (interface{}, error) {
	var req execution.StartRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	return s.svc.Start(ctx, req)
}

func (s *Server) handleComplete(ctx context.Context, data []byte) (interface{}, error) {
	var req execution.CompleteRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	return s.svc.Complete(ctx, req)
}

func (s *Server) handleKeepAlive(ctx context.Context, data []byte) (interface{}, error) {
	var req execution.SendKeepAliveRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	return nil, s.svc.SendKeepAlive(ctx, req)
}

func (s *Server) handleCriticalStart(ctx context.Context, data []byte) (interface{}, error) {
	var req execution.CriticalSectionRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	return s.sections.Start(ctx, req)
}

func (s *Server) handleCriticalComplete(ctx context.Context, data []byte) (interface{}, error) {
	var req execution.CriticalSectionCompleteRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	return nil, s.sections.Complete(ctx, req)
}
