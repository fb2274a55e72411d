package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vinayprograms/taskkit/bus"
	"github.com/vinayprograms/taskkit/errors"
	"github.com/vinayprograms/taskkit/execution"
)

// DefaultRequestTimeout bounds a request when the caller's context has no
// deadline.
const DefaultRequestTimeout = 10 * time.Second

var (
	_ execution.TaskExecutionService   = (*Client)(nil)
	_ execution.CriticalSectionService = (*SectionClient)(nil)
)

// Client reaches coordinators over a message bus.
type Client struct {
	bus     bus.MessageBus
	timeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient creates a client over mb.
func NewClient(mb bus.MessageBus, opts ...ClientOption) *Client {
	c := &Client{bus: mb, timeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start asks a coordinator to admit an execution.
func (c *Client) Start(ctx context.Context, req execution.StartRequest) (execution.StartResponse, error) {
	var resp execution.StartResponse
	err := c.call(ctx, SubjectExecutionStart, req, &resp)
	return resp, err
}

// Complete reports the end of an execution.
func (c *Client) Complete(ctx context.Context, req execution.CompleteRequest) (execution.CompleteResponse, error) {
	var resp execution.CompleteResponse
	err := c.call(ctx, SubjectExecutionComplete, req, &resp)
	return resp, err
}

// SendKeepAlive publishes a liveness signal without waiting for a reply.
func (c *Client) SendKeepAlive(ctx context.Context, req execution.SendKeepAliveRequest) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "keep-alive abandoned")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "encode keep-alive")
	}
	if err := c.bus.Publish(SubjectExecutionKeepAlive, data); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeBackend, "publish keep-alive")
	}
	return nil
}

// CriticalSections returns a critical section client sharing c's bus.
func (c *Client) CriticalSections() *SectionClient {
	return &SectionClient{client: c}
}

// SectionClient requests critical sections from coordinators.
type SectionClient struct {
	client *Client
}

// Start asks for the critical section of a task.
func (s *SectionClient) Start(ctx context.Context, req execution.CriticalSectionRequest) (execution.CriticalSectionResponse, error) {
	var resp execution.CriticalSectionResponse
	err := s.client.call(ctx, SubjectCriticalStart, req, &resp)
	return resp, err
}

// Complete releases the critical section of a task.
func (s *SectionClient) Complete(ctx context.Context, req execution.CriticalSectionCompleteRequest) error {
	return s.client.call(ctx, SubjectCriticalComplete, req, nil)
}

func (c *Client) call(ctx context.Context, subject string, req, resp interface{}) error {
	data, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.bus.Request(ctx, subject, data)
	switch {
	case err == nil:
	case err == bus.ErrTimeout:
		if cerr := ctx.Err(); cerr == context.Canceled {
			return errors.Wrap(cerr, subject+" canceled")
		}
		return errors.WrapWithCode(err, errors.ErrCodeTimeout, subject+" timed out")
	case err == bus.ErrClosed:
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, subject+" failed", errors.WithRetryable(false))
	default:
		return errors.WrapWithCode(err, errors.ErrCodeBackend, subject+" failed")
	}

	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeBackend, "malformed reply on "+subject)
	}
	if env.Error != nil {
		return env.Error
	}
	if resp == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, resp); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeBackend, "malformed result on "+subject)
	}
	return nil
}
