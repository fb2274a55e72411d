package coordinator

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/taskkit/errors"
	"github.com/vinayprograms/taskkit/execution"
	"github.com/vinayprograms/taskkit/logging"
	"github.com/vinayprograms/taskkit/state"
)

// maxRecordRetries bounds compare-and-swap loops on one record.
const maxRecordRetries = 8

var _ execution.TaskExecutionService = (*Service)(nil)

// Service is a store-backed coordination backend. Any number of Service
// instances may share one StateStore; admission is decided with
// compare-and-swap writes, never with in-process locks.
type Service struct {
	store    state.StateStore
	logger   *logging.Logger
	now      func() time.Time
	sections *CriticalSections
	closed   atomic.Bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger. Default: component "coordinator".
func WithServiceLogger(l *logging.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = l
	}
}

// WithNow replaces time.Now.
func WithNow(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// WithCriticalSections lets keep-alives refresh and completions release
// critical sections held by an execution.
func WithCriticalSections(cs *CriticalSections) ServiceOption {
	return func(s *Service) {
		s.sections = cs
	}
}

// NewService creates a Service over store.
func NewService(store state.StateStore, opts ...ServiceOption) *Service {
	s := &Service{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New().WithComponent("coordinator")
	}
	return s
}

// Close stops the service from accepting requests. The store stays open.
func (s *Service) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Service) checkOpen(ctx context.Context) error {
	if s.closed.Load() {
		return errors.New(errors.ErrCodeUnavailable, "coordinator is closed")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "request abandoned")
	}
	return nil
}

// SetLimit sets how many executions of a task may run at once.
// Zero or less means unlimited.
func (s *Service) SetLimit(app, taskName string, limit int) error {
	if err := validateNames(app, taskName); err != nil {
		return err
	}
	data, err := json.Marshal(limitRecord{ConcurrencyLimit: limit})
	if err != nil {
		return errors.Wrap(err, "encode concurrency limit")
	}
	if err := s.store.Put(taskKey(limitPrefix, app, taskName), data, 0); err != nil {
		return storeError(err, "store concurrency limit")
	}
	s.logger.Info("limit_set", map[string]interface{}{
		"app":   app,
		"task":  taskName,
		"limit": limit,
	})
	return nil
}

// Limit returns the concurrency limit of a task; unknown tasks are unlimited.
func (s *Service) Limit(app, taskName string) (int, error) {
	if err := validateNames(app, taskName); err != nil {
		return 0, err
	}
	data, err := s.store.Get(taskKey(limitPrefix, app, taskName))
	if err == state.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, storeError(err, "load concurrency limit")
	}
	var rec limitRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, errors.Wrap(err, "decode concurrency limit")
	}
	return rec.ConcurrencyLimit, nil
}

// Start admits an execution. Unlimited tasks are always granted; limited
// tasks claim a free token slot or one whose holder is dead, else they are
// denied. Every start gets an execution id, denied ones included.
func (s *Service) Start(ctx context.Context, req execution.StartRequest) (execution.StartResponse, error) {
	if err := s.checkOpen(ctx); err != nil {
		return execution.StartResponse{}, err
	}
	if err := validateNames(req.ApplicationName, req.TaskName); err != nil {
		return execution.StartResponse{}, err
	}

	limit, err := s.Limit(req.ApplicationName, req.TaskName)
	if err != nil {
		return execution.StartResponse{}, err
	}

	now := s.now()
	rec := &ExecutionRecord{
		ID:                       newExecutionID(),
		ApplicationName:          req.ApplicationName,
		TaskName:                 req.TaskName,
		Status:                   StatusRunning,
		GrantStatus:              execution.GrantStatusGranted,
		DeathMode:                req.TaskDeathMode,
		OverrideThresholdSeconds: req.OverrideThresholdSeconds,
		StartedAt:                now,
		LastKeepAlive:            now,
	}
	if req.KeepAliveElapsedSeconds != nil {
		rec.KeepAliveElapsedSeconds = *req.KeepAliveElapsedSeconds
	}
	if limit <= 0 {
		rec.GrantStatus = execution.GrantStatusGrantedWithoutLimit
	}

	// The record exists before any token names it, so a concurrent starter
	// never mistakes a fresh holder for a missing one.
	if err := s.createRecord(rec); err != nil {
		return execution.StartResponse{}, err
	}

	if limit > 0 {
		tokenID, key, err := s.claimToken(rec.ApplicationName, rec.TaskName, rec.ID, limit, now)
		if err != nil {
			s.abandon(rec)
			return execution.StartResponse{}, err
		}
		if key == "" {
			rec.Status = StatusDenied
			rec.GrantStatus = execution.GrantStatusDenied
		} else {
			rec.ExecutionTokenID = tokenID
			rec.TokenKey = key
		}
		if err := s.putRecord(rec); err != nil {
			if key != "" {
				s.releaseToken(key, rec.ID)
			}
			return execution.StartResponse{}, err
		}
	}

	executionsStarted.WithLabelValues(rec.GrantStatus.String()).Inc()
	s.logger.Info("execution_admitted", map[string]interface{}{
		"app":          rec.ApplicationName,
		"task":         rec.TaskName,
		"execution_id": rec.ID,
		"grant":        rec.GrantStatus.String(),
	})

	return execution.StartResponse{
		TaskExecutionID:  rec.ID,
		ExecutionTokenID: rec.ExecutionTokenID,
		GrantStatus:      rec.GrantStatus,
	}, nil
}

// claimToken returns the token id and slot key of the claimed slot, or an
// empty key when every slot is held by a live execution.
func (s *Service) claimToken(app, taskName, executionID string, limit int, now time.Time) (string, string, error) {
	for slot := 0; slot < limit; slot++ {
		key := tokenKey(app, taskName, slot)

		claim := tokenRecord{TokenID: uuid.NewString(), ExecutionID: executionID}
		data, err := json.Marshal(claim)
		if err != nil {
			return "", "", errors.Wrap(err, "encode token")
		}
		_, err = s.store.Create(key, data)
		if err == nil {
			return claim.TokenID, key, nil
		}
		if err != state.ErrKeyExists {
			return "", "", storeError(err, "claim execution token")
		}

		kv, err := s.store.GetKeyValue(key)
		if err == state.ErrNotFound {
			continue
		}
		if err != nil {
			return "", "", storeError(err, "read execution token")
		}
		var held tokenRecord
		if err := json.Unmarshal(kv.Value, &held); err != nil {
			held = tokenRecord{}
		}
		if !s.holderGone(held.ExecutionID, now) {
			continue
		}

		if held.TokenID != "" {
			claim.TokenID = held.TokenID
		}
		data, err = json.Marshal(claim)
		if err != nil {
			return "", "", errors.Wrap(err, "encode token")
		}
		if _, err := s.store.Update(key, data, kv.Revision); err != nil {
			if err == state.ErrRevisionMismatch {
				continue
			}
			return "", "", storeError(err, "reclaim execution token")
		}
		if held.ExecutionID != "" {
			tokensReclaimed.Inc()
			s.logger.Warn("token_reclaimed", map[string]interface{}{
				"app":          app,
				"task":         taskName,
				"slot":         slot,
				"dead_holder":  held.ExecutionID,
				"execution_id": executionID,
			})
		}
		return claim.TokenID, key, nil
	}
	return "", "", nil
}

// holderGone reports whether a token holder no longer needs its slot.
// Read failures count as alive so a flaky store never doubles admission.
func (s *Service) holderGone(executionID string, now time.Time) bool {
	if executionID == "" {
		return true
	}
	rec, _, err := s.loadRecord(executionID)
	if errors.Is(err, errors.ErrCodeNotFound) {
		return true
	}
	if err != nil {
		return false
	}
	return rec.Dead(now)
}

// releaseToken frees a slot if executionID still holds it.
func (s *Service) releaseToken(key, executionID string) {
	kv, err := s.store.GetKeyValue(key)
	if err != nil {
		return
	}
	var held tokenRecord
	if err := json.Unmarshal(kv.Value, &held); err != nil || held.ExecutionID != executionID {
		return
	}
	held.ExecutionID = ""
	data, err := json.Marshal(held)
	if err != nil {
		return
	}
	if _, err := s.store.Update(key, data, kv.Revision); err != nil && err != state.ErrRevisionMismatch {
		s.logger.Warn("token_release_failed", map[string]interface{}{
			"key":          key,
			"execution_id": executionID,
			"error":        err.Error(),
		})
	}
}

// abandon marks a record that never got a decision as completed.
func (s *Service) abandon(rec *ExecutionRecord) {
	now := s.now()
	rec.Status = StatusCompleted
	rec.CompletedAt = &now
	_ = s.putRecord(rec)
}

// Complete stamps the completion time and frees the token. Completing an
// already completed execution returns the original time.
func (s *Service) Complete(ctx context.Context, req execution.CompleteRequest) (execution.CompleteResponse, error) {
	if err := s.checkOpen(ctx); err != nil {
		return execution.CompleteResponse{}, err
	}
	if req.TaskExecutionID == "" {
		return execution.CompleteResponse{}, errors.InvalidInput("task execution id is required")
	}

	var (
		completedAt time.Time
		first       bool
		slotKey     string
	)
	err := s.updateRecord(req.TaskExecutionID, func(rec *ExecutionRecord) (bool, error) {
		if rec.ApplicationName != req.ApplicationName || rec.TaskName != req.TaskName {
			return false, errors.InvalidInput("execution belongs to another task",
				errors.WithTask(rec.ApplicationName, rec.TaskName),
				errors.WithTaskExecutionID(rec.ID))
		}
		if rec.CompletedAt != nil {
			completedAt = *rec.CompletedAt
			first = false
			return false, nil
		}
		now := s.now()
		completedAt = now
		first = true
		slotKey = rec.TokenKey
		rec.Status = StatusCompleted
		rec.CompletedAt = &now
		return true, nil
	})
	if err != nil {
		return execution.CompleteResponse{}, err
	}

	if first {
		if slotKey != "" {
			s.releaseToken(slotKey, req.TaskExecutionID)
		}
		if s.sections != nil {
			s.sections.releaseExecution(req.TaskExecutionID)
		}
		executionsCompleted.Inc()
		s.logger.Info("execution_completed", map[string]interface{}{
			"app":          req.ApplicationName,
			"task":         req.TaskName,
			"execution_id": req.TaskExecutionID,
		})
	}
	return execution.CompleteResponse{CompletedAt: completedAt}, nil
}

// SendKeepAlive records a liveness signal. Signals for executions that are
// no longer running are ignored.
func (s *Service) SendKeepAlive(ctx context.Context, req execution.SendKeepAliveRequest) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	if req.TaskExecutionID == "" {
		return errors.InvalidInput("task execution id is required")
	}

	recorded := false
	err := s.updateRecord(req.TaskExecutionID, func(rec *ExecutionRecord) (bool, error) {
		if rec.Status != StatusRunning {
			return false, nil
		}
		rec.LastKeepAlive = s.now()
		recorded = true
		return true, nil
	})
	if err != nil {
		return err
	}
	if recorded {
		keepAlivesReceived.Inc()
		if s.sections != nil {
			s.sections.refresh(req.TaskExecutionID)
		}
	}
	return nil
}

// Execution returns one execution record.
func (s *Service) Execution(id string) (*ExecutionRecord, error) {
	rec, _, err := s.loadRecord(id)
	return rec, err
}

// Executions lists the records of a task, oldest first.
func (s *Service) Executions(app, taskName string) ([]ExecutionRecord, error) {
	if err := validateNames(app, taskName); err != nil {
		return nil, err
	}
	keys, err := s.store.Keys(executionPrefix + "*")
	if err != nil {
		return nil, storeError(err, "list executions")
	}
	sort.Strings(keys)

	out := []ExecutionRecord{}
	for _, key := range keys {
		data, err := s.store.Get(key)
		if err == state.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, storeError(err, "load execution")
		}
		rec, err := decodeRecord(data)
		if err != nil {
			continue
		}
		if rec.ApplicationName == app && rec.TaskName == taskName {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *Service) createRecord(rec *ExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode execution record")
	}
	if _, err := s.store.Create(executionKey(rec.ID), data); err != nil {
		return storeError(err, "create execution record")
	}
	return nil
}

func (s *Service) putRecord(rec *ExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode execution record")
	}
	if err := s.store.Put(executionKey(rec.ID), data, 0); err != nil {
		return storeError(err, "store execution record")
	}
	return nil
}

func (s *Service) loadRecord(id string) (*ExecutionRecord, uint64, error) {
	kv, err := s.store.GetKeyValue(executionKey(id))
	if err == state.ErrNotFound {
		return nil, 0, errors.NotFound("execution not found", errors.WithTaskExecutionID(id))
	}
	if err != nil {
		return nil, 0, storeError(err, "load execution record")
	}
	rec, err := decodeRecord(kv.Value)
	if err != nil {
		return nil, 0, errors.Wrap(err, "corrupt execution record", errors.WithTaskExecutionID(id))
	}
	return rec, kv.Revision, nil
}

// updateRecord applies mutate with compare-and-swap, retrying on conflicts.
// mutate returns false to leave the record unchanged.
func (s *Service) updateRecord(id string, mutate func(*ExecutionRecord) (bool, error)) error {
	for i := 0; i < maxRecordRetries; i++ {
		rec, rev, err := s.loadRecord(id)
		if err != nil {
			return err
		}
		changed, err := mutate(rec)
		if err != nil || !changed {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrap(err, "encode execution record")
		}
		_, err = s.store.Update(executionKey(id), data, rev)
		if err == nil {
			return nil
		}
		if err != state.ErrRevisionMismatch {
			return storeError(err, "update execution record")
		}
	}
	return errors.New(errors.ErrCodeResourceBusy, "execution record kept changing",
		errors.WithTaskExecutionID(id))
}

func validateNames(app, taskName string) error {
	if strings.TrimSpace(app) == "" || strings.TrimSpace(taskName) == "" {
		return errors.InvalidInput("application and task names are required")
	}
	return nil
}

// storeError maps state store failures onto coded errors.
func storeError(err error, message string) error {
	if err == state.ErrClosed {
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, message)
	}
	return errors.WrapWithCode(err, errors.ErrCodeBackend, message)
}
