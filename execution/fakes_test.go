package execution

import (
	"context"
	"sync"
	"time"

	"github.com/vinayprograms/taskkit/blocks"
	"github.com/vinayprograms/taskkit/heartbeat"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeService records every call made against the backend.
type fakeService struct {
	mu    sync.Mutex
	clock heartbeat.Clock

	startResp   StartResponse
	startErr    error
	completeErr error
	keepErr     error

	starts     []StartRequest
	completes  []CompleteRequest
	keepAlives []time.Time
}

func newFakeService(status GrantStatus) *fakeService {
	return &fakeService{
		clock: heartbeat.WallClock(),
		startResp: StartResponse{
			TaskExecutionID:  "exec-1",
			ExecutionTokenID: "token-1",
			GrantStatus:      status,
		},
	}
}

func (f *fakeService) Start(ctx context.Context, req StartRequest) (StartResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, req)
	if f.startErr != nil {
		return StartResponse{}, f.startErr
	}
	return f.startResp, nil
}

func (f *fakeService) Complete(ctx context.Context, req CompleteRequest) (CompleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes = append(f.completes, req)
	if f.completeErr != nil {
		return CompleteResponse{}, f.completeErr
	}
	return CompleteResponse{CompletedAt: epoch.Add(time.Hour)}, nil
}

func (f *fakeService) SendKeepAlive(ctx context.Context, req SendKeepAliveRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepAlives = append(f.keepAlives, f.clock.Now())
	return f.keepErr
}

func (f *fakeService) counts() (starts, completes, keepAlives int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts), len(f.completes), len(f.keepAlives)
}

func (f *fakeService) lastComplete() CompleteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completes[len(f.completes)-1]
}

func (f *fakeService) keepAliveTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, len(f.keepAlives))
	copy(out, f.keepAlives)
	return out
}

// fakeCriticalSections grants the section to one holder at a time.
type fakeCriticalSections struct {
	mu       sync.Mutex
	holder   string
	startErr error
	blank    bool
	starts   []CriticalSectionRequest
	releases []CriticalSectionCompleteRequest
}

func (f *fakeCriticalSections) Start(ctx context.Context, req CriticalSectionRequest) (CriticalSectionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, req)
	if f.startErr != nil {
		return CriticalSectionResponse{}, f.startErr
	}
	if f.blank {
		return CriticalSectionResponse{}, nil
	}
	if f.holder != "" && f.holder != req.TaskExecutionID {
		return CriticalSectionResponse{GrantStatus: GrantStatusDenied}, nil
	}
	f.holder = req.TaskExecutionID
	return CriticalSectionResponse{GrantStatus: GrantStatusGranted}, nil
}

func (f *fakeCriticalSections) Complete(ctx context.Context, req CriticalSectionCompleteRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, req)
	if f.holder == req.TaskExecutionID {
		f.holder = ""
	}
	return nil
}

func (f *fakeCriticalSections) release() {
	f.mu.Lock()
	f.holder = ""
	f.mu.Unlock()
}

// fakeFactory captures the last request and returns one block per call.
type fakeFactory struct {
	mu      sync.Mutex
	date    []blocks.DateRangeRequest
	numeric []blocks.NumericRangeRequest
	err     error
}

type fakeBlock struct {
	block blocks.RangeBlock
}

func (b *fakeBlock) Block() blocks.RangeBlock                     { return b.block }
func (b *fakeBlock) Start(ctx context.Context) error              { return nil }
func (b *fakeBlock) Complete(ctx context.Context) error           { return nil }
func (b *fakeBlock) Failed(ctx context.Context, msg string) error { return nil }

func (f *fakeFactory) GenerateDateRangeBlocks(ctx context.Context, req blocks.DateRangeRequest) ([]blocks.RangeBlockContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.date = append(f.date, req)
	if f.err != nil {
		return nil, f.err
	}
	return []blocks.RangeBlockContext{&fakeBlock{block: blocks.RangeBlock{
		ID: "d1", Kind: blocks.RangeKindDate, FromDate: req.RangeBegin, ToDate: req.RangeEnd,
	}}}, nil
}

func (f *fakeFactory) GenerateNumericRangeBlocks(ctx context.Context, req blocks.NumericRangeRequest) ([]blocks.RangeBlockContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.numeric = append(f.numeric, req)
	if f.err != nil {
		return nil, f.err
	}
	return []blocks.RangeBlockContext{&fakeBlock{block: blocks.RangeBlock{
		ID: "n1", Kind: blocks.RangeKindNumeric, FromNumber: req.RangeBegin, ToNumber: req.RangeEnd,
	}}}, nil
}

// unknownKind is a settings descriptor that never declares a range.
type unknownKind struct{}

func (unknownKind) ReprocessFailedTasks(time.Duration) blocks.SettingsDescriptor { return unknownKind{} }
func (unknownKind) ReprocessDeadTasks(time.Duration, time.Duration) blocks.SettingsDescriptor {
	return unknownKind{}
}
func (unknownKind) MaximumBlocksToGenerate(int) blocks.SettingsDescriptor { return unknownKind{} }
func (unknownKind) Settings() blocks.Settings                             { return blocks.Settings{} }
