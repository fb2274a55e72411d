package blocks

import "time"

// RangeKind identifies the bound type of a partition.
type RangeKind int

const (
	RangeKindUnknown RangeKind = iota
	RangeKindDate
	RangeKindNumeric
)

// String returns the kind name.
func (k RangeKind) String() string {
	switch k {
	case RangeKindDate:
		return "date"
	case RangeKindNumeric:
		return "numeric"
	default:
		return "unknown"
	}
}

// Settings is the frozen result of a fluent configuration.
type Settings struct {
	RangeKind RangeKind

	FromDate         time.Time
	ToDate           time.Time
	MaxBlockTimespan time.Duration

	FromNumber          int64
	ToNumber            int64
	MaxBlockNumberRange int64

	MustReprocessFailedTasks bool
	FailedTaskDetectionRange time.Duration

	MustReprocessDeadTasks bool
	DeadTaskDetectionRange time.Duration
	TreatAsDeadAfter       time.Duration

	MaximumNumberOfBlocks int
}

// SettingsDescriptor is the fluent surface handed to callers of
// GetRangeBlocks once a range has been declared.
type SettingsDescriptor interface {
	// ReprocessFailedTasks re-offers blocks of attempts that failed within detectionRange.
	ReprocessFailedTasks(detectionRange time.Duration) SettingsDescriptor

	// ReprocessDeadTasks re-offers blocks of attempts that died within
	// detectionRange, treating an attempt as dead after treatAsDeadAfter.
	ReprocessDeadTasks(detectionRange, treatAsDeadAfter time.Duration) SettingsDescriptor

	// MaximumBlocksToGenerate caps the number of blocks returned.
	MaximumBlocksToGenerate(n int) SettingsDescriptor

	// Settings returns a copy of the accumulated settings.
	Settings() Settings
}

// Descriptor accumulates block settings. A fresh Descriptor is handed to
// each GetRangeBlocks call; start the chain with WithDateRange or
// WithNumericRange.
type Descriptor struct {
	settings Settings
}

var _ SettingsDescriptor = (*Descriptor)(nil)

// NewDescriptor returns an empty descriptor.
func NewDescriptor() *Descriptor {
	return &Descriptor{}
}

// WithDateRange declares a date partition from..to split into spans of at most maxBlockSpan.
func (d *Descriptor) WithDateRange(from, to time.Time, maxBlockSpan time.Duration) SettingsDescriptor {
	d.settings.RangeKind = RangeKindDate
	d.settings.FromDate = from
	d.settings.ToDate = to
	d.settings.MaxBlockTimespan = maxBlockSpan
	return d
}

// WithNumericRange declares a numeric partition from..to split into blocks of at most maxBlockSize.
func (d *Descriptor) WithNumericRange(from, to, maxBlockSize int64) SettingsDescriptor {
	d.settings.RangeKind = RangeKindNumeric
	d.settings.FromNumber = from
	d.settings.ToNumber = to
	d.settings.MaxBlockNumberRange = maxBlockSize
	return d
}

func (d *Descriptor) ReprocessFailedTasks(detectionRange time.Duration) SettingsDescriptor {
	d.settings.MustReprocessFailedTasks = true
	d.settings.FailedTaskDetectionRange = detectionRange
	return d
}

func (d *Descriptor) ReprocessDeadTasks(detectionRange, treatAsDeadAfter time.Duration) SettingsDescriptor {
	d.settings.MustReprocessDeadTasks = true
	d.settings.DeadTaskDetectionRange = detectionRange
	d.settings.TreatAsDeadAfter = treatAsDeadAfter
	return d
}

func (d *Descriptor) MaximumBlocksToGenerate(n int) SettingsDescriptor {
	d.settings.MaximumNumberOfBlocks = n
	return d
}

func (d *Descriptor) Settings() Settings {
	return d.settings
}
