package parquery

import (
	"context"
	"runtime"

	"github.com/google/uuid"
)

// maxParallelism is the largest degree of parallelism the engine accepts.
const maxParallelism = 63

// ExecutionMode selects between adaptive and forced parallel execution.
type ExecutionMode int

const (
	// ExecutionDefault lets the engine fall back to sequential execution
	// when the operator tree advertises that its parallel form is
	// inefficient.
	ExecutionDefault ExecutionMode = iota
	// ForceParallelism always executes the query with partitioned workers.
	ForceParallelism
)

// MergeKind selects how worker outputs are buffered on their way to the
// consumer.
type MergeKind int

const (
	// MergeAutoBuffered pipelines output in small batches. This is the
	// default.
	MergeAutoBuffered MergeKind = iota
	// MergeNotBuffered makes the order-preserving pipelined merge hand every
	// element to the consumer as soon as it is produced, at the cost of
	// per-element synchronization. The unordered pipelined merge still
	// publishes whole chunks.
	MergeNotBuffered
	// MergeFullyBuffered runs every worker to completion before the
	// consumer sees the first element.
	MergeFullyBuffered
)

// TaskScheduler is the work-submission sink worker tasks are handed to. The
// engine owns tasks, never threads; a scheduler may multiplex submitted tasks
// onto however many goroutines it likes, as long as each one eventually runs.
type TaskScheduler interface {
	Submit(task func())
}

// goroutineScheduler is the process-default scheduler: one goroutine per task.
type goroutineScheduler struct{}

func (goroutineScheduler) Submit(task func()) {
	go task()
}

// settingsField identifies one of the five caller-settable settings fields
// (the query id has none) for duplicate detection across a merged option
// chain.
type settingsField uint8

const (
	fieldParallelism settingsField = 1 << iota
	fieldContext
	fieldMode
	fieldMerge
	fieldScheduler
)

// Settings is the per-query configuration record. All fields are optional;
// unset fields take their defaults when execution starts.
type Settings struct {
	parallelism int
	ctx         context.Context
	mode        ExecutionMode
	merge       MergeKind
	scheduler   TaskScheduler
	queryID     uuid.UUID

	assigned settingsField
	err      error
}

// Option mutates a settings record. Options are applied in order; setting the
// same field twice anywhere along the chain is an error surfaced when the
// query executes.
type Option func(*Settings)

// set records a field assignment, failing on duplicates.
func (s *Settings) set(f settingsField) bool {
	if s.assigned&f != 0 {
		s.fail(ErrDuplicateSetting)
		return false
	}
	s.assigned |= f
	return true
}

// fail latches the first configuration error.
func (s *Settings) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

// WithParallelism sets the number of worker partitions, between 1 and 63.
func WithParallelism(n int) Option {
	return func(s *Settings) {
		if !s.set(fieldParallelism) {
			return
		}
		if n < 1 || n > maxParallelism {
			s.fail(ErrParallelismRange)
			return
		}
		s.parallelism = n
	}
}

// WithContext attaches a cancellation context honored by every worker.
func WithContext(ctx context.Context) Option {
	return func(s *Settings) {
		if !s.set(fieldContext) {
			return
		}
		if ctx == nil {
			s.fail(ErrNilArgument)
			return
		}
		s.ctx = ctx
	}
}

// WithExecutionMode sets the execution mode.
func WithExecutionMode(mode ExecutionMode) Option {
	return func(s *Settings) {
		if s.set(fieldMode) {
			s.mode = mode
		}
	}
}

// WithMerge sets how worker outputs are buffered toward the consumer.
func WithMerge(kind MergeKind) Option {
	return func(s *Settings) {
		if s.set(fieldMerge) {
			s.merge = kind
		}
	}
}

// WithScheduler sets the work-submission sink tasks are dispatched to.
func WithScheduler(sched TaskScheduler) Option {
	return func(s *Settings) {
		if !s.set(fieldScheduler) {
			return
		}
		if sched == nil {
			s.fail(ErrNilArgument)
			return
		}
		s.scheduler = sched
	}
}

// merged applies further options on top of an existing record. Fields set on
// both sides trip the duplicate-setting error.
func (s Settings) merged(opts []Option) Settings {
	out := s
	for _, opt := range opts {
		opt(&out)
	}
	return out
}

// union combines the settings of two query branches. A field set on both
// sides is the same duplicate-setting error as setting it twice on one.
func (s Settings) union(other Settings) Settings {
	out := s
	if other.err != nil && out.err == nil {
		out.err = other.err
	}
	if s.assigned&other.assigned != 0 {
		out.fail(ErrDuplicateSetting)
		return out
	}
	out.assigned |= other.assigned
	if other.assigned&fieldParallelism != 0 {
		out.parallelism = other.parallelism
	}
	if other.assigned&fieldContext != 0 {
		out.ctx = other.ctx
	}
	if other.assigned&fieldMode != 0 {
		out.mode = other.mode
	}
	if other.assigned&fieldMerge != 0 {
		out.merge = other.merge
	}
	if other.assigned&fieldScheduler != 0 {
		out.scheduler = other.scheduler
	}
	return out
}

// resolved fills defaults and stamps the query id for one execution.
func (s Settings) resolved() (Settings, error) {
	if s.err != nil {
		return s, s.err
	}
	out := s
	if out.parallelism == 0 {
		out.parallelism = min(runtime.NumCPU(), maxParallelism)
	}
	if out.ctx == nil {
		out.ctx = context.Background()
	}
	if out.scheduler == nil {
		out.scheduler = goroutineScheduler{}
	}
	out.queryID = uuid.New()
	return out, nil
}
