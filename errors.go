package parquery

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

// Sentinel errors surfaced by terminal operations and settings validation.
var (
	// ErrEmptySequence is returned by Single and SingleMatch when no element
	// matches. Min, Max and Average report an empty query as None instead.
	ErrEmptySequence = errors.New("parquery: sequence contains no elements")

	// ErrMoreThanOneElement is returned by Single when more than one element
	// satisfies the predicate.
	ErrMoreThanOneElement = errors.New("parquery: sequence contains more than one matching element")

	// ErrDuplicateSetting is returned when the same settings field is set
	// more than once across a query's option chain.
	ErrDuplicateSetting = errors.New("parquery: query setting specified more than once")

	// ErrParallelismRange is returned when the requested degree of
	// parallelism falls outside 1..63.
	ErrParallelismRange = errors.New("parquery: degree of parallelism must be between 1 and 63")

	// ErrOverflow is returned by the integer Sum terminals when the
	// accumulator exceeds the bounds of its type. Count accumulates in int64
	// and does not check for overflow.
	ErrOverflow = errors.New("parquery: arithmetic overflow")

	// ErrIndexOutOfRange is returned by ElementAt for a nonexistent index.
	ErrIndexOutOfRange = errors.New("parquery: index out of range")

	// ErrNilArgument is returned by operator constructors handed a nil
	// selector, predicate or source.
	ErrNilArgument = errors.New("parquery: argument must not be nil")

	// ErrNegativeCount is returned by Limit and Skip for a negative count.
	ErrNegativeCount = errors.New("parquery: count must not be negative")

	// ErrPartitionCount is returned when caller-supplied partitions do not
	// match the configured degree of parallelism, or when one of them is
	// nil.
	ErrPartitionCount = errors.New("parquery: supplied partitions do not match the degree of parallelism")
)

// CanceledError reports that query execution was canceled through the
// caller-supplied context. It unwraps to context.Canceled (or the context's
// cause) so errors.Is keeps working.
type CanceledError struct {
	// Ctx is the external context whose cancellation stopped the query.
	Ctx context.Context
}

func (e *CanceledError) Error() string {
	return "parquery: query canceled"
}

func (e *CanceledError) Unwrap() error {
	if e.Ctx != nil {
		if cause := context.Cause(e.Ctx); cause != nil {
			return cause
		}
	}
	return context.Canceled
}

// AggregateError collects the failures of every worker that faulted during a
// parallel execution. The first error doubles as the primary cause.
type AggregateError struct {
	Errs []error
}

func (e *AggregateError) Error() string {
	if len(e.Errs) == 1 {
		return "parquery: query faulted: " + e.Errs[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "parquery: query faulted with %d errors:", len(e.Errs))
	for _, err := range e.Errs {
		sb.WriteString("\n\t")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

func (e *AggregateError) Unwrap() []error {
	return e.Errs
}

// errCanceledInternally marks a worker stop caused by the engine's own
// cancellation (consumer dispose, peer failure). It never reaches callers:
// the driver either swallows it or replaces it with the real failure.
var errCanceledInternally = errors.New("parquery: canceled internally")

// isCriticalPanic reports whether a recovered panic value is one the engine
// must not convert into an ordinary query error. Runtime faults (nil
// dereference, index out of range, OOM-shaped failures) crash-propagate
// intact; only user-callback panics are captured and aggregated.
func isCriticalPanic(v any) bool {
	if _, ok := v.(runtime.Error); ok {
		return true
	}
	if err, ok := v.(error); ok {
		var re runtime.Error
		return errors.As(err, &re)
	}
	return false
}

// wrapCallbackPanic converts a recovered user-callback panic into an error
// carrying the panic value. Critical panics are re-raised.
func wrapCallbackPanic(v any) error {
	if isCriticalPanic(v) {
		panic(v)
	}
	if err, ok := v.(error); ok {
		return errors.Wrap(err, "parquery: user callback panicked")
	}
	return errors.Errorf("parquery: user callback panicked: %v", v)
}
