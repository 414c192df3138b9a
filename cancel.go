package parquery

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
)

// pollInterval controls how often enumerators check for cancellation: every
// pull whose low six bits are all set, i.e. once per 64 elements.
const pollInterval = 63

// cancelState merges the caller-supplied context with the engine's internal
// cancellation into one context that every worker watches. The internal side
// fires when the consumer disposes early or when a peer worker faults; the
// external side is whatever the caller passed through WithContext.
type cancelState struct {
	external context.Context
	merged   context.Context
	cancel   context.CancelCauseFunc

	// topLevelDisposed flips once the consumer has abandoned the query. No
	// worker reads it: workers stop with the internal cancellation marker,
	// which classify swallows.
	topLevelDisposed atomic.Bool
}

// newCancelState derives the merged context from the external one.
func newCancelState(external context.Context) *cancelState {
	if external == nil {
		external = context.Background()
	}
	merged, cancel := context.WithCancelCause(external)
	return &cancelState{
		external: external,
		merged:   merged,
		cancel:   cancel,
	}
}

// cancelInternally fires the internal side of the merged token.
func (cs *cancelState) cancelInternally() {
	cs.cancel(errCanceledInternally)
}

// dispose marks the consumer as gone and cancels whatever is still running.
func (cs *cancelState) dispose() {
	cs.topLevelDisposed.Store(true)
	cs.cancelInternally()
}

// canceled reports whether the merged token has fired.
func (cs *cancelState) canceled() bool {
	return cs.merged.Err() != nil
}

// externalCanceled reports whether the cancellation originated from the
// caller's context rather than the engine's own.
func (cs *cancelState) externalCanceled() bool {
	return cs.external.Err() != nil
}

// err translates the merged token's state into the error a worker should
// stop with: a CanceledError when the caller canceled, the internal marker
// otherwise, nil while still live.
func (cs *cancelState) err() error {
	if cs.merged.Err() == nil {
		return nil
	}
	if cs.externalCanceled() {
		return &CanceledError{Ctx: cs.external}
	}
	return errCanceledInternally
}

// poll checks the merged token on every 64th pull. Enumerators thread their
// running pull count through it.
func (cs *cancelState) poll(pulls int64) error {
	if pulls&pollInterval != pollInterval {
		return nil
	}
	return cs.err()
}

// classify folds the errors collected from all workers into the single error
// the consumer sees. Cancellation-only outcomes collapse to one CanceledError
// when the external token fired and to nil (swallowed) when only the
// consumer's dispose fired; anything else is aggregated.
func (cs *cancelState) classify(errs []error) error {
	var real []error
	var canceled *CanceledError
	for _, err := range errs {
		switch {
		case err == nil:
		case errors.Is(err, errCanceledInternally):
		case isCancellation(err):
			if canceled == nil {
				canceled = &CanceledError{Ctx: cs.external}
			}
		default:
			real = append(real, err)
		}
	}
	switch {
	case len(real) > 0:
		return &AggregateError{Errs: real}
	case canceled != nil:
		return canceled
	case cs.externalCanceled():
		return &CanceledError{Ctx: cs.external}
	default:
		return nil
	}
}

// isCancellation reports whether err is any flavor of cancellation.
func isCancellation(err error) bool {
	var ce *CanceledError
	return errors.As(err, &ce) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
