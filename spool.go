package parquery

import (
	"sync"

	"github.com/sourcegraph/conc/panics"
)

// taskGroup runs worker tasks on the configured scheduler, collects every
// failure, and turns the first one into an internal cancellation so peers
// stop pulling. Panics out of user callbacks are captured and carried as
// errors; critical runtime faults propagate and crash, as they should.
type taskGroup struct {
	cancel *cancelState
	sched  TaskScheduler
	wg     sync.WaitGroup
	mu     sync.Mutex
	errs   []error
}

func newTaskGroup(ex *executor) *taskGroup {
	return &taskGroup{
		cancel: ex.cancel,
		sched:  ex.settings.scheduler,
	}
}

// spawn submits one worker task.
func (g *taskGroup) spawn(fn func() error) {
	g.wg.Add(1)
	g.sched.Submit(func() {
		defer g.wg.Done()
		var c panics.Catcher
		c.Try(func() {
			if err := fn(); err != nil {
				g.fail(err)
			}
		})
		if r := c.Recovered(); r != nil {
			if isCriticalPanic(r.Value) {
				panic(r.Value)
			}
			g.fail(r.AsError())
		}
	})
}

// fail records a worker failure and stops the others.
func (g *taskGroup) fail(err error) {
	g.mu.Lock()
	g.errs = append(g.errs, err)
	g.mu.Unlock()
	g.cancel.cancelInternally()
}

// wait blocks until every spawned task finished and returns all failures.
func (g *taskGroup) wait() []error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.errs
}

// spoolPipelined bridges one partition to its async channel: pull, enqueue,
// flush, mark done. The channel is closed no matter how the drain ends, so
// the consumer always observes end-of-stream, and every state change pings
// the shared wake channel so a parked consumer rescans.
func spoolPipelined[T any](ex *executor, src enumerator[T], ch *asyncChannel[T], wake chan<- struct{}) error {
	defer func() {
		ch.setDone()
		ping(wake)
	}()
	defer src.close()
	var (
		v     T
		k     OrderKey
		pulls int64
	)
	for {
		ok, err := src.moveNext(&v, &k)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		pulls++
		if err := ex.cancel.poll(pulls); err != nil {
			return err
		}
		before := len(ch.chunk)
		if err := ch.enqueue(v, ex.cancel); err != nil {
			return err
		}
		if len(ch.chunk) <= before {
			// A chunk went out.
			ping(wake)
		}
	}
	if err := ch.flush(ex.cancel); err != nil {
		return err
	}
	ping(wake)
	return nil
}

// ping posts a wake signal without ever blocking. A dropped ping means the
// buffer already holds unconsumed signals, so the consumer will rescan after
// this state change regardless.
func ping(wake chan<- struct{}) {
	select {
	case wake <- struct{}{}:
	default:
	}
}

// spoolStopAndGo drains one partition completely into its private queue.
func spoolStopAndGo[T any](ex *executor, src enumerator[T], q *syncQueue[T]) error {
	defer src.close()
	var (
		v     T
		k     OrderKey
		pulls int64
	)
	for {
		ok, err := src.moveNext(&v, &k)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		pulls++
		if err := ex.cancel.poll(pulls); err != nil {
			return err
		}
		q.push(v)
	}
}

// spoolForEffect drives one partition to exhaustion for its side effects.
func spoolForEffect[T any](ex *executor, src enumerator[T], action func(T)) error {
	defer src.close()
	var (
		v     T
		k     OrderKey
		pulls int64
	)
	for {
		ok, err := src.moveNext(&v, &k)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		pulls++
		if err := ex.cancel.poll(pulls); err != nil {
			return err
		}
		action(v)
	}
}
