package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rendis/sigil/pkg/schema"
)

// errAborted is the sentinel panic used to unwind the body goroutine when a
// run is torn down before the body finishes.
var errAborted = fmt.Errorf("sigil: execution aborted")

// yieldMsg is what the body goroutine hands back to the driver: either the
// signals declared before the next suspension, or the final outcome.
type yieldMsg struct {
	signals []schema.Signal
	pending []*Pending
	done    bool
	err     error
}

// Execution is one resumable run of a rule body bound to one
// (document x field x rule) binding.
//
// The body runs on its own goroutine and parks at each Scope.Block; Next
// unparks it with the previous round's answers and collects the next batch
// of declared signals. Side effects between suspension points therefore run
// exactly once, and declared order is preserved for response correlation.
type Execution struct {
	binding Binding
	body    RuleBody
	scope   *Scope

	resume  chan struct{}
	yield   chan yieldMsg
	quit    chan struct{}
	stopped sync.Once

	started bool
	done    bool
	pending []*Pending
	ruleErr error
}

// NewExecution creates an execution for one rule binding. The body does not
// start running until the first Next call.
func NewExecution(binding Binding, body RuleBody) *Execution {
	e := &Execution{
		binding: binding,
		body:    body,
		resume:  make(chan struct{}),
		yield:   make(chan yieldMsg, 1),
		quit:    make(chan struct{}),
	}
	e.scope = &Scope{Binding: binding, exec: e}
	return e
}

// Binding returns the execution's rule binding.
func (e *Execution) Binding() Binding { return e.binding }

// HasNext reports whether the execution needs more rounds. An execution
// that has not started yet always reports true.
func (e *Execution) HasNext() bool { return !e.done }

// Err returns the domain failure the body finished with, if any. Domain
// failures are valid per-rule output: they retire this execution without
// touching its siblings, and are never returned by Next.
func (e *Execution) Err() error { return e.ruleErr }

// Next drives the body forward: it feeds the answers for the previous
// round's signals back into the paused body (in declared order) and runs it
// either to completion or to its next Block, returning the signals declared
// before that boundary. The first call must pass an empty response list.
//
// Only protocol-level faults are returned as errors; a body's own failure
// finishes the execution and is reported via Err.
func (e *Execution) Next(ctx context.Context, responses []any) ([]schema.Signal, error) {
	if e.done {
		return nil, schema.NewError(schema.ErrCodeExecution, "execution already finished")
	}

	if !e.started {
		if len(responses) != 0 {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"first step must carry no responses, got %d", len(responses))
		}
		e.started = true
		go e.run(ctx)
	} else {
		if len(responses) != len(e.pending) {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"expected %d responses, got %d", len(e.pending), len(responses))
		}
		// Fill the handles before unparking: the channel send below orders
		// these writes ahead of the body's reads.
		for i, p := range e.pending {
			p.value = responses[i]
			p.resolved = true
		}
		e.pending = nil

		select {
		case e.resume <- struct{}{}:
		case <-ctx.Done():
			e.Abort()
			return nil, schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(ctx.Err())
		}
	}

	select {
	case msg := <-e.yield:
		if msg.done {
			e.done = true
			e.ruleErr = msg.err
			return nil, nil
		}
		e.pending = msg.pending
		return msg.signals, nil
	case <-ctx.Done():
		e.Abort()
		return nil, schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(ctx.Err())
	}
}

// Abort unwinds the body goroutine of an unfinished execution. Idempotent;
// used when the run is torn down by a protocol fault or cancellation.
func (e *Execution) Abort() {
	e.stopped.Do(func() { close(e.quit) })
	e.done = true
}

// run hosts the body on its own goroutine.
func (e *Execution) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok && err == errAborted {
				return
			}
			e.deliver(yieldMsg{done: true, err: recoveredError(r)})
		}
	}()

	err := e.body(ctx, e.scope)
	e.deliver(yieldMsg{done: true, err: err})
}

// suspend parks the body goroutine until the driver resumes it. Called only
// from Scope.Block on the body goroutine.
func (e *Execution) suspend(sigs []schema.Signal, pending []*Pending) {
	if !e.deliver(yieldMsg{signals: sigs, pending: pending}) {
		panic(errAborted)
	}
	select {
	case <-e.resume:
	case <-e.quit:
		panic(errAborted)
	}
}

// deliver hands a message to the driver. Returns false when the execution
// was aborted and nobody will read it.
func (e *Execution) deliver(msg yieldMsg) bool {
	select {
	case e.yield <- msg:
		return true
	case <-e.quit:
		return false
	}
}

// recoveredError normalizes a body panic into a domain error. Each panic
// surfaces exactly once, from the Next call during which it occurred.
func recoveredError(r any) error {
	if err, ok := r.(error); ok {
		return schema.NewErrorf(schema.ErrCodeRuleFailed, "rule body panic: %s", err.Error()).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeRuleFailed, "rule body panic: %v", r)
}
