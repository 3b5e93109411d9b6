package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/sigil/pkg/schema"
)

// DefaultDispatchSize is the default bound on concurrent handler calls.
const DefaultDispatchSize = 4

// SchedulerConfig holds configuration for a Scheduler.
type SchedulerConfig struct {
	// MaxRounds is a fail-safe against rule bodies that request signals
	// forever. 0 means unlimited.
	MaxRounds int
	// DispatchSize bounds concurrent handler calls within a round.
	DispatchSize int
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// RuleError records one rule execution's domain failure together with the
// binding it ran under.
type RuleError struct {
	Binding Binding
	Err     error
}

// Result summarizes one completed scheduler run.
type Result struct {
	Rounds       int
	HandlerCalls int
	Signals      int
	RuleErrors   []RuleError
}

// Failed reports whether any rule execution finished with a domain failure.
func (r *Result) Failed() bool { return len(r.RuleErrors) > 0 }

// Scheduler drives a set of rule executions in lock-step rounds, batching
// the signals they declare to the registered handlers. It exists for the
// lifetime of one top-level operation and is driven by a single owner; it
// is not reentrant.
type Scheduler struct {
	handlers []schema.Handler
	cfg      SchedulerConfig
	logger   *slog.Logger
}

// NewScheduler creates a scheduler over an ordered handler list. Handler
// order is routing priority: the first handler claiming a signal services
// it, so more specific handlers go ahead of general-purpose fallbacks.
func NewScheduler(handlers []schema.Handler, cfg SchedulerConfig) *Scheduler {
	if cfg.DispatchSize <= 0 {
		cfg.DispatchSize = DefaultDispatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{handlers: handlers, cfg: cfg, logger: cfg.Logger}
}

// request tracks one execution's signals for the current round and the
// response slots being filled for its next step.
type request struct {
	exec      *Execution
	signals   []schema.Signal
	responses []any
}

// slot addresses one signal's position inside its originating request.
type slot struct {
	req *request
	idx int
}

// Run drives every execution to completion or failure and returns the run
// result. Protocol faults (unroutable signal, malformed handler response,
// handler failure, cancellation, round limit) abort the whole run and are
// returned as the error; per-rule domain failures are collected in the
// Result and never abort sibling executions.
func (s *Scheduler) Run(ctx context.Context, execs []*Execution) (*Result, error) {
	pool := NewDispatchPool(s.cfg.DispatchSize)
	defer pool.Shutdown()

	active := make([]*Execution, 0, len(execs))
	for _, ex := range execs {
		if ex != nil {
			active = append(active, ex)
		}
	}

	result := &Result{}
	responses := make(map[*Execution][]any, len(active))

	for len(active) > 0 {
		if err := ctx.Err(); err != nil {
			s.abort(active, schema.ErrCodeCancelled)
			return nil, schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(err)
		}
		if s.cfg.MaxRounds > 0 && result.Rounds >= s.cfg.MaxRounds {
			s.abort(active, schema.ErrCodeRoundLimit)
			return nil, schema.NewErrorf(schema.ErrCodeRoundLimit,
				"round limit %d reached with %d executions still active", s.cfg.MaxRounds, len(active))
		}
		result.Rounds++
		metricRounds.Inc()

		// Step phase: advance every active execution to its next suspension
		// point. Steps are quick transforms; blocking I/O only happens
		// inside handler calls.
		var (
			still    []*Execution
			requests []*request
		)
		for _, ex := range active {
			sigs, err := ex.Next(ctx, responses[ex])
			if err != nil {
				s.abort(active, schema.ErrCodeExecution)
				return nil, err
			}
			if !ex.HasNext() {
				if rerr := ex.Err(); rerr != nil {
					metricRuleFailures.Inc()
					result.RuleErrors = append(result.RuleErrors, RuleError{Binding: ex.Binding(), Err: rerr})
				}
				continue
			}
			still = append(still, ex)
			requests = append(requests, &request{
				exec:      ex,
				signals:   sigs,
				responses: make([]any, len(sigs)),
			})
		}
		active = still
		responses = make(map[*Execution][]any, len(active))

		// Route phase: partition this round's signals by the first handler
		// claiming each one.
		partSigs := make([][]schema.Signal, len(s.handlers))
		partSlots := make([][]slot, len(s.handlers))
		for _, req := range requests {
			result.Signals += len(req.signals)
			for i, sig := range req.signals {
				h := s.route(sig)
				if h < 0 {
					s.abort(active, schema.ErrCodeUnroutableSignal)
					return nil, schema.NewErrorf(schema.ErrCodeUnroutableSignal,
						"no handler claims signal kind %q", sig.Kind())
				}
				partSigs[h] = append(partSigs[h], sig)
				partSlots[h] = append(partSlots[h], slot{req: req, idx: i})
			}
		}

		// Dispatch phase: one batched call per matched handler, issued
		// concurrently. The round advances only when the slowest call
		// returns; the first failure wins and no results are delivered.
		if err := s.dispatch(ctx, pool, partSigs, partSlots, result); err != nil {
			s.abort(active, faultCode(err))
			return nil, err
		}

		for _, req := range requests {
			responses[req.exec] = req.responses
		}
	}

	s.logger.Debug("scheduler run complete",
		slog.Int("rounds", result.Rounds),
		slog.Int("handler_calls", result.HandlerCalls),
		slog.Int("signals", result.Signals),
		slog.Int("rule_errors", len(result.RuleErrors)))

	return result, nil
}

// dispatch issues one Handle call per non-empty partition and scatters each
// response list back into the originating requests, preserving per-request
// declaration order. On any failure the scatter is skipped entirely.
func (s *Scheduler) dispatch(ctx context.Context, pool *DispatchPool, partSigs [][]schema.Signal, partSlots [][]slot, result *Result) error {
	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outputs := make([][]any, len(s.handlers))
	errs := make(chan error, len(s.handlers))

	var wg sync.WaitGroup
	for h := range s.handlers {
		if len(partSigs[h]) == 0 {
			continue
		}
		result.HandlerCalls++

		handler := s.handlers[h]
		sigs := partSigs[h]
		idx := h

		wg.Add(1)
		err := pool.Submit(roundCtx, func(callCtx context.Context) {
			defer wg.Done()

			name := handlerName(handler)
			metricHandlerCalls.WithLabelValues(name).Inc()
			metricBatchSize.WithLabelValues(name).Observe(float64(len(sigs)))

			start := time.Now()
			out, callErr := handler.Handle(callCtx, sigs)
			metricHandlerDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

			if callErr != nil {
				errs <- schema.NewErrorf(schema.ErrCodeHandlerFailed,
					"handler %s failed on a batch of %d signals: %s", name, len(sigs), callErr.Error()).
					WithCause(callErr)
				cancel() // fail fast: stop sibling calls still in flight
				return
			}
			if len(out) != len(sigs) {
				errs <- schema.NewErrorf(schema.ErrCodeHandlerMalformed,
					"handler %s returned %d responses for %d signals", name, len(out), len(sigs))
				cancel()
				return
			}
			outputs[idx] = out
		})
		if err != nil {
			wg.Done()
			errs <- schema.NewErrorf(schema.ErrCodeHandlerFailed,
				"dispatch of handler %s rejected: %s", handlerName(handler), err.Error()).WithCause(err)
		}
	}

	wg.Wait()
	close(errs)

	if err := <-errs; err != nil {
		return err
	}

	// Scatter: response i of each partition answers that partition's
	// signal i, which points back at its request slot.
	for h := range s.handlers {
		for j, sl := range partSlots[h] {
			sl.req.responses[sl.idx] = outputs[h][j]
		}
	}
	return nil
}

// route returns the index of the first handler claiming the signal, or -1.
func (s *Scheduler) route(sig schema.Signal) int {
	for i, h := range s.handlers {
		if h.CanHandle(sig) {
			return i
		}
	}
	return -1
}

// abort unwinds every still-active execution so no body goroutine leaks.
func (s *Scheduler) abort(active []*Execution, code string) {
	metricProtocolFaults.WithLabelValues(code).Inc()
	for _, ex := range active {
		ex.Abort()
	}
}

func faultCode(err error) string {
	if serr, ok := err.(*schema.SigilError); ok {
		return serr.Code
	}
	return schema.ErrCodeExecution
}

// handlerName labels a handler for logs and metrics.
func handlerName(h schema.Handler) string {
	type named interface{ Name() string }
	if n, ok := h.(named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", h)
}
