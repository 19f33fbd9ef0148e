package task

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// bridgeHooks are the manager callbacks invoked after a state transition
// that needs follow-up work outside the registry lock.
type bridgeHooks interface {
	startUploadPhase(id string)
	finalize(id string)
}

// Bridge converts engine adapter events into task state transitions. It is
// the only component that consumes adapter event streams. Events for refs
// that are not registered yet are buffered briefly: adapters may emit before
// the manager has bound the ref returned from Start.
type Bridge struct {
	reg    *Registry
	hooks  bridgeHooks
	logger *slog.Logger

	mu      sync.Mutex
	refs    map[string]string // engine ref -> task id
	pending map[string]pendingRef

	bufferTTL time.Duration
}

type pendingRef struct {
	events   []EngineEvent
	deadline time.Time
}

const (
	defaultBufferTTL  = 10 * time.Second
	maxBufferedEvents = 16
)

func newBridge(reg *Registry, hooks bridgeHooks, logger *slog.Logger) *Bridge {
	return &Bridge{
		reg:       reg,
		hooks:     hooks,
		logger:    logger,
		refs:      map[string]string{},
		pending:   map[string]pendingRef{},
		bufferTTL: defaultBufferTTL,
	}
}

// BindRef associates an engine ref with a task id and replays any events
// still buffered for that ref. Expired buffers, including this ref's own,
// are swept first.
func (b *Bridge) BindRef(ref, id string) {
	b.mu.Lock()
	b.purgeLocked()
	b.refs[ref] = id
	buffered := b.pending[ref]
	delete(b.pending, ref)
	b.mu.Unlock()

	for _, ev := range buffered.events {
		b.handle(ev)
	}
}

func (b *Bridge) UnbindRef(ref string) {
	b.mu.Lock()
	delete(b.refs, ref)
	b.purgeLocked()
	b.mu.Unlock()
}

// Run consumes one adapter's event stream until the context is cancelled or
// the stream closes. A failing event never aborts the loop.
func (b *Bridge) Run(ctx context.Context, events <-chan EngineEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.handle(ev)
		}
	}
}

func (b *Bridge) handle(ev EngineEvent) {
	b.mu.Lock()
	id, ok := b.refs[ev.Ref]
	if !ok {
		b.bufferLocked(ev)
		b.purgeLocked()
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	switch ev.Type {
	case EventProgress:
		b.reg.Update(id, func(t *Task) {
			if t.State.Terminal() || t.State == StateQueued {
				return
			}
			t.Progress = Progress{Done: ev.Done, Total: ev.Total, Rate: ev.Rate}
			if ev.Rate > 0 && ev.Total > ev.Done {
				t.Progress.ETA = time.Duration((ev.Total-ev.Done)/ev.Rate) * time.Second
			}
		})

	case EventPhasePaused:
		b.reg.Update(id, func(t *Task) {
			if t.State == StateActive {
				t.State = StatePaused
			}
		})

	case EventPhaseResumed:
		b.reg.Update(id, func(t *Task) {
			if t.State == StatePaused {
				t.State = StateActive
			}
		})

	case EventPhaseDone:
		b.phaseDone(ev.Ref, id)

	case EventPhaseError:
		b.phaseError(ev.Ref, id, ev.Reason)
	}
}

func (b *Bridge) phaseDone(ref, id string) {
	const (
		outcomeNone = iota
		outcomeUpload
		outcomeDone
	)
	outcome := outcomeNone

	b.reg.Update(id, func(t *Task) {
		if t.State.Terminal() {
			return
		}
		if t.Kind == KindDownloadUpload && t.Phase == PhaseDownload {
			t.State = StateCompleting
			t.EngineRef = ""
			if t.Progress.Total > 0 {
				t.Progress.Done = t.Progress.Total
			}
			t.Progress.Rate = 0
			t.Progress.ETA = 0
			outcome = outcomeUpload
			return
		}
		t.State = StateSucceeded
		t.EngineRef = ""
		if t.Progress.Total > 0 {
			t.Progress.Done = t.Progress.Total
		}
		t.Progress.Rate = 0
		t.Progress.ETA = 0
		outcome = outcomeDone
	})
	b.UnbindRef(ref)

	switch outcome {
	case outcomeUpload:
		b.hooks.startUploadPhase(id)
	case outcomeDone:
		b.hooks.finalize(id)
	}
}

func (b *Bridge) phaseError(ref, id, reason string) {
	failed := false
	b.reg.Update(id, func(t *Task) {
		if t.State.Terminal() {
			return
		}
		t.State = StateFailed
		t.Error = reason
		t.EngineRef = ""
		failed = true
	})
	b.UnbindRef(ref)

	if failed {
		b.hooks.finalize(id)
	}
}

func (b *Bridge) bufferLocked(ev EngineEvent) {
	p := b.pending[ev.Ref]
	if len(p.events) >= maxBufferedEvents {
		return
	}
	if p.deadline.IsZero() {
		p.deadline = time.Now().Add(b.bufferTTL)
	}
	p.events = append(p.events, ev)
	b.pending[ev.Ref] = p
}

func (b *Bridge) purgeLocked() {
	now := time.Now()
	for ref, p := range b.pending {
		if now.After(p.deadline) {
			b.logger.Warn("dropping events for unknown engine ref", "ref", ref, "count", len(p.events))
			delete(b.pending, ref)
		}
	}
}
