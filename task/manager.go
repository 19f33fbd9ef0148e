package task

import (
	"context"
	"fmt"
	"log/slog"

	"transferd/config"
	"transferd/notify"
)

// Engines maps transfer phases to their adapters. Upload may be nil when
// the deployment only mirrors downloads.
type Engines struct {
	Download EngineAdapter
	Upload   EngineAdapter
}

// Manager owns the task lifecycle: admission, phase chaining, cancellation
// and startup replay. All shared state lives in the Registry; the manager
// never holds a lock across an engine call.
type Manager struct {
	cfg      *config.Config
	logger   *slog.Logger
	reg      *Registry
	adm      *Admission
	bridge   *Bridge
	rec      RecoveryLog
	engines  Engines
	notifier notify.Notifier

	ctx context.Context
}

func NewManager(cfg *config.Config, engines Engines, rec RecoveryLog, notifier notify.Notifier, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		reg:      NewRegistry(),
		rec:      rec,
		engines:  engines,
		notifier: notifier,
		ctx:      context.Background(),
	}

	gate := ResourceGate(ResourceThresholds{
		MinIdleCPU:  cfg.ThrottleCPU,
		MinFreeMem:  cfg.ThrottleFreeMem,
		MinFreeDisk: cfg.ThrottleFreeDisk,
		DiskPath:    cfg.DownloadDir,
	}, logger)
	m.adm = NewAdmission(cfg.MaxActive, cfg.MaxActivePerOwner, cfg.MaxQueuedPerOwner, gate, logger)
	m.bridge = newBridge(m.reg, m, logger)
	return m
}

// Start launches the bridge loops for each configured engine. The context
// bounds every adapter call the manager makes afterwards.
func (m *Manager) Start(ctx context.Context) {
	m.ctx = ctx
	if m.engines.Download != nil {
		go m.bridge.Run(ctx, m.engines.Download.Events())
	}
	if m.engines.Upload != nil && m.engines.Upload != m.engines.Download {
		go m.bridge.Run(ctx, m.engines.Upload.Events())
	}
	m.logger.Info("task manager started",
		"max_active", m.cfg.MaxActive,
		"max_active_per_owner", m.cfg.MaxActivePerOwner)
}

// Submit registers a new task and either starts it or leaves it queued.
// ErrCapacity is returned only when the owner's queue depth cap is hit; in
// that case no task is created at all, so no reader ever sees a rejected
// task, not even transiently.
func (m *Manager) Submit(spec Spec) (Task, error) {
	var t Task
	started, err := m.adm.Admit(spec.Owner, func() string {
		t = m.reg.Create(spec)
		return t.ID
	})
	if err != nil {
		return Task{}, err
	}
	if started {
		m.claimSlot(t.ID)
		m.startPhase(t.ID, firstPhase(t.Kind))
	}

	snap, _ := m.reg.Get(t.ID)
	m.logger.Info("task submitted", "task_id", t.ID, "kind", t.Kind, "owner", t.Owner, "state", snap.State)
	return snap, nil
}

// Get returns a snapshot of a single task.
func (m *Manager) Get(id string) (Task, bool) { return m.reg.Get(id) }

// List returns snapshots of all live tasks, or of one owner's tasks when
// owner is non-empty.
func (m *Manager) List(owner string) []Task {
	if owner == "" {
		return m.reg.ListAll()
	}
	return m.reg.ListByOwner(owner)
}

// Cancel transitions the task to Cancelled. The engine stop is best
// effort: the task leaves admission and status views immediately even if
// the engine-side job lingers.
func (m *Manager) Cancel(ctx context.Context, id, requester string) error {
	t, ok := m.reg.Get(id)
	if !ok {
		return ErrNotFound
	}
	if err := m.authorize(t, requester); err != nil {
		return err
	}
	if t.State.Terminal() {
		return fmt.Errorf("cannot cancel task in state: %s", t.State)
	}

	if t.State == StateQueued {
		changed := false
		m.reg.Update(id, func(t *Task) {
			if t.State == StateQueued {
				t.State = StateCancelled
				changed = true
			}
		})
		if changed {
			promos, found := m.adm.Dequeue(id)
			if !found {
				// A promotion already pulled the task out of the queue and
				// is starting it right now. Its start path observes the
				// cancelled state, stops any engine job it created and
				// returns the slot; nothing left to do here.
				m.logger.Info("cancel raced a queue promotion", "task_id", id)
			}
			m.startPromotions(promos)
			m.logger.Info("queued task cancelled", "task_id", id, "requester", requester)
			return nil
		}
		// Lost the race with a promotion; fall through to the active path.
	}

	var (
		ref     string
		phase   Phase
		changed bool
	)
	m.reg.Update(id, func(t *Task) {
		if t.State.Terminal() || t.State == StateQueued {
			return
		}
		ref = t.EngineRef
		phase = t.Phase
		t.State = StateCancelled
		t.EngineRef = ""
		changed = true
	})
	if !changed {
		cur, _ := m.reg.Get(id)
		return fmt.Errorf("cannot cancel task in state: %s", cur.State)
	}

	if ref != "" {
		m.bridge.UnbindRef(ref)
		if adapter := m.adapterFor(phase); adapter != nil {
			if err := adapter.Stop(ctx, ref); err != nil {
				m.logger.Warn("engine stop failed, task cancelled anyway", "task_id", id, "ref", ref, "error", err)
			}
		}
	}
	m.finalize(id)
	m.logger.Info("task cancelled", "task_id", id, "requester", requester)
	return nil
}

// Pause suspends an active task when the engine supports it.
func (m *Manager) Pause(ctx context.Context, id, requester string) error {
	return m.pauseResume(ctx, id, requester, true)
}

// Resume reactivates a paused task.
func (m *Manager) Resume(ctx context.Context, id, requester string) error {
	return m.pauseResume(ctx, id, requester, false)
}

func (m *Manager) pauseResume(ctx context.Context, id, requester string, pause bool) error {
	t, ok := m.reg.Get(id)
	if !ok {
		return ErrNotFound
	}
	if err := m.authorize(t, requester); err != nil {
		return err
	}

	want, next := StateActive, StatePaused
	if !pause {
		want, next = StatePaused, StateActive
	}
	if t.State != want || t.EngineRef == "" {
		return fmt.Errorf("task is %s, not %s", t.State, want)
	}

	pr, ok := m.adapterFor(t.Phase).(PauseResumer)
	if !ok {
		return ErrUnsupported
	}

	var err error
	if pause {
		err = pr.Pause(ctx, t.EngineRef)
	} else {
		err = pr.Resume(ctx, t.EngineRef)
	}
	if err != nil {
		return err
	}

	m.reg.Update(id, func(t *Task) {
		if t.State == want {
			t.State = next
		}
	})
	return nil
}

// ReplayInterrupted reports tasks that were active during a previous
// unclean shutdown. Called once at startup, before Submit is reachable.
// Entries are cleared only after the report is delivered.
func (m *Manager) ReplayInterrupted() error {
	byOwner, err := m.rec.LoadAll()
	if err != nil {
		return fmt.Errorf("failed to load recovery entries: %w", err)
	}

	for owner, entries := range byOwner {
		var sb []byte
		sb = append(sb, "Restart detected. These transfers were interrupted and were not resumed:\n"...)
		for i, e := range entries {
			line := fmt.Sprintf("%d. [%s] %s", i+1, e.Kind, e.Source)
			if e.Destination != "" {
				line += " -> " + e.Destination
			}
			line += fmt.Sprintf(" (%s)\n", e.TaskID)
			sb = append(sb, line...)
		}
		if err := m.notifier.Notify(owner, string(sb)); err != nil {
			m.logger.Warn("failed to deliver interrupted-task report", "owner", owner, "error", err)
			continue
		}
		for _, e := range entries {
			if err := m.rec.Clear(owner, e.TaskID); err != nil {
				m.logger.Warn("failed to clear recovery entry", "owner", owner, "task_id", e.TaskID, "error", err)
			}
		}
		m.logger.Info("reported interrupted tasks", "owner", owner, "count", len(entries))
	}
	return nil
}

func (m *Manager) authorize(t Task, requester string) error {
	if requester == t.Owner || m.cfg.IsSudo(requester) {
		return nil
	}
	return ErrForbidden
}

func firstPhase(k Kind) Phase {
	if k == KindUpload {
		return PhaseUpload
	}
	return PhaseDownload
}

func (m *Manager) adapterFor(phase Phase) EngineAdapter {
	if phase == PhaseUpload {
		return m.engines.Upload
	}
	return m.engines.Download
}

// startPhase starts the engine for a phase. The admission slot is already
// held by this task; on any failure the slot is released and promotions
// run.
func (m *Manager) startPhase(id string, phase Phase) {
	t, ok := m.reg.Get(id)
	if !ok {
		return
	}
	if t.State.Terminal() {
		// Cancelled between promotion and start: give the slot back.
		m.finalize(id)
		return
	}

	adapter := m.adapterFor(phase)
	if adapter == nil {
		m.failTask(id, fmt.Sprintf("no engine configured for %s phase", phase))
		return
	}

	t.Phase = phase
	ref, err := adapter.Start(m.ctx, t)
	if err != nil {
		m.failTask(id, err.Error())
		return
	}

	started := false
	m.reg.Update(id, func(t *Task) {
		if t.State.Terminal() {
			return
		}
		t.State = StateActive
		t.Phase = phase
		t.EngineRef = ref
		started = true
	})
	if !started {
		// Turned terminal while Start was in flight. The fresh engine job
		// belongs to nobody: stop it and return the slot.
		if err := adapter.Stop(m.ctx, ref); err != nil {
			m.logger.Warn("engine stop failed for cancelled task", "task_id", id, "ref", ref, "error", err)
		}
		m.finalize(id)
		return
	}
	m.bridge.BindRef(ref, id)

	if err := m.rec.Record(t.Owner, RecoveryEntry{
		TaskID:      id,
		Source:      t.Source,
		Destination: t.Destination,
		Kind:        t.Kind,
	}); err != nil {
		m.logger.Warn("failed to record recovery entry", "task_id", id, "error", err)
	}
	m.logger.Info("phase started", "task_id", id, "phase", phase, "ref", ref)
}

// startUploadPhase is the bridge hook fired when the download phase of a
// two-phase task completes.
func (m *Manager) startUploadPhase(id string) {
	m.startPhase(id, PhaseUpload)
}

// claimSlot marks the task as owning an admission slot. Set unconditionally,
// even on a task that was cancelled in the meantime: startPhase observes the
// terminal state and routes the slot back through finalize.
func (m *Manager) claimSlot(id string) bool {
	return m.reg.Update(id, func(t *Task) { t.holdsSlot = true })
}

// finalize runs the terminal housekeeping for a task: clear the recovery
// entry and, if the task still owns its admission slot, release it and
// start promoted tasks. The held-slot flag is cleared under the entry lock,
// so concurrent terminal paths release at most once.
func (m *Manager) finalize(id string) {
	t, ok := m.reg.Get(id)
	if !ok {
		return
	}
	if err := m.rec.Clear(t.Owner, id); err != nil {
		m.logger.Warn("failed to clear recovery entry", "task_id", id, "error", err)
	}

	released := false
	m.reg.Update(id, func(t *Task) {
		if t.holdsSlot {
			t.holdsSlot = false
			released = true
		}
	})
	if released {
		m.startPromotions(m.adm.Release(t.Owner))
	}
}

func (m *Manager) failTask(id, reason string) {
	changed := false
	m.reg.Update(id, func(t *Task) {
		if t.State.Terminal() {
			return
		}
		t.State = StateFailed
		t.Error = reason
		t.EngineRef = ""
		changed = true
	})
	if changed {
		m.logger.Warn("task failed", "task_id", id, "reason", reason)
		m.finalize(id)
	}
}

func (m *Manager) startPromotions(promos []promotion) {
	for _, p := range promos {
		if !m.claimSlot(p.ID) {
			// The task vanished from the registry while queued.
			m.startPromotions(m.adm.Release(p.Owner))
			continue
		}
		t, _ := m.reg.Get(p.ID)
		m.logger.Info("task promoted from queue", "task_id", p.ID, "owner", p.Owner)
		m.startPhase(p.ID, firstPhase(t.Kind))
	}
}
