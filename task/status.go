package task

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// StatusScheduler periodically snapshots all tasks and pushes one aggregate
// view per listener. A view is pushed only when its content changed since
// the last push, which bounds outbound traffic regardless of task count.
// With nothing active the interval backs off up to maxInterval.
//
// The scheduler also reaps terminal tasks: they stay visible for at least
// one tick (so listeners see the final state) and are then removed from the
// registry.
type StatusScheduler struct {
	m           *Manager
	interval    time.Duration
	maxInterval time.Duration
	logger      *slog.Logger

	lastHash map[string]uint64
}

func NewStatusScheduler(m *Manager, interval, maxInterval time.Duration, logger *slog.Logger) *StatusScheduler {
	if maxInterval < interval {
		maxInterval = interval
	}
	return &StatusScheduler{
		m:           m,
		interval:    interval,
		maxInterval: maxInterval,
		logger:      logger,
		lastHash:    map[string]uint64{},
	}
}

func (s *StatusScheduler) Run(ctx context.Context) {
	cur := s.interval
	timer := time.NewTimer(cur)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if s.Tick() {
				cur = s.interval
			} else if cur < s.maxInterval {
				cur *= 2
				if cur > s.maxInterval {
					cur = s.maxInterval
				}
			}
			timer.Reset(cur)
		}
	}
}

// Tick runs one scheduling cycle and reports whether any non-terminal task
// exists (drives the backoff).
func (s *StatusScheduler) Tick() bool {
	now := time.Now()
	tasks := s.m.reg.ListAll()

	busy := false
	groups := map[string][]Task{}
	for _, t := range tasks {
		if t.State.Terminal() {
			// Retained for one tick after the terminal transition, then
			// reaped. The recovery entry was already cleared.
			if now.Sub(t.LastUpdatedAt) > s.interval {
				s.m.reg.Remove(t.ID)
				continue
			}
		} else {
			busy = true
		}
		for _, l := range t.Listeners {
			groups[l] = append(groups[l], t)
		}
	}

	newHash := make(map[string]uint64, len(groups))
	for listener, ts := range groups {
		text := renderStatusView(ts)
		h := contentHash(text)
		newHash[listener] = h
		if s.lastHash[listener] == h {
			continue
		}
		if err := s.m.notifier.Push(listener, text); err != nil {
			s.logger.Warn("status push failed", "listener", listener, "error", err)
			// Retry next tick: forget the hash so the push repeats.
			delete(newHash, listener)
		}
	}
	s.lastHash = newHash

	return busy
}

// RenderStatus renders the current status view for an owner, or the global
// view when owner is empty. Used by the synchronous status query.
func (m *Manager) RenderStatus(owner string) string {
	tasks := m.List(owner)
	if len(tasks) == 0 {
		return "No transfers."
	}
	return renderStatusView(tasks)
}

func renderStatusView(tasks []Task) string {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, "Transfers (%d):\n", len(tasks))
	for _, t := range tasks {
		sb.WriteString(renderTaskLine(t))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func renderTaskLine(t Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%s", t.ID, t.State)
	if !t.State.Terminal() && t.State != StateQueued && t.Phase != "" {
		fmt.Fprintf(&sb, "/%s", t.Phase)
	}
	sb.WriteString("] ")

	switch t.State {
	case StateQueued:
		fmt.Fprintf(&sb, "waiting - %s", t.Source)
	case StateFailed:
		fmt.Fprintf(&sb, "failed: %s", t.Error)
	case StateCancelled:
		sb.WriteString("cancelled")
	case StateSucceeded:
		if t.Progress.Total > 0 {
			fmt.Fprintf(&sb, "done, %s", humanize.IBytes(uint64(t.Progress.Total)))
		} else {
			sb.WriteString("done")
		}
	default:
		p := t.Progress
		if p.Total > 0 {
			fmt.Fprintf(&sb, "%.1f%% %s of %s", float64(p.Done)*100/float64(p.Total),
				humanize.IBytes(uint64(p.Done)), humanize.IBytes(uint64(p.Total)))
		} else {
			fmt.Fprintf(&sb, "%s of ?", humanize.IBytes(uint64(p.Done)))
		}
		if p.Rate > 0 {
			fmt.Fprintf(&sb, " @ %s/s", humanize.IBytes(uint64(p.Rate)))
		}
		if p.ETA > 0 {
			fmt.Fprintf(&sb, " ETA %s", p.ETA.Round(time.Second))
		}
	}
	return sb.String()
}

func contentHash(text string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(text))
	return h.Sum64()
}
