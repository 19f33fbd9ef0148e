package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lithammer/shortuuid/v4"

	"transferd/task"
)

// Rclone runs an rclone-style sync binary for the upload phase. One process
// per transfer; the ref is a generated handle mapped to the process.
type Rclone struct {
	bin         string
	extraFlags  []string
	downloadDir string
	logger      *slog.Logger

	events chan task.EngineEvent

	mu    sync.Mutex
	procs map[string]context.CancelFunc
}

func NewRclone(bin, flags, downloadDir string, logger *slog.Logger) (*Rclone, error) {
	extra, err := SplitFlags(flags)
	if err != nil {
		return nil, err
	}
	if err := ValidateFlags(extra); err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("upload binary not found in PATH: %s", bin)
	}

	return &Rclone{
		bin:         bin,
		extraFlags:  extra,
		downloadDir: downloadDir,
		logger:      logger,
		events:      make(chan task.EngineEvent, 64),
		procs:       map[string]context.CancelFunc{},
	}, nil
}

func (r *Rclone) Events() <-chan task.EngineEvent { return r.events }

// Start spawns the upload process. For a two-phase task the source is the
// file the download phase wrote under the task id; for a plain upload it is
// the task's source descriptor.
func (r *Rclone) Start(ctx context.Context, t task.Task) (string, error) {
	src := t.Source
	if t.Kind == task.KindDownloadUpload {
		src = filepath.Join(r.downloadDir, t.ID)
	}

	ref := shortuuid.New()
	// Detach from the caller: the transfer outlives the submit request.
	runCtx, cancel := context.WithCancel(context.Background())

	args := append(append([]string{}, r.extraFlags...), "copyto", src, t.Destination)
	cmd := exec.CommandContext(runCtx, r.bin, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Start(); err != nil {
		cancel()
		return "", err
	}

	r.mu.Lock()
	r.procs[ref] = cancel
	r.mu.Unlock()

	r.logger.Info("upload started", "ref", ref, "source", src, "destination", t.Destination)

	go func() {
		err := cmd.Wait()

		r.mu.Lock()
		_, tracked := r.procs[ref]
		delete(r.procs, ref)
		r.mu.Unlock()
		cancel()

		if !tracked || runCtx.Err() != nil {
			// Stopped via Stop; the core already transitioned the task.
			return
		}
		if err != nil {
			r.events <- task.EngineEvent{Ref: ref, Type: task.EventPhaseError, Reason: tailOf(output.String())}
			return
		}
		r.events <- task.EngineEvent{Ref: ref, Type: task.EventPhaseDone}
	}()

	return ref, nil
}

func (r *Rclone) Stop(ctx context.Context, ref string) error {
	r.mu.Lock()
	cancel, ok := r.procs[ref]
	delete(r.procs, ref)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown upload ref: %s", ref)
	}
	cancel()
	return nil
}

// tailOf keeps error reasons short enough for a status line.
func tailOf(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "upload failed"
	}
	lines := strings.Split(s, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if len(last) > 300 {
		last = last[len(last)-300:]
	}
	return last
}
