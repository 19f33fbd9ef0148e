// Package engine implements the transfer engine adapters the task core is
// polymorphic over: an aria2 JSON-RPC client for downloads and an
// rclone-style process runner for uploads.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"transferd/task"
)

// Aria2 drives an aria2 daemon over its JSON-RPC interface. It is
// poll-based: a ticker loop queries every watched GID and converts the
// answers into engine events.
type Aria2 struct {
	rpcURL      string
	secret      string
	downloadDir string
	poll        time.Duration
	client      *http.Client
	logger      *slog.Logger

	events chan task.EngineEvent

	mu      sync.Mutex
	watched map[string]string // gid -> last observed aria2 status
}

func NewAria2(rpcURL, secret, downloadDir string, poll time.Duration, logger *slog.Logger) *Aria2 {
	return &Aria2{
		rpcURL:      rpcURL,
		secret:      secret,
		downloadDir: downloadDir,
		poll:        poll,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		events:      make(chan task.EngineEvent, 128),
		watched:     map[string]string{},
	}
}

type rpcRequest struct {
	JsonRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	ID      string        `json:"id"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (a *Aria2) call(ctx context.Context, method string, result interface{}, params ...interface{}) error {
	// If a secret is set, it must be the first parameter as "token:secret".
	finalParams := make([]interface{}, 0, len(params)+1)
	if a.secret != "" {
		finalParams = append(finalParams, "token:"+a.secret)
	}
	finalParams = append(finalParams, params...)

	data, err := json.Marshal(rpcRequest{
		JsonRPC: "2.0",
		Method:  method,
		ID:      "transferd",
		Params:  finalParams,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.rpcURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if result != nil {
		return json.Unmarshal(rpcResp.Result, result)
	}
	return nil
}

// Start adds the download and begins watching its GID. The local file name
// is the task id so the upload phase can find it.
func (a *Aria2) Start(ctx context.Context, t task.Task) (string, error) {
	opts := map[string]interface{}{
		"dir": a.downloadDir,
		"out": t.ID,
	}

	var gid string
	if err := a.call(ctx, "aria2.addUri", &gid, []string{t.Source}, opts); err != nil {
		return "", err
	}

	a.mu.Lock()
	a.watched[gid] = "active"
	a.mu.Unlock()
	return gid, nil
}

// Stop force-removes the download. The GID is unwatched first so the poll
// loop does not report the removal as an error.
func (a *Aria2) Stop(ctx context.Context, ref string) error {
	a.mu.Lock()
	delete(a.watched, ref)
	a.mu.Unlock()

	if err := a.call(ctx, "aria2.forceRemove", nil, ref); err != nil {
		return err
	}
	// The GID might linger in aria2's result list; ignore failures here.
	_ = a.call(ctx, "aria2.removeDownloadResult", nil, ref)
	return nil
}

func (a *Aria2) Pause(ctx context.Context, ref string) error {
	return a.call(ctx, "aria2.pause", nil, ref)
}

func (a *Aria2) Resume(ctx context.Context, ref string) error {
	return a.call(ctx, "aria2.unpause", nil, ref)
}

func (a *Aria2) Events() <-chan task.EngineEvent { return a.events }

// aria2 reports numeric fields as strings.
type aria2Status struct {
	Status          string `json:"status"`
	CompletedLength string `json:"completedLength"`
	TotalLength     string `json:"totalLength"`
	DownloadSpeed   string `json:"downloadSpeed"`
	ErrorMessage    string `json:"errorMessage"`
}

// Run polls watched GIDs until the context is cancelled.
func (a *Aria2) Run(ctx context.Context) {
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

func (a *Aria2) pollOnce(ctx context.Context) {
	a.mu.Lock()
	gids := make(map[string]string, len(a.watched))
	for gid, last := range a.watched {
		gids[gid] = last
	}
	a.mu.Unlock()

	for gid, last := range gids {
		var st aria2Status
		err := a.call(ctx, "aria2.tellStatus", &st, gid,
			[]string{"status", "completedLength", "totalLength", "downloadSpeed", "errorMessage"})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// aria2 no longer knows the GID (restart, manual removal).
			a.logger.Warn("aria2 status query failed", "gid", gid, "error", err)
			a.unwatch(gid)
			a.emit(ctx, task.EngineEvent{Ref: gid, Type: task.EventPhaseError, Reason: "aria2: " + err.Error()})
			continue
		}

		done := parseAria2Int(st.CompletedLength)
		total := parseAria2Int(st.TotalLength)
		rate := parseAria2Int(st.DownloadSpeed)

		switch st.Status {
		case "active":
			if last == "paused" {
				a.emit(ctx, task.EngineEvent{Ref: gid, Type: task.EventPhaseResumed})
			}
			a.emit(ctx, task.EngineEvent{Ref: gid, Type: task.EventProgress, Done: done, Total: total, Rate: rate})
			a.setLast(gid, "active")

		case "waiting":
			// Queued inside aria2 itself; nothing to report yet.

		case "paused":
			if last != "paused" {
				a.emit(ctx, task.EngineEvent{Ref: gid, Type: task.EventPhasePaused})
			}
			a.setLast(gid, "paused")

		case "complete":
			a.unwatch(gid)
			a.emit(ctx, task.EngineEvent{Ref: gid, Type: task.EventProgress, Done: total, Total: total})
			a.emit(ctx, task.EngineEvent{Ref: gid, Type: task.EventPhaseDone})
			_ = a.call(ctx, "aria2.removeDownloadResult", nil, gid)

		case "error":
			reason := st.ErrorMessage
			if reason == "" {
				reason = "download failed"
			}
			a.unwatch(gid)
			a.emit(ctx, task.EngineEvent{Ref: gid, Type: task.EventPhaseError, Reason: reason})
			_ = a.call(ctx, "aria2.removeDownloadResult", nil, gid)

		case "removed":
			a.unwatch(gid)
			a.emit(ctx, task.EngineEvent{Ref: gid, Type: task.EventPhaseError, Reason: "removed on the engine side"})
		}
	}
}

func (a *Aria2) setLast(gid, status string) {
	a.mu.Lock()
	if _, ok := a.watched[gid]; ok {
		a.watched[gid] = status
	}
	a.mu.Unlock()
}

func (a *Aria2) unwatch(gid string) {
	a.mu.Lock()
	delete(a.watched, gid)
	a.mu.Unlock()
}

func (a *Aria2) emit(ctx context.Context, ev task.EngineEvent) {
	select {
	case a.events <- ev:
	case <-ctx.Done():
	}
}

func parseAria2Int(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
