package host

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/any-hub/offline-hub/internal/sw"
)

// Worker 是宿主内部的一个版本实例。state 只在宿主持有锁时读写。
type Worker struct {
	id          string
	ctrl        *sw.Controller
	state       sw.State
	createdAt   time.Time
	activatedAt time.Time

	skipWaiting atomic.Bool
	claim       atomic.Bool
}

func newWorker(ctrl *sw.Controller, now time.Time) *Worker {
	w := &Worker{
		id:        uuid.NewString(),
		ctrl:      ctrl,
		state:     sw.StateParsed,
		createdAt: now,
	}
	ctrl.Attach(workerSignals{w: w})
	return w
}

// Version 返回 worker 对应的缓存版本。
func (w *Worker) Version() string {
	if w == nil {
		return ""
	}
	return w.ctrl.Version()
}

func (w *Worker) transition(to sw.State) error {
	if !w.state.CanTransition(to) {
		return &sw.TransitionError{From: w.state, To: to}
	}
	w.state = to
	return nil
}

type workerSignals struct {
	w *Worker
}

func (s workerSignals) SkipWaiting()  { s.w.skipWaiting.Store(true) }
func (s workerSignals) ClaimClients() { s.w.claim.Store(true) }

// WorkerStatus 是 worker 的只读快照，供诊断接口输出。
type WorkerStatus struct {
	ID          string            `json:"id"`
	Version     string            `json:"version"`
	State       sw.State          `json:"state"`
	CreatedAt   time.Time         `json:"created_at"`
	ActivatedAt *time.Time        `json:"activated_at,omitempty"`
	Install     *sw.InstallReport `json:"install,omitempty"`
}

func (w *Worker) status() *WorkerStatus {
	if w == nil {
		return nil
	}
	st := &WorkerStatus{
		ID:        w.id,
		Version:   w.Version(),
		State:     w.state,
		CreatedAt: w.createdAt,
		Install:   w.ctrl.LastInstall(),
	}
	if !w.activatedAt.IsZero() {
		activated := w.activatedAt
		st.ActivatedAt = &activated
	}
	return st
}
