package queue

import "github.com/claimradar/harvester/internal/harvest"

// Handle is the mutable progress-reporting handle passed to a job handler.
// Every call refreshes the job's heartbeat.
type Handle struct {
	q  *Queue
	id string
}

// JobID returns the job this handle belongs to.
func (h *Handle) JobID() string { return h.id }

// Progress records completion percentage, clamped to [0, 100].
func (h *Handle) Progress(pct int) {
	if h == nil || h.q == nil {
		return
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	h.q.mu.Lock()
	defer h.q.mu.Unlock()
	rec, ok := h.q.jobs[h.id]
	if !ok || rec.job.State != harvest.JobStateActive {
		return
	}
	rec.job.Progress = pct
	rec.heartbeat = h.q.clock.Now()
}

// Heartbeat refreshes liveness without changing progress. Handlers doing long
// uniform work call this between candidates.
func (h *Handle) Heartbeat() {
	if h == nil || h.q == nil {
		return
	}
	h.q.mu.Lock()
	defer h.q.mu.Unlock()
	rec, ok := h.q.jobs[h.id]
	if !ok || rec.job.State != harvest.JobStateActive {
		return
	}
	rec.heartbeat = h.q.clock.Now()
}
