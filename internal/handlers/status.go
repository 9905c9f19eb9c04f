package handlers

import (
	"net/http"
	"time"

	"github.com/guildworks/guildcore/internal/common"
	"github.com/guildworks/guildcore/internal/storage"
)

type storageStatus interface {
	Status() storage.Status
}

type schedulerStatus interface {
	Running() bool
	LastPass() time.Time
}

// StatusHandler reports which backend is active, the cache size, whether
// reconciliation is running, and scheduler liveness. It is the surface
// operators check after a database outage to see whether the process is in
// degraded file mode.
type StatusHandler struct {
	logger  *common.Logger
	storage storageStatus
	sched   schedulerStatus
}

func NewStatusHandler(logger *common.Logger, storage storageStatus, sched schedulerStatus) *StatusHandler {
	return &StatusHandler{logger: logger, storage: storage, sched: sched}
}

type statusResponse struct {
	Backend          string `json:"backend"`
	CacheEntries     int    `json:"cache_entries"`
	SyncActive       bool   `json:"sync_active"`
	SchedulerRunning bool   `json:"scheduler_running"`
	LastPass         string `json:"last_pass,omitempty"`
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	st := h.storage.Status()
	resp := statusResponse{
		Backend:          st.Backend,
		CacheEntries:     st.CacheEntries,
		SyncActive:       st.SyncActive,
		SchedulerRunning: h.sched.Running(),
	}
	if last := h.sched.LastPass(); !last.IsZero() {
		resp.LastPass = last.UTC().Format(time.RFC3339)
	}

	WriteJSON(w, http.StatusOK, resp)
}
