package handlers

import (
	"net/http"

	"github.com/guildworks/guildcore/internal/common"
	"github.com/guildworks/guildcore/internal/config"
)

// HealthHandler answers liveness probes.
type HealthHandler struct {
	logger *common.Logger
}

func NewHealthHandler(logger *common.Logger) *HealthHandler {
	return &HealthHandler{logger: logger}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": config.GetVersion(),
	})
}
