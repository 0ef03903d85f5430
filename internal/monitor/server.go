package monitor

import (
	"net/http"

	"github.com/dreamware/sedes/internal/cluster"
)

// Status is the GET /status document.
type Status struct {
	ActiveSite string       `json:"activeSite"`
	Sites      []SiteHealth `json:"sites"`
	Switches   []Switch     `json:"switches"`
}

// Routes serves GET /status and GET /health.
func Routes(h *HealthMonitor, c *Controller) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		_ = cluster.WriteJSON(w, http.StatusOK, Status{
			ActiveSite: c.Active(),
			Sites:      h.All(),
			Switches:   c.History(),
		})
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
