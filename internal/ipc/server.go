package ipc

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wraps an HTTP server with shift-specific routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address. A nil
// gatherer leaves /metrics unrouted.
func NewServer(h *Handler, listenAddr string, gatherer prometheus.Gatherer) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:    listenAddr,
			Handler: corsMiddleware(Routes(h, gatherer)),
		},
	}
}

// Routes builds the API mux.
func Routes(h *Handler, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()

	// Health endpoint.
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Shift navigation.
	mux.HandleFunc("GET /api/v1/shift", h.GetShift)
	mux.HandleFunc("POST /api/v1/shift/advance", h.Advance)
	mux.HandleFunc("POST /api/v1/shift/back", h.Back)
	mux.HandleFunc("POST /api/v1/shift/reset", h.Reset)
	mux.HandleFunc("POST /api/v1/shift/lock", h.Lock)
	mux.HandleFunc("POST /api/v1/shift/unlock", h.Unlock)

	// Step operations.
	mux.HandleFunc("POST /api/v1/shift/auth", h.Authorize)
	mux.HandleFunc("POST /api/v1/shift/rig", h.SelectRig)
	mux.HandleFunc("POST /api/v1/shift/safety/read", h.MarkSafetyRead)
	mux.HandleFunc("POST /api/v1/shift/safety/confirm", h.ConfirmSafety)
	mux.HandleFunc("POST /api/v1/shift/inspection/toggle", h.ToggleInspection)
	mux.HandleFunc("POST /api/v1/shift/inspection/photo", h.InspectionPhoto)
	mux.HandleFunc("POST /api/v1/shift/lubrication/photo", h.LubricationPhoto)
	mux.HandleFunc("POST /api/v1/shift/work/toggle", h.ToggleWork)
	mux.HandleFunc("POST /api/v1/shift/incident", h.ReportIncident)
	mux.HandleFunc("POST /api/v1/shift/final-photo", h.FinalPhoto)

	// Ledger endpoints.
	mux.HandleFunc("GET /api/v1/ledger/events", h.ListEvents)
	mux.HandleFunc("GET /api/v1/ledger/events/stream", h.StreamEvents)
	mux.HandleFunc("GET /api/v1/ledger/verify", h.VerifyLedger)

	// Sync endpoints.
	mux.HandleFunc("GET /api/v1/sync", h.GetSync)
	mux.HandleFunc("POST /api/v1/sync/run", h.RunSync)
	mux.HandleFunc("POST /api/v1/sync/retry", h.RetrySync)
	mux.HandleFunc("POST /api/v1/sync/online", h.SetOnline)

	// Warehouse endpoints.
	mux.HandleFunc("GET /api/v1/warehouse", h.GetWarehouse)
	mux.HandleFunc("POST /api/v1/warehouse/consume", h.ConsumeStock)
	mux.HandleFunc("PUT /api/v1/warehouse/{id}", h.AdjustStock)

	// Audit trail, snapshots and photos.
	mux.HandleFunc("GET /api/v1/audit", h.ListAudits)
	mux.HandleFunc("GET /api/v1/shift/snapshots/{step}", h.GetSnapshot)
	mux.HandleFunc("GET /api/v1/photos", h.ListPhotos)
	mux.HandleFunc("DELETE /api/v1/photos", h.DeletePhoto)

	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for the local terminal UI.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// FormatListenURL turns a listen address into a browsable URL.
func FormatListenURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}
