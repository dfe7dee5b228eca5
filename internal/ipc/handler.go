// Package ipc provides the HTTP API used by the shift terminal UI.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldcrew/rigshift/internal/camera"
	"github.com/fieldcrew/rigshift/internal/catalog"
	"github.com/fieldcrew/rigshift/internal/domain"
	"github.com/fieldcrew/rigshift/internal/gates"
	"github.com/fieldcrew/rigshift/internal/guard"
	"github.com/fieldcrew/rigshift/internal/ledger"
	"github.com/fieldcrew/rigshift/internal/syncq"
	"github.com/fieldcrew/rigshift/internal/workflow"
)

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Machine   *workflow.Machine
	Ledger    *ledger.Ledger
	Queue     *syncq.Queue
	Link      *syncq.Link
	Warehouse *gates.Warehouse
	Catalog   *catalog.Catalog
	Camera    *camera.SlotCapturer
	Guard     *guard.SafetyGuard
	History   History
	Logger    zerolog.Logger

	DeviceID     string
	Version      string
	PollInterval time.Duration
}

// History reads the persisted audit trail and step snapshots.
type History interface {
	Audits(ctx context.Context) ([]domain.AuditRecord, error)
	LatestSnapshot(ctx context.Context, step domain.Step) (*domain.StepSnapshot, error)
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// AdvanceResponse is returned by POST /api/v1/shift/advance.
type AdvanceResponse struct {
	Result workflow.Result `json:"result"`
	Shift  workflow.View   `json:"shift"`
}

// AuthRequest is the body for POST /api/v1/shift/auth.
type AuthRequest struct {
	OperatorID string `json:"operator_id"`
	PIN        string `json:"pin"`
}

// PhotoRequest carries a photo reference or, with Ref empty, asks the
// device camera to take one.
type PhotoRequest struct {
	ItemID    string `json:"item_id"`
	Slot      string `json:"slot"`
	Ref       string `json:"ref"`
	SizeBytes int64  `json:"size_bytes"`
}

// VerifyResponse is returned by GET /api/v1/ledger/verify.
type VerifyResponse struct {
	Valid            bool   `json:"valid"`
	Length           int    `json:"length"`
	Head             string `json:"head"`
	VerificationCode string `json:"verification_code"`
	BrokenAt         *int   `json:"broken_at,omitempty"`
	Error            string `json:"error,omitempty"`
}

// SyncStatus is returned by GET /api/v1/sync.
type SyncStatus struct {
	Online    bool               `json:"online"`
	Syncing   bool               `json:"syncing"`
	Pending   int                `json:"pending"`
	Failed    int                `json:"failed"`
	Synced    int                `json:"synced"`
	SizeKB    string             `json:"size_kb"`
	LastSync  *time.Time         `json:"last_sync,omitempty"`
	LastError string             `json:"last_error,omitempty"`
	Entries   []domain.SyncEntry `json:"entries"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"device_id": h.DeviceID,
		"version":   h.Version,
		"online":    h.Link.Online(),
		"locked":    h.Machine.State().Locked,
	})
}

// ---- shift navigation ----

// GetShift handles GET /api/v1/shift.
func (h *Handler) GetShift(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Machine.View())
}

// Advance handles POST /api/v1/shift/advance. A failed validation answers
// 422 with the reason; the step is unchanged.
func (h *Handler) Advance(w http.ResponseWriter, r *http.Request) {
	res, err := h.Machine.GoToNextStep(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !res.OK {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, AdvanceResponse{Result: res, Shift: h.Machine.View()})
}

// Back handles POST /api/v1/shift/back.
func (h *Handler) Back(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.Machine.GoToPreviousStep(r.Context()))
}

// Reset handles POST /api/v1/shift/reset. The photo album is emptied with
// the shift.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.Machine.Reset(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	if h.Camera != nil {
		h.Camera.Album.Clear()
	}
	writeJSON(w, http.StatusOK, h.Machine.View())
}

// Lock handles POST /api/v1/shift/lock.
func (h *Handler) Lock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	h.respond(w, h.Machine.Lock(r.Context(), req.Reason))
}

// Unlock handles POST /api/v1/shift/unlock.
func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Admin string `json:"admin"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Admin == "" {
		badRequest(w, "admin is required")
		return
	}
	h.respond(w, h.Machine.Unlock(r.Context(), req.Admin))
}

// ---- step operations ----

// Authorize handles POST /api/v1/shift/auth. Attempts are rate limited per
// client address.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	var req AuthRequest
	if !decode(w, r, &req) {
		return
	}
	if h.Guard != nil {
		if err := h.Guard.CheckRateLimit(clientKey(r)); err != nil {
			writeError(w, err)
			return
		}
	}
	ok, err := h.Machine.Authorize(r.Context(), req.OperatorID, req.PIN)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authorized": ok, "shift": h.Machine.View()})
}

// SelectRig handles POST /api/v1/shift/rig.
func (h *Handler) SelectRig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RigID int `json:"rig_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	h.respond(w, h.Machine.SelectRig(r.Context(), req.RigID))
}

// MarkSafetyRead handles POST /api/v1/shift/safety/read.
func (h *Handler) MarkSafetyRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemID string `json:"item_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	h.respond(w, h.Machine.MarkSafetyRead(r.Context(), req.ItemID))
}

// ConfirmSafety handles POST /api/v1/shift/safety/confirm.
func (h *Handler) ConfirmSafety(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Signature string `json:"signature"`
	}
	if !decode(w, r, &req) {
		return
	}
	h.respond(w, h.Machine.ConfirmSafety(r.Context(), req.Signature))
}

// ToggleInspection handles POST /api/v1/shift/inspection/toggle.
func (h *Handler) ToggleInspection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemID string `json:"item_id"`
		Index  int    `json:"index"`
	}
	if !decode(w, r, &req) {
		return
	}
	checked, err := h.Machine.ToggleInspection(r.Context(), req.ItemID, req.Index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checked": checked, "shift": h.Machine.View()})
}

// InspectionPhoto handles POST /api/v1/shift/inspection/photo.
func (h *Handler) InspectionPhoto(w http.ResponseWriter, r *http.Request) {
	var req PhotoRequest
	if !decode(w, r, &req) {
		return
	}
	ref, err := h.photo(r, req, "inspection/"+req.ItemID+"/"+req.Slot)
	if err != nil {
		writeError(w, err)
		return
	}
	h.respond(w, h.Machine.SetInspectionPhoto(r.Context(), req.ItemID, req.Slot, ref))
}

// LubricationPhoto handles POST /api/v1/shift/lubrication/photo.
func (h *Handler) LubricationPhoto(w http.ResponseWriter, r *http.Request) {
	var req PhotoRequest
	if !decode(w, r, &req) {
		return
	}
	ref, err := h.photo(r, req, "lubrication/"+req.ItemID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.respond(w, h.Machine.SetLubricationPhoto(r.Context(), req.ItemID, ref))
}

// ToggleWork handles POST /api/v1/shift/work/toggle.
func (h *Handler) ToggleWork(w http.ResponseWriter, r *http.Request) {
	active, err := h.Machine.ToggleShift(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active, "shift": h.Machine.View()})
}

// ReportIncident handles POST /api/v1/shift/incident.
func (h *Handler) ReportIncident(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type string `json:"type"`
	}
	if !decode(w, r, &req) {
		return
	}
	locked, err := h.Machine.ReportIncident(r.Context(), req.Type)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locked": locked, "shift": h.Machine.View()})
}

// FinalPhoto handles POST /api/v1/shift/final-photo.
func (h *Handler) FinalPhoto(w http.ResponseWriter, r *http.Request) {
	var req PhotoRequest
	if !decode(w, r, &req) {
		return
	}
	ref, err := h.photo(r, req, "final")
	if err != nil {
		writeError(w, err)
		return
	}
	h.respond(w, h.Machine.SetFinalPhoto(r.Context(), ref))
}

// ---- ledger ----

// ListEvents handles GET /api/v1/ledger/events?since_seq=N.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	sinceSeq := int64(0)
	if s := r.URL.Query().Get("since_seq"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			sinceSeq = parsed
		}
	}
	writeJSON(w, http.StatusOK, h.eventsSince(sinceSeq))
}

// VerifyLedger handles GET /api/v1/ledger/verify.
func (h *Handler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	resp := VerifyResponse{
		Valid:            true,
		Length:           h.Ledger.Len(),
		Head:             h.Ledger.Head(),
		VerificationCode: h.Ledger.VerificationCode(),
	}
	if err := h.Ledger.CheckIntegrity(); err != nil {
		resp.Valid = false
		resp.Error = err.Error()
		var ie *ledger.IntegrityError
		if errors.As(err, &ie) {
			idx := ie.Index
			resp.BrokenAt = &idx
		}
		h.Logger.Error().Err(err).Msg("ledger integrity check failed")
	}
	writeJSON(w, http.StatusOK, resp)
}

// StreamEvents handles GET /api/v1/ledger/events/stream (SSE).
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastSeq := int64(0)
	if s := r.URL.Query().Get("since_seq"); s != "" {
		if parsed, err := strconv.ParseInt(s, 10, 64); err == nil {
			lastSeq = parsed
		}
	}
	send := func() {
		for _, ev := range h.eventsSince(lastSeq) {
			writeSSEEvent(w, flusher, ev)
			lastSeq = ev.Seq
		}
	}
	send()

	interval := h.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ctx := r.Context()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

// ---- sync ----

// GetSync handles GET /api/v1/sync.
func (h *Handler) GetSync(w http.ResponseWriter, r *http.Request) {
	counts := h.Queue.Counts()
	st := SyncStatus{
		Online:    h.Link.Online(),
		Syncing:   h.Queue.IsSyncing(),
		Pending:   counts[domain.SyncPending],
		Failed:    counts[domain.SyncFailed],
		Synced:    counts[domain.SyncSynced],
		SizeKB:    h.Queue.SizeKB(),
		LastError: h.Queue.LastError(),
		Entries:   h.Queue.Entries(),
	}
	if t, ok := h.Queue.LastSyncTime(); ok {
		st.LastSync = &t
	}
	if st.Entries == nil {
		st.Entries = []domain.SyncEntry{}
	}
	writeJSON(w, http.StatusOK, st)
}

// RunSync handles POST /api/v1/sync/run.
func (h *Handler) RunSync(w http.ResponseWriter, r *http.Request) {
	report, err := h.Queue.SyncAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// RetrySync handles POST /api/v1/sync/retry.
func (h *Handler) RetrySync(w http.ResponseWriter, r *http.Request) {
	n := h.Queue.RetryFailedEvents(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

// SetOnline handles POST /api/v1/sync/online.
func (h *Handler) SetOnline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Online == nil {
		badRequest(w, "online is required")
		return
	}
	changed := h.Link.SetOnline(*req.Online)
	if changed {
		h.Logger.Info().Bool("online", *req.Online).Msg("link state changed")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": *req.Online, "changed": changed})
}

// ---- warehouse ----

// GetWarehouse handles GET /api/v1/warehouse. With ?model= it lists only
// the items that rig model consumes.
func (h *Handler) GetWarehouse(w http.ResponseWriter, r *http.Request) {
	if model := r.URL.Query().Get("model"); model != "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"model":      model,
			"items":      nonNil(h.Warehouse.ItemsForModel(model)),
			"shortages":  nonNil(h.Warehouse.Shortages(model)),
			"sufficient": h.Warehouse.HasSufficientStock(model),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":     nonNil(h.Warehouse.Items()),
		"critical":  nonNil(h.Warehouse.CriticalItems()),
		"low_stock": nonNil(h.Warehouse.LowStockItems()),
	})
}

// ConsumeStock handles POST /api/v1/warehouse/consume.
func (h *Handler) ConsumeStock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemID string  `json:"item_id"`
		Amount float64 `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	remaining, err := h.Machine.ConsumeStock(r.Context(), req.ItemID, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item_id": req.ItemID, "remaining": remaining})
}

// AdjustStock handles PUT /api/v1/warehouse/{id}.
func (h *Handler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quantity *float64 `json:"quantity"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Quantity == nil {
		badRequest(w, "quantity is required")
		return
	}
	id := r.PathValue("id")
	if err := h.Machine.AdjustStock(r.Context(), id, *req.Quantity); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item_id": id, "quantity": *req.Quantity})
}

// ---- history ----

// ListAudits handles GET /api/v1/audit.
func (h *Handler) ListAudits(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		writeJSON(w, http.StatusServiceUnavailable, APIError{Code: 503, Message: "no journal attached"})
		return
	}
	recs, err := h.History.Audits(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []domain.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// GetSnapshot handles GET /api/v1/shift/snapshots/{step}.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		writeJSON(w, http.StatusServiceUnavailable, APIError{Code: 503, Message: "no journal attached"})
		return
	}
	n, err := strconv.Atoi(r.PathValue("step"))
	step := domain.Step(n)
	if err != nil || !step.Valid() {
		writeError(w, domain.ErrInvalidStep)
		return
	}
	snap, err := h.History.LatestSnapshot(r.Context(), step)
	if err != nil {
		writeError(w, err)
		return
	}
	if snap == nil {
		writeJSON(w, http.StatusNotFound, APIError{Code: 404, Message: "no snapshot for step " + step.String()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ---- photos ----

// ListPhotos handles GET /api/v1/photos.
func (h *Handler) ListPhotos(w http.ResponseWriter, r *http.Request) {
	if h.Camera == nil {
		writeJSON(w, http.StatusOK, map[string]any{"photos": []domain.PhotoRef{}, "total_mb": "0.00"})
		return
	}
	photos := h.Camera.Album.Photos()
	if photos == nil {
		photos = []domain.PhotoRef{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"photos": photos, "total_mb": h.Camera.Album.TotalSizeMB()})
}

// DeletePhoto handles DELETE /api/v1/photos?ref=.
func (h *Handler) DeletePhoto(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		badRequest(w, "ref is required")
		return
	}
	if h.Camera == nil || !h.Camera.Album.Remove(ref) {
		writeError(w, domain.NewEngineError(domain.ErrItemNotFound.Code, "photo "+ref+" not in album"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": ref})
}

// ---- helpers ----

func (h *Handler) respond(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Machine.View())
}

func (h *Handler) eventsSince(seq int64) []domain.Event {
	out := []domain.Event{}
	for _, ev := range h.Ledger.Events() {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// photo resolves the request's reference, falling back to the device camera.
func (h *Handler) photo(r *http.Request, req PhotoRequest, slot string) (domain.PhotoRef, error) {
	if req.Ref != "" {
		return domain.PhotoRef{Ref: req.Ref, Timestamp: time.Now().UTC(), SizeBytes: req.SizeBytes}, nil
	}
	if h.Camera == nil {
		return domain.PhotoRef{}, domain.NewEngineError(domain.ErrCaptureFailed.Code, "no photo reference and no camera attached")
	}
	return h.Camera.Capture(r.Context(), slot)
}

func nonNil(items []catalog.WarehouseItem) []catalog.WarehouseItem {
	if items == nil {
		return []catalog.WarehouseItem{}
	}
	return items
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid request body")
		return false
	}
	return true
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		writeJSON(w, statusFor(engErr.Code), APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func statusFor(code int) int {
	switch code {
	case domain.ErrSystemLocked.Code:
		return http.StatusLocked
	case domain.ErrWorkflowCompleted.Code, domain.ErrWrongStep.Code, domain.ErrNotLocked.Code,
		domain.ErrSyncInProgress.Code:
		return http.StatusConflict
	case domain.ErrUnknownRig.Code, domain.ErrItemNotFound.Code, domain.ErrEventNotFound.Code,
		domain.ErrEntryNotFound.Code:
		return http.StatusNotFound
	case domain.ErrChecklistIndex.Code, domain.ErrInvalidPhotoSlot.Code, domain.ErrInvalidQuantity.Code,
		domain.ErrEmptySignature.Code, domain.ErrValidationFailed.Code, domain.ErrInvalidStep.Code:
		return http.StatusBadRequest
	case domain.ErrSafetyUnread.Code, domain.ErrCaptureFailed.Code:
		return http.StatusUnprocessableEntity
	case domain.ErrRateLimitExceeded.Code:
		return http.StatusTooManyRequests
	case domain.ErrOffline.Code:
		return http.StatusServiceUnavailable
	case domain.ErrSyncFailed.Code:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev domain.Event) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data)
	f.Flush()
}
