package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mnemosyne-app/mnemosyne/interfaces"
	"github.com/mnemosyne-app/mnemosyne/ledger"
	"github.com/mnemosyne-app/mnemosyne/upload"
)

// maxUploadBytes bounds multipart parsing memory; files above this spill to
// temp files. The per-class size ceilings are enforced after parsing.
const maxUploadBytes = 64 << 20

// Handler implements the preservation API endpoints.
type Handler struct {
	coordinator *upload.Coordinator
	store       *ledger.Store
	log         *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(coordinator *upload.Coordinator, store *ledger.Store, log *slog.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		store:       store,
		log:         log.With("component", "api-handler"),
	}
}

type memoryView struct {
	ID               string   `json:"id"`
	OwnerID          string   `json:"ownerId"`
	Type             string   `json:"type"`
	Visibility       string   `json:"visibility"`
	StorageCount     int      `json:"storageCount"`
	StorageLocations []string `json:"storageLocations"`
	ExpiresAt        string   `json:"expiresAt,omitempty"`
	CreatedAt        string   `json:"createdAt"`
}

type assetView struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	Backend          string `json:"backend"`
	URL              string `json:"url"`
	Bytes            int64  `json:"bytes"`
	Width            *int   `json:"width,omitempty"`
	Height           *int   `json:"height,omitempty"`
	MimeType         string `json:"mimeType"`
	ProcessingStatus string `json:"processingStatus"`
	ProcessingError  string `json:"processingError,omitempty"`
}

type edgeView struct {
	Artifact     string `json:"artifact"`
	Backend      string `json:"backend"`
	Present      bool   `json:"present"`
	Location     string `json:"location"`
	SizeBytes    int64  `json:"sizeBytes"`
	SyncState    string `json:"syncState"`
	SyncError    string `json:"syncError,omitempty"`
	LastSyncedAt string `json:"lastSyncedAt,omitempty"`
}

func toMemoryView(m *interfaces.Memory) memoryView {
	v := memoryView{
		ID:           m.ID,
		OwnerID:      m.OwnerID,
		Type:         string(m.Type),
		Visibility:   string(m.Visibility),
		StorageCount: m.StorageCount,
		CreatedAt:    m.CreatedAt.Format(time.RFC3339),
	}
	for _, b := range m.StorageLocations {
		v.StorageLocations = append(v.StorageLocations, b.String())
	}
	if deadline := m.ExpiresAt(); !deadline.IsZero() {
		v.ExpiresAt = deadline.Format(time.RFC3339)
	}
	return v
}

func toAssetView(a *interfaces.MemoryAsset) assetView {
	return assetView{
		ID:               a.ID,
		Type:             string(a.Type),
		Backend:          a.Backend.String(),
		URL:              a.URL,
		Bytes:            a.Bytes,
		Width:            a.Width,
		Height:           a.Height,
		MimeType:         a.MimeType,
		ProcessingStatus: string(a.ProcessingStatus),
		ProcessingError:  a.ProcessingError,
	}
}

func toEdgeView(e *interfaces.StorageEdge) edgeView {
	v := edgeView{
		Artifact:  string(e.Artifact),
		Backend:   e.Backend.String(),
		Present:   e.Present,
		Location:  e.Location,
		SizeBytes: e.SizeBytes,
		SyncState: string(e.SyncState),
		SyncError: e.SyncError,
	}
	if e.LastSyncedAt != nil {
		v.LastSyncedAt = e.LastSyncedAt.Format(time.RFC3339)
	}
	return v
}

// HandleUpload accepts one multipart file and preserves it.
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	req, err := h.parseUploadRequest(r, "file")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.coordinator.ProcessFile(r.Context(), req)
	if err != nil {
		h.writeWorkflowError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]any{
		"memory": toMemoryView(result.Memory),
		"asset":  toAssetView(result.Asset),
	})
}

// HandleBatchUpload accepts several multipart files under the "files" field.
// The response carries a per-file outcome; the call itself only fails on a
// malformed request.
func (h *Handler) HandleBatchUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		h.writeError(w, http.StatusBadRequest, errors.New("no files in request"))
		return
	}

	credential := bearerCredential(r)
	shared := sharedFields(r)

	var reqs []upload.Request
	for _, header := range files {
		f, err := header.Open()
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}

		reqs = append(reqs, upload.Request{
			FileName:        header.Filename,
			DeclaredMime:    header.Header.Get("Content-Type"),
			Data:            data,
			Credential:      credential,
			Preference:      shared.preference,
			Visibility:      shared.visibility,
			StorageDuration: shared.duration,
		})
	}

	batch := h.coordinator.ProcessBatch(r.Context(), reqs)

	items := make([]map[string]any, len(batch.Items))
	for i, item := range batch.Items {
		view := map[string]any{
			"index":    item.Index,
			"fileName": item.FileName,
		}
		if item.Err != nil {
			view["error"] = item.Err.Error()
		} else {
			view["memory"] = toMemoryView(item.Result.Memory)
		}
		items[i] = view
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"items":     items,
		"succeeded": batch.Succeeded,
		"failed":    batch.Failed,
		"stats": map[string]any{
			"elapsedMs":      batch.Stats.Elapsed.Milliseconds(),
			"totalBytes":     batch.Stats.TotalBytes,
			"bytesPerSecond": batch.Stats.BytesPerSecond,
		},
	})
}

// HandleGetMemory returns one memory with its assets.
func (h *Handler) HandleGetMemory(w http.ResponseWriter, r *http.Request) {
	memoryID := chi.URLParam(r, "memory_id")

	memory, err := h.store.GetMemory(r.Context(), memoryID)
	if errors.Is(err, ledger.ErrMemoryNotFound) {
		h.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	assets, err := h.store.AssetsForMemory(r.Context(), memoryID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	assetViews := make([]assetView, len(assets))
	for i, a := range assets {
		assetViews[i] = toAssetView(a)
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"memory": toMemoryView(memory),
		"assets": assetViews,
	})
}

// HandleDeleteMemory deletes a memory and reports the cleanup outcome.
// Logical deletion succeeding with backend cleanup failures still returns
// 200; the report says what lingered.
func (h *Handler) HandleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	memoryID := chi.URLParam(r, "memory_id")

	memory, err := h.store.GetMemory(r.Context(), memoryID)
	if errors.Is(err, ledger.ErrMemoryNotFound) {
		h.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	report, err := h.coordinator.DeleteMemory(r.Context(), memoryID, memory.Type)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"logicalDeleteOk": report.LogicalDeleteOK,
		"deletedEdges":    report.DeletedEdges,
		"deletedObjects":  report.DeletedObjects,
		"cleanupOk":       report.CleanupOK,
		"cleanupFailed":   report.CleanupFailed,
		"errors":          report.Errors,
	})
}

// HandleEdges returns the storage edges of one memory.
func (h *Handler) HandleEdges(w http.ResponseWriter, r *http.Request) {
	memoryID := chi.URLParam(r, "memory_id")

	memory, err := h.store.GetMemory(r.Context(), memoryID)
	if errors.Is(err, ledger.ErrMemoryNotFound) {
		h.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	edges, err := h.store.EdgesForMemory(r.Context(), memoryID, memory.Type)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	views := make([]edgeView, len(edges))
	for i, e := range edges {
		views[i] = toEdgeView(e)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"edges": views})
}

// HandleSyncState transitions one edge's sync state. Illegal transitions
// return 409.
func (h *Handler) HandleSyncState(w http.ResponseWriter, r *http.Request) {
	memoryID := chi.URLParam(r, "memory_id")
	artifact := interfaces.ArtifactKind(chi.URLParam(r, "artifact"))
	backend := interfaces.BackendKind(chi.URLParam(r, "backend"))

	if !artifact.Valid() || !backend.Valid() {
		h.writeError(w, http.StatusBadRequest, errors.New("unknown artifact or backend"))
		return
	}

	var body struct {
		State string `json:"state"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	state := interfaces.SyncState(body.State)
	if !state.Valid() {
		h.writeError(w, http.StatusBadRequest, errors.New("unknown sync state"))
		return
	}

	memory, err := h.store.GetMemory(r.Context(), memoryID)
	if errors.Is(err, ledger.ErrMemoryNotFound) {
		h.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	key := interfaces.EdgeKey{
		MemoryID:   memoryID,
		MemoryType: memory.Type,
		Artifact:   artifact,
		Backend:    backend,
	}
	err = h.store.MarkSyncState(r.Context(), key, state, body.Error)
	switch {
	case errors.Is(err, interfaces.ErrEdgeNotFound):
		h.writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, interfaces.ErrInvalidSyncTransition):
		h.writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	edge, err := h.store.GetEdge(r.Context(), key)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"edge": toEdgeView(edge)})
}

type uploadFields struct {
	preference string
	visibility interfaces.Visibility
	duration   *time.Duration
}

func sharedFields(r *http.Request) uploadFields {
	out := uploadFields{
		preference: r.FormValue("preference"),
		visibility: interfaces.Visibility(r.FormValue("visibility")),
	}
	if secs := r.FormValue("storage_duration_secs"); secs != "" {
		if n, err := strconv.ParseInt(secs, 10, 64); err == nil && n > 0 {
			d := time.Duration(n) * time.Second
			out.duration = &d
		}
	}
	return out
}

func bearerCredential(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if cred, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return cred
	}
	return r.FormValue("credential")
}

func (h *Handler) parseUploadRequest(r *http.Request, field string) (upload.Request, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return upload.Request{}, err
	}

	f, header, err := r.FormFile(field)
	if err != nil {
		return upload.Request{}, errors.New("missing file field")
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return upload.Request{}, err
	}

	shared := sharedFields(r)
	return upload.Request{
		FileName:        header.Filename,
		DeclaredMime:    header.Header.Get("Content-Type"),
		Data:            data,
		Credential:      bearerCredential(r),
		Preference:      shared.preference,
		Visibility:      shared.visibility,
		StorageDuration: shared.duration,
	}, nil
}

// writeWorkflowError maps coordinator failures to status codes: validation
// to 400, identity to 401, backend exhaustion to 502.
func (h *Handler) writeWorkflowError(w http.ResponseWriter, err error) {
	var validationErr *interfaces.ValidationError
	var uploadErr *interfaces.UploadError
	var aggregateErr *interfaces.AggregateUploadError

	switch {
	case errors.As(err, &validationErr):
		h.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, interfaces.ErrIdentity):
		h.writeError(w, http.StatusUnauthorized, err)
	case errors.As(err, &uploadErr), errors.As(err, &aggregateErr):
		h.writeError(w, http.StatusBadGateway, err)
	default:
		h.writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
