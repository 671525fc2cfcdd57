package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemosyne-app/mnemosyne/interfaces"
	"github.com/mnemosyne-app/mnemosyne/ledger"
	"github.com/mnemosyne-app/mnemosyne/storage"
	"github.com/mnemosyne-app/mnemosyne/upload"
)

func newTestServer(t *testing.T) (*Server, *ledger.Store) {
	t.Helper()

	store, err := ledger.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	provider, err := storage.NewFileProvider(t.TempDir(), "", nil)
	require.NoError(t, err)

	manager := storage.NewManager(map[interfaces.BackendKind]interfaces.Provider{
		interfaces.BackendFile: provider,
	}, storage.ManagerConfig{}, nil, nil)

	logger := slog.Default()
	coordinator := upload.NewCoordinator(upload.Config{
		DefaultBackends: []interfaces.BackendKind{interfaces.BackendFile},
	}, manager, store, nil, upload.TokenResolver{}, logger)

	handler := NewHandler(coordinator, store, logger)
	server, err := New(&HTTPServerConfig{
		ListenAddr: "127.0.0.1:0",
		Log:        logger,
	}, handler, nil)
	require.NoError(t, err)

	return server, store
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	return buf.Bytes()
}

// multipartBody builds a multipart request body with typed file parts.
func multipartBody(t *testing.T, field string, files map[string][]byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	for name, data := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name=%q; filename=%q`, field, name))
		header.Set("Content-Type", "image/png")
		part, err := writer.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	for name, value := range fields {
		require.NoError(t, writer.WriteField(name, value))
	}
	require.NoError(t, writer.Close())

	return &body, writer.FormDataContentType()
}

func doUpload(t *testing.T, router http.Handler, fileName string, data []byte) map[string]any {
	t.Helper()

	body, contentType := multipartBody(t, "file", map[string][]byte{fileName: data}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/memories", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer token-abc")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandleUpload(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.getRouter()

	out := doUpload(t, router, "sunset.png", testPNG(t))

	memory := out["memory"].(map[string]any)
	assert.Equal(t, "image", memory["type"])
	assert.Equal(t, float64(2), memory["storageCount"])
	assert.NotEmpty(t, memory["id"])

	asset := out["asset"].(map[string]any)
	assert.Equal(t, "original", asset["type"])
	assert.Equal(t, "completed", asset["processingStatus"])
}

func TestHandleUploadRejectsBadContent(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.getRouter()

	body, contentType := multipartBody(t, "file",
		map[string][]byte{"fake.png": []byte("not an image")}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/memories", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer token-abc")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleUploadRequiresCredential(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.getRouter()

	body, contentType := multipartBody(t, "file",
		map[string][]byte{"anon.png": testPNG(t)}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/memories", body)
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleBatchUpload(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.getRouter()

	body, contentType := multipartBody(t, "files", map[string][]byte{
		"a.png": testPNG(t),
		"b.png": testPNG(t),
		"c.png": []byte("garbage"),
	}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/memories/batch", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer token-abc")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, float64(2), out["succeeded"])
	assert.Equal(t, float64(1), out["failed"])
	assert.Len(t, out["items"], 3)
}

func TestHandleGetMemory(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.getRouter()

	out := doUpload(t, router, "keep.png", testPNG(t))
	memoryID := out["memory"].(map[string]any)["id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/memories/"+memoryID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got["assets"], 1)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/memories/nope", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDeleteMemory(t *testing.T) {
	server, store := newTestServer(t)
	router := server.getRouter()

	out := doUpload(t, router, "gone.png", testPNG(t))
	memoryID := out["memory"].(map[string]any)["id"].(string)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/memories/"+memoryID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, true, report["logicalDeleteOk"])
	assert.Equal(t, float64(2), report["deletedEdges"])

	_, err := store.GetMemory(req.Context(), memoryID)
	assert.ErrorIs(t, err, ledger.ErrMemoryNotFound)
}

func TestHandleEdgesAndSyncState(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.getRouter()

	out := doUpload(t, router, "synced.png", testPNG(t))
	memoryID := out["memory"].(map[string]any)["id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/memories/"+memoryID+"/edges", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got["edges"], 2)

	syncURL := "/api/v1/memories/" + memoryID + "/edges/asset/file/sync"

	// idle -> migrating is legal.
	req = httptest.NewRequest(http.MethodPut, syncURL,
		bytes.NewReader([]byte(`{"state":"migrating"}`)))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// migrating -> migrating is not.
	req = httptest.NewRequest(http.MethodPut, syncURL,
		bytes.NewReader([]byte(`{"state":"migrating"}`)))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unknown backend in the path is rejected outright.
	req = httptest.NewRequest(http.MethodPut,
		"/api/v1/memories/"+memoryID+"/edges/asset/floppy/sync",
		bytes.NewReader([]byte(`{"state":"migrating"}`)))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Edge that was never recorded.
	req = httptest.NewRequest(http.MethodPut,
		"/api/v1/memories/"+memoryID+"/edges/asset/s3/sync",
		bytes.NewReader([]byte(`{"state":"migrating"}`)))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadinessAndDrain(t *testing.T) {
	server, _ := newTestServer(t)
	server.cfg.DrainDuration = 0
	router := server.getRouter()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/livez").Code)
	assert.Equal(t, http.StatusOK, get("/readyz").Code)

	assert.Equal(t, http.StatusOK, get("/drain").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code)

	assert.Equal(t, http.StatusOK, get("/undrain").Code)
	assert.Equal(t, http.StatusOK, get("/readyz").Code)
}
