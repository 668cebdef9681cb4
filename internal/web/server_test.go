package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/catalogimport/internal/catalog"
	"github.com/JonMunkholm/catalogimport/internal/config"
	"github.com/JonMunkholm/catalogimport/internal/importer"
	"github.com/JonMunkholm/catalogimport/internal/store"
	"github.com/JonMunkholm/catalogimport/internal/store/memstore"
)

// syncRunner processes a batch before Start returns.
type syncRunner struct{ proc importer.Processor }

func (r syncRunner) Run(ctx context.Context, id uuid.UUID) error { return r.proc.Process(ctx, id) }
func (r syncRunner) Queued() bool                                { return false }

type testServer struct {
	t     *testing.T
	store *memstore.Store
	h     http.Handler
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := &config.Config{
		Server:  config.ServerConfig{RequestTimeout: 30 * time.Second},
		Import:  config.ImportConfig{MaxFileSize: 1 << 20, MaxRows: 1000},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	for _, m := range mutate {
		m(cfg)
	}

	files, err := importer.NewDiskFiles(t.TempDir())
	require.NoError(t, err)
	s := memstore.New()
	orch := importer.NewOrchestrator(s, files, cfg.Import)
	svc := importer.NewService(s, files, orch, syncRunner{orch}, cfg.Import)

	srv := NewServer(svc, cfg)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return &testServer{t: t, store: s, h: srv.Router()}
}

func (ts *testServer) do(method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	ts.t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) json(method, path string, in, out any) int {
	ts.t.Helper()
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		require.NoError(ts.t, err)
		body = bytes.NewReader(b)
	}
	rec := ts.do(method, path, body, "application/json")
	if out != nil {
		require.NoError(ts.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func (ts *testServer) upload(name, content string, fields map[string]string) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(ts.t, err)
	_, err = io.WriteString(fw, content)
	require.NoError(ts.t, err)
	for k, v := range fields {
		require.NoError(ts.t, mw.WriteField(k, v))
	}
	require.NoError(ts.t, mw.Close())
	return ts.do(http.MethodPost, "/api/imports", &buf, mw.FormDataContentType())
}

const partsCSV = "Part Number,Vendor,Cost\nP-100,Acme,1.50\nP-200,Acme,2.25\n"

func TestImportLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.upload("parts.csv", partsCSV, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var b store.Batch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	require.Equal(t, store.StatusUploaded, b.Status)
	require.Equal(t, 2, b.TotalRows)
	base := "/api/imports/" + b.ID.String()

	var preview importer.Preview
	require.Equal(t, http.StatusOK, ts.json(http.MethodGet, base+"/preview?limit=1&offset=1", nil, &preview))
	require.Equal(t, []string{"Part Number", "Vendor", "Cost"}, preview.Headers)
	require.Len(t, preview.Rows, 1)
	require.Equal(t, "P-200", preview.Rows[0]["Part Number"])

	var sugg map[catalog.Family]map[string]string
	require.Equal(t, http.StatusOK, ts.json(http.MethodGet, base+"/suggestions", nil, &sugg))
	require.NotEmpty(t, sugg)

	var errResp ErrorResponse
	require.Equal(t, http.StatusBadRequest, ts.json(http.MethodPost, base+"/start", nil, &errResp))
	require.Equal(t, "IMP002", errResp.Code)

	attach := importer.AttachRequest{Mapping: &store.Mapping{
		Part:           map[string]string{"part_number": "Part Number"},
		Vendor:         map[string]string{"vendor_name": "Vendor", "vendor_cost": "Cost"},
		SkipDuplicates: true,
	}}
	require.Equal(t, http.StatusOK, ts.json(http.MethodPut, base+"/mapping", attach, &b))
	require.Equal(t, store.StatusMapped, b.Status)

	var st importer.StatusReport
	require.Equal(t, http.StatusAccepted, ts.json(http.MethodPost, base+"/start", nil, &st))
	require.Equal(t, store.StatusCompleted, st.Status)
	require.True(t, st.IsComplete)
	require.Equal(t, 100, st.Progress)
	require.Equal(t, 2, st.SuccessRows)
	require.Equal(t, 2, st.Stats.PartsCreated)
	require.NotEmpty(t, st.RecentLogs)

	var rows []store.Row
	require.Equal(t, http.StatusOK, ts.json(http.MethodGet, base+"/rows?vendor_created=true", nil, &rows))
	require.Len(t, rows, 1)
	require.Equal(t, 1, rows[0].RowNumber)

	var logs []store.LogEntry
	require.Equal(t, http.StatusOK, ts.json(http.MethodGet, base+"/logs?level=info", nil, &logs))
	require.NotEmpty(t, logs)

	var rp importer.RevertPreview
	require.Equal(t, http.StatusOK, ts.json(http.MethodGet, base+"/revert", nil, &rp))
	require.Equal(t, 2, rp.Parts)
	require.Equal(t, 1, rp.Vendors)
	require.Equal(t, 2, ts.store.Count(catalog.Parts), "preview deletes nothing")

	var res importer.RevertResult
	require.Equal(t, http.StatusOK, ts.json(http.MethodPost, base+"/revert", nil, &res))
	require.Equal(t, 2, res.Parts)
	require.Equal(t, 0, ts.store.Count(catalog.Parts))

	require.Equal(t, http.StatusConflict, ts.json(http.MethodPost, base+"/revert", nil, &errResp))
	require.Equal(t, "IMP001", errResp.Code)

	var list []store.Batch
	require.Equal(t, http.StatusOK, ts.json(http.MethodGet, "/api/imports", nil, &list))
	require.Len(t, list, 1)
	require.Equal(t, store.StatusReverted, list[0].Status)
}

func TestUploadErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name    string
		file    string
		content string
		fields  map[string]string
		status  int
		code    string
	}{
		{"unsupported kind", "parts.pdf", "%PDF-1.4", nil, http.StatusBadRequest, "FILE002"},
		{"headers only", "parts.csv", "Part Number\n", nil, http.StatusBadRequest, "FILE005"},
		{"bad delimiter", "parts.csv", partsCSV, map[string]string{"delimiter": "#"}, http.StatusBadRequest, "FILE007"},
		{"too large", "parts.csv", "Part Number\n" + strings.Repeat("P-1\n", 300_000), nil,
			http.StatusRequestEntityTooLarge, "FILE001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.upload(tt.file, tt.content, tt.fields)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.Equal(t, tt.code, resp.Code)
			require.NotEmpty(t, resp.Error)
		})
	}

	rec := ts.do(http.MethodPost, "/api/imports", strings.NewReader("x"), "text/plain")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatchRouteErrors(t *testing.T) {
	ts := newTestServer(t)

	var resp ErrorResponse
	require.Equal(t, http.StatusBadRequest, ts.json(http.MethodGet, "/api/imports/not-a-uuid", nil, &resp))
	require.Equal(t, "REQ001", resp.Code)

	require.Equal(t, http.StatusNotFound, ts.json(http.MethodGet, "/api/imports/"+uuid.NewString()+"/status", nil, &resp))
	require.Equal(t, "IMP004", resp.Code)

	rec := ts.upload("parts.csv", partsCSV, nil)
	var b store.Batch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	base := "/api/imports/" + b.ID.String()

	require.Equal(t, http.StatusBadRequest, ts.json(http.MethodGet, base+"/rows?has_errors=maybe", nil, &resp))
	require.Equal(t, http.StatusBadRequest, ts.json(http.MethodGet, base+"/logs?level=debug", nil, &resp))
	require.Equal(t, http.StatusConflict, ts.json(http.MethodPost, base+"/cancel", nil, &resp))

	bad := importer.AttachRequest{Mapping: &store.Mapping{Part: map[string]string{"part_number": "PN"}}}
	require.Equal(t, http.StatusBadRequest, ts.json(http.MethodPut, base+"/mapping", bad, &resp))
	require.Equal(t, "MAP001", resp.Code)
	require.Contains(t, resp.Error, `"PN"`)

	rec = ts.do(http.MethodPut, base+"/mapping", strings.NewReader(`{"bogus":1}`), "application/json")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMappingEndpoints(t *testing.T) {
	ts := newTestServer(t)

	in := store.Mapping{
		Name: "Vendor price list",
		Part: map[string]string{"part_number": "Part Number"},
	}
	var created store.Mapping
	require.Equal(t, http.StatusCreated, ts.json(http.MethodPost, "/api/mappings", in, &created))
	require.NotEqual(t, uuid.Nil, created.ID)
	require.Equal(t, importer.DefaultChunkSize, created.ChunkSize)

	var got store.Mapping
	require.Equal(t, http.StatusOK, ts.json(http.MethodGet, "/api/mappings/"+created.ID.String(), nil, &got))
	require.Equal(t, "Vendor price list", got.Name)

	rec := ts.upload("parts.csv", partsCSV, nil)
	var b store.Batch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	attach := importer.AttachRequest{MappingID: uuid.NullUUID{UUID: created.ID, Valid: true}}
	require.Equal(t, http.StatusOK, ts.json(http.MethodPut, "/api/imports/"+b.ID.String()+"/mapping", attach, &b))
	require.Equal(t, created.ID, b.MappingID.UUID)

	var list []store.Mapping
	require.Equal(t, http.StatusOK, ts.json(http.MethodGet, "/api/mappings", nil, &list))
	require.Len(t, list, 1)

	var resp ErrorResponse
	require.Equal(t, http.StatusBadRequest, ts.json(http.MethodPost, "/api/mappings", store.Mapping{}, &resp))
	require.Equal(t, "MAP001", resp.Code)

	rec = ts.do(http.MethodDelete, "/api/mappings/"+created.ID.String(), nil, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, http.StatusNotFound, ts.json(http.MethodGet, "/api/mappings/"+created.ID.String(), nil, &resp))
}

func TestFieldsHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	var fields map[catalog.Family][]importer.FieldInfo
	require.Equal(t, http.StatusOK, ts.json(http.MethodGet, "/api/fields", nil, &fields))
	require.NotEmpty(t, fields[catalog.FamilyPart])

	var health map[string]string
	require.Equal(t, http.StatusOK, ts.json(http.MethodGet, "/healthz", nil, &health))
	require.Equal(t, "ok", health["status"])

	rec := ts.do(http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestAPIKeyRequired(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Security = config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"secret"}}
	})

	require.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/api/fields", nil, "").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/fields", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/healthz", nil, "").Code, "health stays open")
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Rate = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2}
	})
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/fields", nil, "").Code)
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/fields", nil, "").Code)
	require.Equal(t, http.StatusTooManyRequests, ts.do(http.MethodGet, "/api/fields", nil, "").Code)
}
