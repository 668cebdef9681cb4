package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/catalogimport/internal/importer"
	"github.com/JonMunkholm/catalogimport/internal/store"
)

// multipartMemory is how much of an upload is buffered in memory; the rest
// spills to temporary files.
const multipartMemory = 32 << 20

// batchHandler is a handler that operates on the batch named in the URL.
type batchHandler func(w http.ResponseWriter, r *http.Request, id uuid.UUID)

func (s *Server) withBatch(h batchHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUIDParam(r, "batchID")
		if err != nil {
			badRequest(w, r, err.Error())
			return
		}
		h(w, r, id)
	}
}

// handleUpload stores a multipart "file" and creates its batch. Optional
// form fields: encoding, delimiter, worksheet.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Leave room for the multipart envelope; the service enforces the
	// exact file limit.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Import.MaxFileSize+1<<20)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			respondError(w, r, importer.ErrFileTooLarge)
			return
		}
		badRequest(w, r, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, r, "no file provided")
		return
	}
	defer file.Close()

	b, err := s.service.Upload(r.Context(), importer.UploadRequest{
		Name:      header.Filename,
		Body:      file,
		Encoding:  r.FormValue("encoding"),
		Delimiter: r.FormValue("delimiter"),
		Worksheet: r.FormValue("worksheet"),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, b)
}

func (s *Server) handleListImports(w http.ResponseWriter, r *http.Request) {
	batches, err := s.service.ListBatches(r.Context(), parseIntParam(r, "limit", 50, 1))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if batches == nil {
		batches = []store.Batch{}
	}
	writeJSON(w, r, http.StatusOK, batches)
}

func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	b, err := s.service.Batch(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	offset := parseIntParam(r, "offset", 0, 0)
	limit := parseIntParam(r, "limit", 10, 1)
	p, err := s.service.PreviewRows(r.Context(), id, offset, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	sugg, err := s.service.Suggest(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, sugg)
}

// handleAttachMapping accepts {"mapping_id": "..."} or {"mapping": {...}}.
func (s *Server) handleAttachMapping(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	var req importer.AttachRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	b, err := s.service.AttachMapping(r.Context(), id, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	if err := s.service.Start(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	s.respondStatus(w, r, id, http.StatusAccepted)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	s.respondStatus(w, r, id, http.StatusOK)
}

func (s *Server) respondStatus(w http.ResponseWriter, r *http.Request, id uuid.UUID, code int) {
	st, err := s.service.Status(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, code, st)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	if err := s.service.Cancel(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	s.respondStatus(w, r, id, http.StatusAccepted)
}

// handleRows lists row outcomes. Filters: has_errors, machine_created,
// engine_created, part_created, vendor_created; paging: limit, offset.
func (s *Server) handleRows(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	f := store.RowFilter{
		Limit:  parseIntParam(r, "limit", 100, 1),
		Offset: parseIntParam(r, "offset", 0, 0),
	}
	for name, dst := range map[string]**bool{
		"has_errors":      &f.HasErrors,
		"machine_created": &f.MachineCreated,
		"engine_created":  &f.EngineCreated,
		"part_created":    &f.PartCreated,
		"vendor_created":  &f.VendorCreated,
	} {
		v, err := parseBoolParam(r, name)
		if err != nil {
			badRequest(w, r, err.Error())
			return
		}
		*dst = v
	}

	rows, err := s.service.Rows(r.Context(), id, f)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if rows == nil {
		rows = []store.Row{}
	}
	writeJSON(w, r, http.StatusOK, rows)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	level := r.URL.Query().Get("level")
	switch level {
	case "", store.LevelInfo, store.LevelWarning, store.LevelError:
	default:
		badRequest(w, r, "level must be info, warning or error")
		return
	}
	logs, err := s.service.Logs(r.Context(), id, level, parseIntParam(r, "limit", 100, 1))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if logs == nil {
		logs = []store.LogEntry{}
	}
	writeJSON(w, r, http.StatusOK, logs)
}

func (s *Server) handleRevertPreview(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	p, err := s.service.PreviewRevert(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	res, err := s.service.Revert(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.service.Ping(ctx); err != nil {
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}
