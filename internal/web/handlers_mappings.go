package web

import (
	"net/http"

	"github.com/JonMunkholm/catalogimport/internal/importer"
	"github.com/JonMunkholm/catalogimport/internal/store"
)

// handleListMappings lists saved mappings; include_temporary=true adds the
// ones created for single batches.
func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	withTemp, err := parseBoolParam(r, "include_temporary")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	mappings, err := s.service.Mappings(r.Context(), withTemp != nil && *withTemp)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if mappings == nil {
		mappings = []store.Mapping{}
	}
	writeJSON(w, r, http.StatusOK, mappings)
}

func (s *Server) handleCreateMapping(w http.ResponseWriter, r *http.Request) {
	var m store.Mapping
	if err := decodeJSON(r, &m); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if err := s.service.CreateMapping(r.Context(), &m); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, m)
}

func (s *Server) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "mappingID")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	m, err := s.service.Mapping(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, m)
}

func (s *Server) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "mappingID")
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if err := s.service.DeleteMapping(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFields(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, importer.ExpectedFields())
}
