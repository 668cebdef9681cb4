package importer

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/JonMunkholm/catalogimport/internal/decode"
	"github.com/JonMunkholm/catalogimport/internal/store"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"invalid state", fmt.Errorf("start: %w", ErrInvalidState), "IMP001", http.StatusConflict},
		{"no mapping", ErrNoMapping, "IMP002", http.StatusBadRequest},
		{"too many imports", ErrTooManyImports, "IMP003", http.StatusTooManyRequests},
		{"not found", fmt.Errorf("batch x: %w", store.ErrNotFound), "IMP004", http.StatusNotFound},
		{"file too large", ErrFileTooLarge, "FILE001", http.StatusRequestEntityTooLarge},
		{"unsupported file", decode.ErrUnsupportedFile, "FILE002", http.StatusBadRequest},
		{"encoding", decode.ErrUnsupportedEncoding, "FILE003", http.StatusBadRequest},
		{"worksheet", decode.ErrWorksheetNotFound, "FILE004", http.StatusBadRequest},
		{"empty", decode.ErrEmptyFile, "FILE005", http.StatusBadRequest},
		{"rows", ErrTooManyRows, "FILE006", http.StatusBadRequest},
		{"delimiter", decode.ErrUnsupportedDelim, "FILE007", http.StatusBadRequest},
		{"duplicate", store.ErrDuplicate, "DB001", http.StatusConflict},
		{"driver duplicate text", errors.New("ERROR: duplicate key value violates unique constraint"), "DB001", http.StatusConflict},
		{"connection refused", errors.New("dial tcp: connection refused"), "DB002", http.StatusServiceUnavailable},
		{"timeout", errors.New("context deadline exceeded"), "DB003", http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), "ERR000", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ue := MapError(tt.err)
			if ue.Code != tt.code {
				t.Errorf("Code = %q, want %q", ue.Code, tt.code)
			}
			if got := ue.Status(); got != tt.status {
				t.Errorf("Status() = %d, want %d", got, tt.status)
			}
			if !errors.Is(ue, tt.err) {
				t.Error("UserError does not unwrap to the technical error")
			}
		})
	}
}

func TestMapErrorMappingMessageNamesHeader(t *testing.T) {
	err := fmt.Errorf("%w: header %q mapped to part_number not found in file", ErrInvalidMapping, "PN")
	ue := MapError(err)
	if ue.Code != "MAP001" {
		t.Fatalf("Code = %q, want MAP001", ue.Code)
	}
	if ue.Message != err.Error() {
		t.Errorf("Message = %q, want the mapping error text", ue.Message)
	}
}

func TestMapErrorPassesThrough(t *testing.T) {
	if MapError(nil) != nil {
		t.Error("MapError(nil) should be nil")
	}
	ue := &UserError{Code: "IMP001", Message: "x"}
	if got := MapError(fmt.Errorf("wrap: %w", ue)); got != ue {
		t.Error("existing UserError should pass through")
	}
}
