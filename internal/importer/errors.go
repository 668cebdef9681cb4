package importer

// errors.go maps technical errors to user-facing messages with stable codes
// that users can quote to support.
//
// Codes are grouped by category:
//
//	IMP001 - Batch is not in a state that allows the action
//	IMP002 - No mapping attached to the batch
//	IMP003 - Too many imports running
//	IMP004 - Batch or mapping not found
//	MAP001 - Mapping references unknown headers or fields
//	FILE001 - File exceeds the size limit
//	FILE002 - Unsupported file type
//	FILE003 - Unsupported or unreadable encoding
//	FILE004 - Worksheet not found
//	FILE005 - Empty file or no data rows
//	FILE006 - Too many data rows
//	FILE007 - Unsupported delimiter
//	DB001 - Duplicate record
//	DB002 - Database unavailable
//	DB003 - Operation timed out
//	ERR000 - Unexpected error; check the process log for the technical error
//
// Sentinel errors are matched first with errors.Is. Errors that arrive only
// as text (driver messages) fall back to case-insensitive substring patterns,
// first match wins.

import (
	"errors"
	"net/http"
	"strings"

	"github.com/JonMunkholm/catalogimport/internal/decode"
	"github.com/JonMunkholm/catalogimport/internal/store"
)

var (
	ErrInvalidState   = errors.New("batch is not in a valid state for this action")
	ErrNoMapping      = errors.New("no mapping configuration attached")
	ErrInvalidMapping = errors.New("invalid mapping")
	ErrTooManyRows    = errors.New("too many data rows")
	ErrFileTooLarge   = errors.New("file too large")
	ErrTooManyImports = errors.New("too many concurrent imports, please try again later")
)

// UserError is a technical error paired with a message safe to show users.
type UserError struct {
	Code      string
	Message   string
	Technical error
}

func (e *UserError) Error() string { return e.Message }

func (e *UserError) Unwrap() error { return e.Technical }

// Status returns the HTTP status matching the error code.
func (e *UserError) Status() int {
	switch e.Code {
	case "IMP001":
		return http.StatusConflict
	case "IMP003":
		return http.StatusTooManyRequests
	case "IMP004":
		return http.StatusNotFound
	case "FILE001":
		return http.StatusRequestEntityTooLarge
	case "DB001":
		return http.StatusConflict
	case "DB002", "DB003":
		return http.StatusServiceUnavailable
	case "ERR000":
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

type sentinelMessage struct {
	err  error
	code string
	msg  string
}

var sentinelMessages = []sentinelMessage{
	{ErrInvalidState, "IMP001", "The import is not in a state that allows this action"},
	{ErrNoMapping, "IMP002", "Attach a field mapping before starting the import"},
	{ErrTooManyImports, "IMP003", "Too many imports are running, please try again shortly"},
	{store.ErrNotFound, "IMP004", "Import or mapping not found"},
	{ErrInvalidMapping, "MAP001", "The mapping does not match the uploaded file"},
	{ErrFileTooLarge, "FILE001", "The file exceeds the maximum upload size"},
	{decode.ErrUnsupportedFile, "FILE002", "Unsupported file type, upload a CSV or XLSX file"},
	{decode.ErrUnsupportedEncoding, "FILE003", "Unsupported file encoding"},
	{decode.ErrWorksheetNotFound, "FILE004", "The selected worksheet does not exist in the workbook"},
	{decode.ErrEmptyFile, "FILE005", "The file is empty or has no header row"},
	{ErrTooManyRows, "FILE006", "The file has more rows than a single import allows"},
	{decode.ErrUnsupportedDelim, "FILE007", "Unsupported delimiter, use comma, semicolon, tab or pipe"},
	{store.ErrDuplicate, "DB001", "A record with the same key already exists"},
}

type errorPattern struct {
	pattern string
	code    string
	msg     string
}

var errorPatterns = []errorPattern{
	{"duplicate key", "DB001", "A record with the same key already exists"},
	{"connection refused", "DB002", "The database is unavailable, please try again"},
	{"connection reset", "DB002", "The database is unavailable, please try again"},
	{"deadline exceeded", "DB003", "The operation timed out"},
	{"timeout", "DB003", "The operation timed out"},
}

// MapError converts err into a UserError. It returns nil for nil and passes
// an existing UserError through unchanged.
func MapError(err error) *UserError {
	if err == nil {
		return nil
	}
	var ue *UserError
	if errors.As(err, &ue) {
		return ue
	}

	for _, s := range sentinelMessages {
		if errors.Is(err, s.err) {
			msg := s.msg
			// Mapping problems name the offending header.
			if s.code == "MAP001" {
				msg = err.Error()
			}
			return &UserError{Code: s.code, Message: msg, Technical: err}
		}
	}

	text := strings.ToLower(err.Error())
	for _, p := range errorPatterns {
		if strings.Contains(text, p.pattern) {
			return &UserError{Code: p.code, Message: p.msg, Technical: err}
		}
	}
	return &UserError{Code: "ERR000", Message: "An unexpected error occurred", Technical: err}
}
