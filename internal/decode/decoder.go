// Package decode reads uploaded catalog files into a header row plus a lazy
// sequence of records.
//
// CSV input is transcoded from its declared charset with invalid bytes
// substituted, then split on the declared delimiter. Spreadsheets are read
// one worksheet at a time through excelize's row iterator. In both formats
// rows whose cells are all empty are skipped: they are not numbered, not
// counted and never reach the pipeline.
package decode

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// Kind is the declared file format.
type Kind string

const (
	KindCSV  Kind = "csv"
	KindXLSX Kind = "xlsx"
)

var (
	ErrUnsupportedFile     = errors.New("unsupported file type")
	ErrUnsupportedEncoding = errors.New("unsupported encoding")
	ErrUnsupportedDelim    = errors.New("unsupported delimiter")
	ErrWorksheetNotFound   = errors.New("worksheet not found")
	ErrEmptyFile           = errors.New("file appears to be empty or has no headers")
)

// Options configures Open.
type Options struct {
	Kind      Kind
	Encoding  string // csv only; empty means utf-8
	Delimiter string // csv only; empty means ","
	Worksheet string // xlsx only; empty means the first populated sheet

	// Offset skips that many data rows before the first record is returned.
	Offset int
}

// Record is one non-empty data row.
type Record struct {
	// Number is the 1-based position among non-empty data rows.
	Number int
	Values []string

	index *headerIndex
}

// Get returns the cell under header. ok is false when the file has no such
// header; a short row yields "" for trailing headers.
func (r Record) Get(header string) (string, bool) {
	i, ok := r.index.pos[header]
	if !ok {
		return "", false
	}
	if i >= len(r.Values) {
		return "", true
	}
	return r.Values[i], true
}

// Map returns the record as header → value, for persisting raw rows.
func (r Record) Map() map[string]string {
	out := make(map[string]string, len(r.index.headers))
	for i, h := range r.index.headers {
		if h == "" {
			continue
		}
		if _, dup := out[h]; dup {
			continue
		}
		if i < len(r.Values) {
			out[h] = r.Values[i]
		} else {
			out[h] = ""
		}
	}
	return out
}

type headerIndex struct {
	headers []string
	pos     map[string]int
}

func newHeaderIndex(headers []string) *headerIndex {
	idx := &headerIndex{headers: headers, pos: make(map[string]int, len(headers))}
	for i, h := range headers {
		if h == "" {
			continue
		}
		if _, dup := idx.pos[h]; !dup {
			idx.pos[h] = i
		}
	}
	return idx
}

// Source yields records in file order.
type Source interface {
	Headers() []string

	// Next returns the next record, or io.EOF after the last one.
	Next() (Record, error)

	Close() error
}

// Open starts decoding r. Errors returned here are fatal for the batch:
// unknown format, charset or delimiter, missing worksheet, or no header row.
func Open(r io.Reader, opts Options) (Source, error) {
	var (
		src Source
		err error
	)
	switch opts.Kind {
	case KindCSV:
		src, err = openCSV(r, opts)
	case KindXLSX:
		src, err = openXLSX(r, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFile, opts.Kind)
	}
	if err != nil {
		return nil, err
	}

	for i := 0; i < opts.Offset; i++ {
		if _, err := src.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			src.Close()
			return nil, err
		}
	}
	return src, nil
}

// Count reads every record and reports the header list and number of
// non-empty data rows. It is used once, at upload time.
func Count(r io.Reader, opts Options) ([]string, int, error) {
	opts.Offset = 0
	src, err := Open(r, opts)
	if err != nil {
		return nil, 0, err
	}
	defer src.Close()

	n := 0
	for {
		_, err := src.Next()
		if errors.Is(err, io.EOF) {
			return src.Headers(), n, nil
		}
		if err != nil {
			return nil, 0, err
		}
		n++
	}
}

// Preview returns up to limit records starting after offset data rows.
func Preview(r io.Reader, opts Options, limit int) ([]string, []map[string]string, error) {
	src, err := Open(r, opts)
	if err != nil {
		return nil, nil, err
	}
	defer src.Close()

	var rows []map[string]string
	for len(rows) < limit {
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, rec.Map())
	}
	return src.Headers(), rows, nil
}

func cleanHeaders(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = strings.TrimSpace(c)
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return out
}

func isEmptyRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
