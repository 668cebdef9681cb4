package decode

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

type xlsxSource struct {
	file  *excelize.File
	rows  *excelize.Rows
	index *headerIndex
	n     int
}

func openXLSX(r io.Reader, opts Options) (Source, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable spreadsheet: %v", ErrUnsupportedFile, err)
	}

	sheet, err := pickSheet(f, opts.Worksheet)
	if err != nil {
		f.Close()
		return nil, err
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open worksheet %q: %w", sheet, err)
	}

	var headers []string
	if rows.Next() {
		cells, err := rows.Columns()
		if err != nil {
			rows.Close()
			f.Close()
			return nil, fmt.Errorf("read worksheet %q header: %w", sheet, err)
		}
		headers = cleanHeaders(cells)
	}
	if len(headers) == 0 {
		rows.Close()
		f.Close()
		return nil, ErrEmptyFile
	}

	return &xlsxSource{file: f, rows: rows, index: newHeaderIndex(headers)}, nil
}

// pickSheet returns the requested worksheet, or the first one with any
// populated cell when none was requested.
func pickSheet(f *excelize.File, want string) (string, error) {
	sheets := f.GetSheetList()
	if want != "" {
		for _, s := range sheets {
			if s == want {
				return s, nil
			}
		}
		return "", fmt.Errorf("%w: %q", ErrWorksheetNotFound, want)
	}

	for _, s := range sheets {
		populated, err := sheetPopulated(f, s)
		if err != nil {
			return "", err
		}
		if populated {
			return s, nil
		}
	}
	return "", ErrEmptyFile
}

func sheetPopulated(f *excelize.File, sheet string) (bool, error) {
	rows, err := f.Rows(sheet)
	if err != nil {
		return false, fmt.Errorf("open worksheet %q: %w", sheet, err)
	}
	defer rows.Close()

	for rows.Next() {
		cells, err := rows.Columns()
		if err != nil {
			return false, err
		}
		if !isEmptyRow(cells) {
			return true, nil
		}
	}
	return false, rows.Error()
}

func (s *xlsxSource) Headers() []string { return s.index.headers }

func (s *xlsxSource) Next() (Record, error) {
	for s.rows.Next() {
		cells, err := s.rows.Columns()
		if err != nil {
			return Record{}, fmt.Errorf("read worksheet row: %w", err)
		}
		if isEmptyRow(cells) {
			continue
		}
		s.n++
		return Record{Number: s.n, Values: cells, index: s.index}, nil
	}
	if err := s.rows.Error(); err != nil {
		return Record{}, err
	}
	return Record{}, io.EOF
}

func (s *xlsxSource) Close() error {
	rowsErr := s.rows.Close()
	if err := s.file.Close(); err != nil {
		return err
	}
	return rowsErr
}
