package decode

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/transform"
)

type csvSource struct {
	reader *csv.Reader
	index  *headerIndex
	n      int
}

func openCSV(r io.Reader, opts Options) (Source, error) {
	enc, err := LookupEncoding(opts.Encoding)
	if err != nil {
		return nil, err
	}
	delim, err := ParseDelimiter(opts.Delimiter)
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(transform.NewReader(r, enc.NewDecoder()))
	cr.Comma = delim
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	first, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	headers := cleanHeaders(first)
	if len(headers) == 0 {
		return nil, ErrEmptyFile
	}
	return &csvSource{reader: cr, index: newHeaderIndex(headers)}, nil
}

func (s *csvSource) Headers() []string { return s.index.headers }

func (s *csvSource) Next() (Record, error) {
	for {
		cells, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Record{}, io.EOF
			}
			line, _ := s.reader.FieldPos(0)
			return Record{}, fmt.Errorf("read csv line %d: %w", line, err)
		}
		if isEmptyRow(cells) {
			continue
		}
		s.n++
		return Record{Number: s.n, Values: cells, index: s.index}, nil
	}
}

func (s *csvSource) Close() error { return nil }
