package decode

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// Canonical encoding names accepted for CSV uploads.
const (
	EncodingUTF8    = "utf-8"
	EncodingLatin1  = "latin-1"
	EncodingCP1252  = "cp1252"
	EncodingISO8859 = "iso-8859-1"
)

// detectConfidence is the minimum chardet confidence (0-100) to trust a guess.
const detectConfidence = 70

// LookupEncoding maps a declared encoding name to a decoder. The utf-8
// decoder strips a leading BOM and substitutes U+FFFD for invalid bytes.
func LookupEncoding(name string) (encoding.Encoding, error) {
	switch normalizeEncodingName(name) {
	case "", "utf8":
		return unicode.UTF8BOM, nil
	case "latin1", "iso88591":
		return charmap.ISO8859_1, nil
	case "cp1252", "windows1252":
		return charmap.Windows1252, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, name)
	}
}

// CanonicalEncoding returns the stored name for a declared encoding.
func CanonicalEncoding(name string) (string, error) {
	switch normalizeEncodingName(name) {
	case "", "utf8":
		return EncodingUTF8, nil
	case "latin1":
		return EncodingLatin1, nil
	case "iso88591":
		return EncodingISO8859, nil
	case "cp1252", "windows1252":
		return EncodingCP1252, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedEncoding, name)
	}
}

func normalizeEncodingName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("-", "", "_", "", " ", "").Replace(name)
}

// DetectEncoding guesses the charset of a CSV sample. Guesses below the
// confidence threshold, and charsets the importer cannot decode, fall back
// to utf-8.
func DetectEncoding(sample []byte) string {
	if len(sample) == 0 {
		return EncodingUTF8
	}
	res, err := chardet.NewTextDetector().DetectBest(sample)
	if err != nil || res == nil || res.Confidence <= detectConfidence {
		return EncodingUTF8
	}
	switch normalizeEncodingName(res.Charset) {
	case "iso88591":
		return EncodingLatin1
	case "windows1252":
		return EncodingCP1252
	default:
		return EncodingUTF8
	}
}

// ParseDelimiter accepts a delimiter character or its name.
func ParseDelimiter(s string) (rune, error) {
	switch strings.ToLower(s) {
	case "", ",", "comma":
		return ',', nil
	case ";", "semicolon":
		return ';', nil
	case "\t", `\t`, "tab":
		return '\t', nil
	case "|", "pipe":
		return '|', nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedDelim, s)
	}
}

var zipMagic = []byte("PK\x03\x04")

// DetectKind infers the file format from its name and first bytes.
func DetectKind(filename string, head []byte) (Kind, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx", ".xlsm":
		return KindXLSX, nil
	case ".csv", ".txt", ".tsv":
		return KindCSV, nil
	}
	if bytes.HasPrefix(head, zipMagic) {
		return KindXLSX, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFile, filepath.Ext(filename))
}
