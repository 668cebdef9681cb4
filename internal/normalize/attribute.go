package normalize

import (
	"fmt"
	"time"
)

// Attribute data types of dynamic part attributes.
const (
	AttrText   = "text"
	AttrInt    = "int"
	AttrDec    = "dec"
	AttrBool   = "bool"
	AttrDate   = "date"
	AttrChoice = "choice"
)

var attributeDateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"02/01/2006",
	"2006-01-02 15:04:05",
}

// ParseAttribute converts a raw cell for an attribute of the given data
// type. Text and choice values come back as collapsed strings; choices are
// matched against the attribute's options by the caller.
func ParseAttribute(dataType, raw string) (any, error) {
	s := CollapseSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("empty value")
	}

	switch dataType {
	case AttrText, AttrChoice:
		return s, nil

	case AttrInt:
		d, err := ParseDecimal(s)
		if err != nil {
			return nil, fmt.Errorf("invalid integer value %q", s)
		}
		return d.IntPart(), nil

	case AttrDec:
		d, err := ParseDecimal(s)
		if err != nil {
			return nil, fmt.Errorf("invalid decimal value %q", s)
		}
		return d, nil

	case AttrBool:
		b, ok := ParseBool(s)
		if !ok {
			return nil, fmt.Errorf("invalid boolean value %q", s)
		}
		return b, nil

	case AttrDate:
		for _, layout := range attributeDateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
			}
		}
		return nil, fmt.Errorf("invalid date value %q", s)

	default:
		return nil, fmt.Errorf("unknown attribute type %q", dataType)
	}
}
