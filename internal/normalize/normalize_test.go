package normalize

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/catalogimport/internal/catalog"
)

type mapRow map[string]string

func (m mapRow) Get(h string) (string, bool) {
	v, ok := m[h]
	return v, ok
}

func TestValue(t *testing.T) {
	tests := []struct {
		name     string
		kind     catalog.Kind
		raw      string
		want     any
		wantOK   bool
		wantWarn bool
	}{
		{"text collapses", catalog.KindText, "  John   Deere \t 4020 ", "John Deere 4020", true, false},
		{"text empty", catalog.KindText, "   ", nil, false, false},
		{"upper", catalog.KindUpper, " ab-12c ", "AB-12C", true, false},
		{"int plain", catalog.KindInt, "1952", int64(1952), true, false},
		{"int float spelling", catalog.KindInt, "4.0", int64(4), true, false},
		{"int truncates", catalog.KindInt, "4.9", int64(4), true, false},
		{"int with comma", catalog.KindInt, "1,200", int64(1200), true, false},
		{"int junk", catalog.KindInt, "four", nil, false, false},
		{"bool yes", catalog.KindBool, "Yes", true, true, false},
		{"bool check", catalog.KindBool, "✓", true, true, false},
		{"bool y", catalog.KindBool, "y", true, true, false},
		{"bool x", catalog.KindBool, "X", false, true, false},
		{"bool zero", catalog.KindBool, "0", false, true, false},
		{"bool unknown defaults false", catalog.KindBool, "maybe", false, true, true},
		{"list", catalog.KindList, "F8N1; F8N2 ,,F9", []string{"F8N1", "F8N2", "F9"}, true, false},
		{"list empty", catalog.KindList, " ; , ", nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, warn := Value(tt.kind, tt.raw)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if (warn != "") != tt.wantWarn {
				t.Errorf("warn = %q, wantWarn %v", warn, tt.wantWarn)
			}
			if !tt.wantOK {
				return
			}
			switch want := tt.want.(type) {
			case []string:
				list := got.([]string)
				if len(list) != len(want) {
					t.Fatalf("got %v, want %v", list, want)
				}
				for i := range want {
					if list[i] != want[i] {
						t.Errorf("item %d = %q, want %q", i, list[i], want[i])
					}
				}
			default:
				if got != tt.want {
					t.Errorf("got %#v, want %#v", got, tt.want)
				}
			}
		})
	}
}

func TestValueDecimalIsExact(t *testing.T) {
	got, ok, _ := Value(catalog.KindDecimal, "0.1")
	if !ok {
		t.Fatal("0.1 did not parse")
	}
	sum := got.(decimal.Decimal).Add(decimal.RequireFromString("0.2"))
	if !sum.Equal(decimal.RequireFromString("0.3")) {
		t.Errorf("0.1 + 0.2 = %s, want 0.3", sum)
	}
}

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"12.50", "12.5", false},
		{"$1,234.56", "1234.56", false},
		{"(45.00)", "-45", false},
		{"€9", "9", false},
		{"1e3", "1000", false},
		{"12.5.1", "", true},
		{"abc", "", true},
	}

	for _, tt := range tests {
		d, err := ParseDecimal(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDecimal(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !d.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("ParseDecimal(%q) = %s, want %s", tt.in, d, tt.want)
		}
	}
}

func TestNormalizeRoutesSections(t *testing.T) {
	row := mapRow{
		"Make":        "Ford",
		"Model":       " 8N ",
		"Year":        "1952.0",
		"Engine Make": "Ford",
		"DI":          "perhaps",
		"Vendor":      "Acme  Supply",
		"Cost":        "$12.00",
		"Kit":         "Overhaul",
		"Qty":         "2",
		"Colour":      "red",
	}
	mapping := map[catalog.Family]map[string]string{
		catalog.FamilyMachine: {"make": "Make", "model": "Model", "year": "Year", "colour": "Colour"},
		catalog.FamilyEngine:  {"engine_make": "Engine Make", "di": "DI", "engine_model": "Missing"},
		catalog.FamilyVendor:  {"vendor_name": "Vendor", "vendor_cost": "Cost"},
		catalog.FamilyBuild:   {"kit_name": "Kit", "kit_item_quantity": "Qty"},
	}

	res := Normalize(row, mapping)

	m := res.Section(catalog.SectionMachine)
	if m["make"] != "Ford" || m["model"] != "8N" || m["year"] != int64(1952) {
		t.Errorf("machine = %v", m)
	}
	if m["colour"] != "red" {
		t.Errorf("unknown machine field should pass through as text, got %v", m["colour"])
	}

	e := res.Section(catalog.SectionEngine)
	if _, ok := e["engine_model"]; ok {
		t.Error("field with missing header should be absent")
	}
	if e["di"] != false {
		t.Errorf("di = %v, want false", e["di"])
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Field != "di" {
		t.Errorf("warnings = %+v", res.Warnings)
	}

	v := res.Section(catalog.SectionVendor)
	if v["vendor_name"] != "Acme Supply" {
		t.Errorf("vendor_name = %v", v["vendor_name"])
	}
	if !v["vendor_cost"].(decimal.Decimal).Equal(decimal.NewFromInt(12)) {
		t.Errorf("vendor_cost = %v", v["vendor_cost"])
	}

	if res.Section(catalog.SectionKit)["kit_name"] != "Overhaul" {
		t.Errorf("kit = %v", res.Section(catalog.SectionKit))
	}
	if !res.Section(catalog.SectionKitItem)["kit_item_quantity"].(decimal.Decimal).Equal(decimal.NewFromInt(2)) {
		t.Errorf("kititem = %v", res.Section(catalog.SectionKitItem))
	}
	if res.Mapped[catalog.FamilyPart] {
		t.Error("part family reported as mapped")
	}
}

func TestFamilyEmpty(t *testing.T) {
	mapping := map[catalog.Family]map[string]string{
		catalog.FamilyMachine: {"make": "Make", "year": "Year"},
		catalog.FamilyEngine:  {"engine_make": "Engine Make"},
	}

	res := Normalize(mapRow{"Make": "  ", "Year": "n/a", "Engine Make": "Ford"}, mapping)
	if !res.FamilyEmpty(catalog.FamilyMachine) {
		t.Error("machine family with only empty or invalid cells should be empty")
	}
	if res.FamilyEmpty(catalog.FamilyEngine) {
		t.Error("engine family has data")
	}
	if res.FamilyEmpty(catalog.FamilyPart) {
		t.Error("unmapped family must not count as empty")
	}
}

func TestParseAttribute(t *testing.T) {
	tests := []struct {
		dataType string
		raw      string
		want     any
		wantErr  bool
	}{
		{AttrText, " M10  x 1.5 ", "M10 x 1.5", false},
		{AttrInt, "12", int64(12), false},
		{AttrInt, "twelve", nil, true},
		{AttrBool, "yes", true, false},
		{AttrBool, "sometimes", nil, true},
		{AttrDate, "2024-03-05", time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), false},
		{AttrDate, "03/05/2024", time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), false},
		{AttrDate, "25/12/2024", time.Date(2024, 12, 25, 0, 0, 0, 0, time.UTC), false},
		{AttrDate, "2024-03-05 10:11:12", time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), false},
		{AttrDate, "soon", nil, true},
		{AttrChoice, "Steel", "Steel", false},
		{"colour", "red", nil, true},
		{AttrText, "  ", nil, true},
	}

	for _, tt := range tests {
		got, err := ParseAttribute(tt.dataType, tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAttribute(%s, %q) error = %v, wantErr %v", tt.dataType, tt.raw, err, tt.wantErr)
			continue
		}
		if tt.wantErr {
			continue
		}
		if tm, ok := tt.want.(time.Time); ok {
			if !got.(time.Time).Equal(tm) {
				t.Errorf("ParseAttribute(%s, %q) = %v, want %v", tt.dataType, tt.raw, got, tm)
			}
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAttribute(%s, %q) = %#v, want %#v", tt.dataType, tt.raw, got, tt.want)
		}
	}

	d, err := ParseAttribute(AttrDec, "1.25")
	if err != nil || !d.(decimal.Decimal).Equal(decimal.RequireFromString("1.25")) {
		t.Errorf("ParseAttribute(dec) = %v, %v", d, err)
	}
}
