package catalog

import (
	"sort"
	"strings"
)

// Family is one of the mapping dictionaries of a mapping configuration.
type Family string

const (
	FamilyMachine Family = "machine"
	FamilyEngine  Family = "engine"
	FamilyPart    Family = "part"
	FamilyVendor  Family = "vendor"
	FamilyBuild   Family = "build"
)

// Families lists the mapping dictionaries in processing order.
func Families() []Family {
	return []Family{FamilyMachine, FamilyEngine, FamilyPart, FamilyVendor, FamilyBuild}
}

// Section is a group of normalized fields handed to one resolver.
type Section string

const (
	SectionMachine       Section = "machine"
	SectionEngine        Section = "engine"
	SectionPart          Section = "part"
	SectionVendor        Section = "vendor"
	SectionBuildList     Section = "buildlist"
	SectionBuildListItem Section = "buildlistitem"
	SectionKit           Section = "kit"
	SectionKitItem       Section = "kititem"
)

// Sections lists every normalized section.
func Sections() []Section {
	return []Section{
		SectionMachine, SectionEngine, SectionPart, SectionVendor,
		SectionBuildList, SectionBuildListItem, SectionKit, SectionKitItem,
	}
}

// FieldSpec is an import field a mapping may reference.
type FieldSpec struct {
	Name    string
	Label   string
	Family  Family
	Section Section
	Kind    Kind
	MaxLen  int

	// Table and Column name the storage target; both are empty for fields
	// a resolver consumes itself (secondary engine keys, category names,
	// relation identifier lists).
	Table  string
	Column string

	Aliases []string
}

var (
	fieldsByFamily = make(map[Family][]FieldSpec)
	fieldIndex     = make(map[Family]map[string]FieldSpec)
)

func addFields(family Family, specs ...FieldSpec) {
	if fieldIndex[family] == nil {
		fieldIndex[family] = make(map[string]FieldSpec)
	}
	for _, f := range specs {
		f.Family = family
		if f.Table != "" && f.Column == "" {
			f.Column = f.Name
		}
		if f.Table != "" && f.MaxLen == 0 {
			if col, ok := MustGet(f.Table).Column(f.Column); ok {
				f.MaxLen = col.MaxLen
			}
		}
		if f.Label == "" {
			f.Label = labelize(f.Name)
		}
		fieldsByFamily[family] = append(fieldsByFamily[family], f)
		fieldIndex[family][f.Name] = f
	}
}

// FamilyFields returns the known fields of a mapping family in display order.
func FamilyFields(family Family) []FieldSpec {
	return fieldsByFamily[family]
}

// LookupField finds a field by family and canonical name.
func LookupField(family Family, name string) (FieldSpec, bool) {
	f, ok := fieldIndex[family][name]
	return f, ok
}

// PrimarySection is the section that receives a family's unrecognized fields.
func PrimarySection(family Family) Section {
	switch family {
	case FamilyBuild:
		return SectionBuildList
	default:
		return Section(family)
	}
}

// ColumnValues converts section fields (keyed by import field name) into
// column values for table. Fields the catalog does not store in table are
// returned in dropped, sorted.
func ColumnValues(family Family, table string, fields map[string]any) (Values, []string) {
	out := make(Values, len(fields))
	var dropped []string

	for name, v := range fields {
		f, ok := LookupField(family, name)
		if !ok {
			dropped = append(dropped, name)
			continue
		}
		if f.Table != table {
			continue
		}
		out[f.Column] = v
	}
	sort.Strings(dropped)
	return out, dropped
}

func labelize(name string) string {
	words := strings.Split(name, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func registerFields() {
	addFields(FamilyMachine,
		FieldSpec{Name: "make", Section: SectionMachine, Kind: KindText, Table: Machines},
		FieldSpec{Name: "model", Section: SectionMachine, Kind: KindText, Table: Machines},
		FieldSpec{Name: "year", Section: SectionMachine, Kind: KindInt, Table: Machines},
		FieldSpec{Name: "machine_type", Section: SectionMachine, Kind: KindText, Table: Machines, Aliases: []string{"type", "machine type"}},
		FieldSpec{Name: "market_type", Section: SectionMachine, Kind: KindText, Table: Machines, Aliases: []string{"market", "market type"}},
	)

	engine := func(name string, kind Kind, aliases ...string) FieldSpec {
		return FieldSpec{Name: name, Section: SectionEngine, Kind: kind, Table: Engines, Aliases: aliases}
	}
	addFields(FamilyEngine,
		engine("engine_make", KindText, "make", "engine make"),
		engine("engine_model", KindText, "model", "engine model"),
		engine("identifier", KindText, "engine identifier", "sg identifier"),
		FieldSpec{Name: "secondary_make", Section: SectionEngine, Kind: KindText, MaxLen: 100, Aliases: []string{"sg make", "sg_make"}},
		FieldSpec{Name: "secondary_model", Section: SectionEngine, Kind: KindText, MaxLen: 100, Aliases: []string{"sg model", "sg_model"}},
		engine("cpl_number", KindText, "cpl", "cpl #", "cpl no"),
		engine("ar_number", KindText, "ar", "ar #", "ar no"),
		engine("build_list", KindText),
		engine("engine_code", KindText, "code"),
		engine("serial_number", KindText, "s/n", "serial", "serial number", "sn"),
		engine("crankshaft_no", KindText, "crankshaft #", "crankshaft"),
		engine("piston_no", KindText, "piston #"),
		engine("piston_marked_no", KindText, "piston marked #"),
		engine("piston_notes", KindText),
		engine("oh_kit_no", KindText, "oh kit #", "overhaul kit"),
		engine("cylinder", KindInt, "cylinders", "cyl"),
		engine("valves_per_cyl", KindInt, "valves per cylinder"),
		engine("bore_stroke", KindText, "bore/stroke", "bore x stroke"),
		engine("compression_ratio", KindDecimal, "compression"),
		engine("firing_order", KindText),
		engine("overview_comments", KindText, "comments", "overview"),
		engine("interference", KindText),
		engine("camshaft", KindText),
		engine("valve_adjustment", KindText),
		engine("rod_journal_diameter", KindDecimal),
		engine("main_journal_diameter_pos1", KindDecimal),
		engine("main_journal_diameter_1", KindDecimal),
		engine("big_end_housing_bore", KindDecimal),
		engine("price", KindDecimal),
		engine("status", KindText),
		engine("di", KindBool, "direct injection"),
		engine("idi", KindBool, "indirect injection"),
		engine("common_rail", KindBool, "common rail", "common-rail", "cr"),
		engine("two_valve", KindBool, "2v", "2 valve", "two valve"),
		engine("four_valve", KindBool, "4v", "4 valve", "four valve"),
		engine("five_valve", KindBool, "5v", "5 valve", "five valve"),
		engine("casting_comments", KindText, "casting # comments", "casting comments", "casting notes"),
		FieldSpec{Name: "interchanges", Section: SectionEngine, Kind: KindList, Aliases: []string{"interchange", "interchangeable with"}},
		FieldSpec{Name: "compatibles", Section: SectionEngine, Kind: KindList, Aliases: []string{"compatible", "compatible with"}},
		FieldSpec{Name: "supersedes", Section: SectionEngine, Kind: KindList, Aliases: []string{"supersession", "replaces"}},
	)

	part := func(name string, kind Kind, aliases ...string) FieldSpec {
		return FieldSpec{Name: name, Section: SectionPart, Kind: kind, Table: Parts, Aliases: aliases}
	}
	addFields(FamilyPart,
		part("part_number", KindUpper, "part #", "part no", "pn", "part number"),
		part("name", KindText, "part name", "description"),
		FieldSpec{Name: "category", Section: SectionPart, Kind: KindText, MaxLen: 120, Aliases: []string{"part category"}},
		part("manufacturer", KindText, "mfr", "brand"),
		part("unit", KindText, "uom"),
		part("type", KindText, "part type"),
		part("manufacturer_type", KindText),
	)

	addFields(FamilyVendor,
		FieldSpec{Name: "vendor_name", Section: SectionVendor, Kind: KindText, Table: Vendors, Column: "name", Aliases: []string{"vendor", "supplier"}},
		FieldSpec{Name: "vendor_contact_name", Section: SectionVendor, Kind: KindText, Table: Vendors, Column: "contact_name", Aliases: []string{"contact"}},
		FieldSpec{Name: "vendor_email", Section: SectionVendor, Kind: KindText, Table: Vendors, Column: "email", Aliases: []string{"email", "vendor contact email"}},
		FieldSpec{Name: "vendor_phone", Section: SectionVendor, Kind: KindText, Table: Vendors, Column: "phone", Aliases: []string{"phone"}},
		FieldSpec{Name: "vendor_website", Section: SectionVendor, Kind: KindText, Table: Vendors, Column: "website", Aliases: []string{"website", "url"}},
		FieldSpec{Name: "vendor_address", Section: SectionVendor, Kind: KindText, Table: Vendors, Column: "address", Aliases: []string{"address"}},
		FieldSpec{Name: "vendor_sku", Section: SectionVendor, Kind: KindText, Table: PartVendors, Column: "vendor_sku", Aliases: []string{"sku"}},
		FieldSpec{Name: "vendor_cost", Section: SectionVendor, Kind: KindDecimal, Table: PartVendors, Column: "cost", Aliases: []string{"cost"}},
		FieldSpec{Name: "vendor_stock_qty", Section: SectionVendor, Kind: KindInt, Table: PartVendors, Column: "stock_qty", Aliases: []string{"stock", "qty on hand"}},
		FieldSpec{Name: "vendor_lead_time_days", Section: SectionVendor, Kind: KindInt, Table: PartVendors, Column: "lead_time_days", Aliases: []string{"lead time"}},
		FieldSpec{Name: "vendor_notes", Section: SectionVendor, Kind: KindText, Table: PartVendors, Column: "notes"},
		FieldSpec{Name: "primary_vendor_name", Section: SectionVendor, Kind: KindText, MaxLen: 200, Aliases: []string{"primary vendor"}},
	)

	addFields(FamilyBuild,
		FieldSpec{Name: "build_list_name", Section: SectionBuildList, Kind: KindText, Table: BuildLists, Column: "name", Aliases: []string{"build list"}},
		FieldSpec{Name: "build_list_notes", Section: SectionBuildList, Kind: KindText, Table: BuildLists, Column: "notes"},
		FieldSpec{Name: "build_list_item_quantity", Section: SectionBuildListItem, Kind: KindDecimal, Table: BuildListItems, Column: "quantity"},
		FieldSpec{Name: "build_list_item_notes", Section: SectionBuildListItem, Kind: KindText, Table: BuildListItems, Column: "notes"},
		FieldSpec{Name: "kit_name", Section: SectionKit, Kind: KindText, Table: Kits, Column: "name", Aliases: []string{"kit"}},
		FieldSpec{Name: "kit_notes", Section: SectionKit, Kind: KindText, Table: Kits, Column: "notes"},
		FieldSpec{Name: "kit_margin_pct", Section: SectionKit, Kind: KindDecimal, Table: Kits, Column: "margin_pct", Aliases: []string{"margin", "margin %"}},
		FieldSpec{Name: "kit_item_quantity", Section: SectionKitItem, Kind: KindDecimal, Table: KitItems, Column: "quantity", Aliases: []string{"qty", "quantity"}},
		FieldSpec{Name: "kit_item_unit_cost", Section: SectionKitItem, Kind: KindDecimal, Table: KitItems, Column: "unit_cost", Aliases: []string{"unit cost"}},
		FieldSpec{Name: "kit_item_notes", Section: SectionKitItem, Kind: KindText, Table: KitItems, Column: "notes"},
	)
}

// Suggest proposes, for each family, canonical field → header pairs based on
// exact, case-insensitive and alias matches. A header is suggested for at
// most one field per family.
func Suggest(headers []string) map[Family]map[string]string {
	out := make(map[Family]map[string]string)

	for _, family := range Families() {
		used := make(map[string]bool)
		matches := make(map[string]string)

		for _, f := range FamilyFields(family) {
			for _, h := range headers {
				if used[h] || !headerMatches(h, f) {
					continue
				}
				matches[f.Name] = h
				used[h] = true
				break
			}
		}
		if len(matches) > 0 {
			out[family] = matches
		}
	}
	return out
}

func headerMatches(header string, f FieldSpec) bool {
	h := cleanHeader(header)
	if h == "" {
		return false
	}
	if h == cleanHeader(f.Name) || h == cleanHeader(f.Label) {
		return true
	}
	for _, a := range f.Aliases {
		if h == cleanHeader(a) {
			return true
		}
	}
	return false
}

func cleanHeader(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("#", " ", "-", " ", "_", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
