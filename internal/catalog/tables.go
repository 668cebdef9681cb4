package catalog

// Entity tables.
const (
	Machines         = "machines"
	Engines          = "engines"
	ReferenceEngines = "reference_engines"
	Parts            = "parts"
	PartCategories   = "part_categories"
	Vendors          = "vendors"
	BuildLists       = "build_lists"
	Kits             = "kits"
)

// Association tables.
const (
	MachineEngines      = "machine_engines"
	EngineParts         = "engine_parts"
	MachineParts        = "machine_parts"
	PartVendors         = "part_vendors"
	EngineVendors       = "engine_vendors"
	BuildListItems      = "build_list_items"
	KitItems            = "kit_items"
	EngineInterchanges  = "engine_interchanges"
	EngineCompatibles   = "engine_compatibles"
	EngineSupersessions = "engine_supersessions"
)

func text(name string, limit int) Column { return Column{Name: name, Kind: KindText, MaxLen: limit} }
func idCol(name, table string) Column { return Column{Name: name, Kind: KindID, Ref: table} }

// owned is an id column whose row is deleted along with its referent.
func owned(name, table string) Column {
	return Column{Name: name, Kind: KindID, Ref: table, Cascade: true}
}

func init() {
	Register(Table{
		Key:   Machines,
		Label: "Machine",
		Columns: []Column{
			text("make", 100),
			text("model", 100),
			{Name: "year", Kind: KindInt},
			text("machine_type", 100),
			text("market_type", 100),
		},
		Unique: []UniqueKey{{"make", "model", "year", "machine_type", "market_type"}},
	})

	Register(Table{
		Key:   ReferenceEngines,
		Label: "Reference engine",
		Columns: []Column{
			text("make", 100),
			text("model", 100),
			text("identifier", 100),
		},
		Unique: []UniqueKey{{"make", "model"}, {"identifier"}},
	})

	Register(Table{
		Key:   Engines,
		Label: "Engine",
		Columns: []Column{
			idCol("reference_engine_id", ReferenceEngines),
			text("engine_make", 100),
			text("engine_model", 100),
			text("identifier", 100),
			text("cpl_number", 50),
			text("ar_number", 50),
			text("build_list", 100),
			text("engine_code", 50),
			text("serial_number", 120),
			text("crankshaft_no", 50),
			text("piston_no", 50),
			text("piston_marked_no", 50),
			text("piston_notes", 0),
			text("oh_kit_no", 50),
			{Name: "cylinder", Kind: KindInt},
			{Name: "valves_per_cyl", Kind: KindInt},
			text("bore_stroke", 50),
			{Name: "compression_ratio", Kind: KindDecimal},
			text("firing_order", 50),
			text("overview_comments", 0),
			text("interference", 100),
			text("camshaft", 100),
			text("valve_adjustment", 100),
			{Name: "rod_journal_diameter", Kind: KindDecimal},
			{Name: "main_journal_diameter_pos1", Kind: KindDecimal},
			{Name: "main_journal_diameter_1", Kind: KindDecimal},
			{Name: "big_end_housing_bore", Kind: KindDecimal},
			{Name: "price", Kind: KindDecimal},
			text("status", 100),
			{Name: "di", Kind: KindBool},
			{Name: "idi", Kind: KindBool},
			{Name: "common_rail", Kind: KindBool},
			{Name: "two_valve", Kind: KindBool},
			{Name: "four_valve", Kind: KindBool},
			{Name: "five_valve", Kind: KindBool},
			text("casting_comments", 0),
		},
	})

	Register(Table{
		Key:     PartCategories,
		Label:   "Part category",
		Columns: []Column{text("name", 120), text("slug", 140)},
		Unique:  []UniqueKey{{"name"}, {"slug"}},
	})

	Register(Table{
		Key:   Parts,
		Label: "Part",
		Columns: []Column{
			{Name: "part_number", Kind: KindUpper, MaxLen: 100},
			text("name", 200),
			idCol("category_id", PartCategories),
			text("manufacturer", 100),
			text("unit", 50),
			text("type", 100),
			text("manufacturer_type", 100),
			idCol("primary_vendor_id", Vendors),
		},
		Unique: []UniqueKey{{"part_number", "name"}},
	})

	Register(Table{
		Key:   Vendors,
		Label: "Vendor",
		Columns: []Column{
			text("name", 200),
			text("contact_name", 200),
			text("email", 254),
			text("phone", 50),
			text("website", 200),
			text("address", 0),
			text("notes", 0),
		},
		Unique: []UniqueKey{{"name"}},
	})

	Register(Table{
		Key:     BuildLists,
		Label:   "Build list",
		Columns: []Column{owned("engine_id", Engines), text("name", 160), text("notes", 0)},
		Unique:  []UniqueKey{{"engine_id"}},
	})

	Register(Table{
		Key:   Kits,
		Label: "Kit",
		Columns: []Column{
			owned("build_list_id", BuildLists),
			text("name", 160),
			text("notes", 0),
			{Name: "margin_pct", Kind: KindDecimal},
			{Name: "cost_total", Kind: KindDecimal},
			{Name: "sale_price", Kind: KindDecimal},
		},
		Unique: []UniqueKey{{"build_list_id", "name"}},
	})

	registerLinks()
	registerFields()
}

func registerLinks() {
	Register(Table{
		Key:      MachineEngines,
		Label:    "Machine engine",
		Columns:  []Column{owned("machine_id", Machines), owned("engine_id", Engines), text("notes", 0), {Name: "is_primary", Kind: KindBool}},
		LinkKeys: []string{"machine_id", "engine_id"},
	})
	Register(Table{
		Key:      EngineParts,
		Label:    "Engine part",
		Columns:  []Column{owned("engine_id", Engines), owned("part_id", Parts), text("notes", 0)},
		LinkKeys: []string{"engine_id", "part_id"},
	})
	Register(Table{
		Key:      MachineParts,
		Label:    "Machine part",
		Columns:  []Column{owned("machine_id", Machines), owned("part_id", Parts)},
		LinkKeys: []string{"machine_id", "part_id"},
	})
	Register(Table{
		Key:   PartVendors,
		Label: "Part vendor",
		Columns: []Column{
			owned("part_id", Parts),
			owned("vendor_id", Vendors),
			text("vendor_sku", 120),
			{Name: "cost", Kind: KindDecimal},
			{Name: "stock_qty", Kind: KindInt},
			{Name: "lead_time_days", Kind: KindInt},
			text("notes", 0),
		},
		LinkKeys: []string{"part_id", "vendor_id"},
	})
	Register(Table{
		Key:      EngineVendors,
		Label:    "Engine vendor",
		Columns:  []Column{owned("engine_id", Engines), owned("vendor_id", Vendors)},
		LinkKeys: []string{"engine_id", "vendor_id"},
	})
	Register(Table{
		Key:   BuildListItems,
		Label: "Build list item",
		Columns: []Column{
			owned("build_list_id", BuildLists),
			owned("part_id", Parts),
			{Name: "quantity", Kind: KindDecimal},
			text("notes", 0),
		},
		LinkKeys: []string{"build_list_id", "part_id"},
	})
	Register(Table{
		Key:   KitItems,
		Label: "Kit item",
		Columns: []Column{
			owned("kit_id", Kits),
			owned("part_id", Parts),
			owned("vendor_id", Vendors),
			{Name: "quantity", Kind: KindDecimal},
			{Name: "unit_cost", Kind: KindDecimal},
			text("notes", 0),
		},
		LinkKeys: []string{"kit_id", "part_id", "vendor_id"},
	})
	Register(Table{
		Key:       EngineInterchanges,
		Label:     "Engine interchange",
		Columns:   []Column{owned("engine_id", Engines), owned("other_engine_id", Engines)},
		LinkKeys:  []string{"engine_id", "other_engine_id"},
		Symmetric: true,
		NoSelf:    true,
	})
	Register(Table{
		Key:       EngineCompatibles,
		Label:     "Engine compatible",
		Columns:   []Column{owned("engine_id", Engines), owned("other_engine_id", Engines)},
		LinkKeys:  []string{"engine_id", "other_engine_id"},
		Symmetric: true,
		NoSelf:    true,
	})
	Register(Table{
		Key:      EngineSupersessions,
		Label:    "Engine supersession",
		Columns:  []Column{owned("from_engine_id", Engines), owned("to_engine_id", Engines)},
		LinkKeys: []string{"from_engine_id", "to_engine_id"},
		NoSelf:   true,
	})
}
