package schema

// auditColumns are maintained by the editing application on every table.
var auditColumns = []string{"updated_by", "last_update", "is_retired"}

func withAudit(cols ...string) []string {
	return append(cols, auditColumns...)
}

// DefaultSpecs is the production CRIS mapping, in processing order: parents
// before children so inserted units, persons and charges find their crash.
func DefaultSpecs() []MappingSpec {
	return []MappingSpec{
		{
			Type:            Crash,
			ProductionTable: "atd_txdot_crashes",
			KeyColumns:      []string{"crash_id"},
			ProtectedColumns: withAudit(
				// geocoding and location assignment
				"latitude_primary", "longitude_primary",
				"latitude_confirmed", "longitude_confirmed",
				"address_confirmed_primary", "address_confirmed_secondary",
				"location_id", "city_id", "position",
				"geocoded", "geocode_status", "geocode_provider", "geocode_date",
				"qa_status",
				// fatality review
				"death_cnt", "apd_confirmed_death_count", "apd_confirmed_fatality",
				"atd_fatality_count", "apd_human_update",
				"sus_serious_injry_cnt", "tot_injry_cnt",
				// derived figures
				"est_comp_cost", "est_comp_cost_crash_based", "est_econ_cost", "speed_mgmt_points",
				"cr3_stored_flag", "cr3_file_metadata",
				"investigator_narrative", "investigator_narrative_ocr",
			),
		},
		{
			Type:            Unit,
			ProductionTable: "atd_txdot_units",
			KeyColumns:      []string{"crash_id", "unit_nbr"},
			ProtectedColumns: withAudit(
				"unit_id",
				"atd_mode_category", "movement_id", "travel_direction",
				"death_cnt", "sus_serious_injry_cnt",
			),
		},
		{
			Type:            Person,
			ProductionTable: "atd_txdot_person",
			KeyColumns:      []string{"crash_id", "prsn_nbr"},
			ProtectedColumns: withAudit(
				"person_id",
				"prsn_death_date", "prsn_death_time", "death_cnt",
				"prsn_injry_sev_id", "sus_serious_injry_cnt",
				"years_of_life_lost",
			),
		},
		{
			Type:            PrimaryPerson,
			ProductionTable: "atd_txdot_primaryperson",
			KeyColumns:      []string{"crash_id", "prsn_nbr"},
			ProtectedColumns: withAudit(
				"primaryperson_id",
				"prsn_death_date", "prsn_death_time", "death_cnt",
				"prsn_injry_sev_id", "sus_serious_injry_cnt",
				"years_of_life_lost",
			),
		},
		{
			Type:             Charges,
			ProductionTable:  "atd_txdot_charges",
			KeyColumns:       []string{"crash_id", "prsn_nbr", "unit_nbr"},
			ProtectedColumns: withAudit("charge_id"),
		},
	}
}

// Default builds the production registry. It panics only if DefaultSpecs is
// internally inconsistent, which the package tests rule out.
func Default() *Registry {
	r, err := New(DefaultSpecs()...)
	if err != nil {
		panic(err)
	}
	return r
}
