package domain

// Family configures one entity family (chemical lots, a reagent line,
// a standard line) for the generic ledger. All families share the same
// algorithm; only naming, reason sets, role thresholds, and editable
// fields differ.
type Family struct {
	Key            string
	DisplayName    string
	Reasons        []Reason
	CreateRole     Role
	AdjustRole     Role
	DeactivateRole Role
	EditableFields []string
}

func (f Family) AllowsReason(r Reason) bool {
	for _, allowed := range f.Reasons {
		if allowed == r {
			return true
		}
	}
	return false
}

func (f Family) Editable(field string) bool {
	for _, allowed := range f.EditableFields {
		if allowed == field {
			return true
		}
	}
	return false
}

// DefaultFamilies returns the entity families tracked by the lab
// journal. Role thresholds mirror the lab's permission model: any user
// records new batches, lab techs adjust quantities, managers retire
// items.
func DefaultFamilies() map[string]Family {
	families := map[string]Family{}
	for key, display := range map[string]string{
		"chemical_inventory": "Chemical Inventory",
		"mm_reagents":        "MM Reagents",
		"pb_reagents":        "Pb Reagents",
		"tclp_reagents":      "TCLP Reagents",
		"mm_standards":       "MM Standards",
		"flameaa_standards":  "FlameAA Standards",
		"mercury_standards":  "Mercury Standards",
	} {
		families[key] = Family{
			Key:            key,
			DisplayName:    display,
			Reasons:        DefaultReasons(),
			CreateRole:     RoleUser,
			AdjustRole:     RoleLabTech,
			DeactivateRole: RoleManager,
			EditableFields: []string{"name", "unit"},
		}
	}
	return families
}
