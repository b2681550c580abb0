package domain

// Reason classifies why a balance changed. Free text belongs in the
// history record's notes, never here.
type Reason string

const (
	ReasonUsed          Reason = "used"
	ReasonReceived      Reason = "received"
	ReasonCorrection    Reason = "correction"
	ReasonDisposed      Reason = "disposed"
	ReasonContamination Reason = "contamination"
	ReasonPreparation   Reason = "preparation"
)

// DefaultReasons is the reason set shared by every entity family unless
// its configuration narrows it.
func DefaultReasons() []Reason {
	return []Reason{
		ReasonUsed,
		ReasonReceived,
		ReasonCorrection,
		ReasonDisposed,
		ReasonContamination,
		ReasonPreparation,
	}
}
