package models

// Severity ranks a finding's impact.
type Severity string

// Severity levels, highest first.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// ValidSeverity reports whether s is one of the known severity levels.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// Confidence grades how certain the producer is about a finding.
type Confidence string

// Confidence levels.
const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// FindingType is the vulnerability class tag.
type FindingType string

// Known vulnerability classes.
const (
	FindingReentrancy        FindingType = "reentrancy"
	FindingIntegerOverflow   FindingType = "integer_overflow"
	FindingAccessControl     FindingType = "access_control"
	FindingUncheckedCall     FindingType = "unchecked_call"
	FindingFlashLoan         FindingType = "flash_loan"
	FindingPriceManipulation FindingType = "price_manipulation"
	FindingOther             FindingType = "other"
)

// TriageStatus records how far a finding made it through the triage
// cascade. Empty means the full cascade ran.
type TriageStatus string

// TriageDegraded marks a finding whose cascade was cut short by an LLM
// failure; it carries the last tier's verdict that did complete.
const TriageDegraded TriageStatus = "degraded"

// Finding is an atomic vulnerability claim. Identity is (scan_id, id) and a
// finding is immutable once written; triage emits new findings that
// reference originals via RefID instead of mutating them.
type Finding struct {
	ID             string       `json:"id"`
	Type           FindingType  `json:"type"`
	Severity       Severity     `json:"severity"`
	Confidence     Confidence   `json:"confidence"`
	Title          string       `json:"title"`
	Description    string       `json:"description"`
	Impact         string       `json:"impact,omitempty"`
	Recommendation string       `json:"recommendation,omitempty"`
	Location       string       `json:"location,omitempty"`
	ProofOfConcept string       `json:"proof_of_concept,omitempty"`
	Source         string       `json:"source"`
	RefID          string       `json:"ref_id,omitempty"`
	TriageStatus   TriageStatus `json:"triage_status,omitempty"`
}

// RawFinding is the normalized output of a single analyzer run, before triage.
type RawFinding struct {
	Analyzer    string   `json:"analyzer"`
	Title       string   `json:"title"`
	Severity    Severity `json:"severity"`
	Location    string   `json:"location,omitempty"`
	Description string   `json:"description,omitempty"`
}
