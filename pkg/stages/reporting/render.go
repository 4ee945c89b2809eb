package reporting

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
	"github.com/bugbot-io/bugbot/pkg/stages"
)

// severityRank orders findings highest-impact first in rendered reports.
var severityRank = map[models.Severity]int{
	models.SeverityCritical: 0,
	models.SeverityHigh:     1,
	models.SeverityMedium:   2,
	models.SeverityLow:      3,
	models.SeverityInfo:     4,
}

func render(format models.ReportFormat, req *stages.Request, triage *models.TriageResult, summary models.FindingsSummary) (models.ReportDocument, error) {
	findings := append([]models.Finding(nil), triage.Findings...)
	sort.SliceStable(findings, func(i, j int) bool {
		return severityRank[findings[i].Severity] < severityRank[findings[j].Severity]
	})

	switch format {
	case models.ReportImmunefi:
		return models.ReportDocument{Format: format, Content: renderImmunefi(req, findings, summary)}, nil
	case models.ReportHackenProof:
		return models.ReportDocument{Format: format, Content: renderHackenProof(req, findings, summary)}, nil
	case models.ReportJSON:
		content, err := renderJSON(req, findings, summary, triage.Degraded)
		if err != nil {
			return models.ReportDocument{}, err
		}
		return models.ReportDocument{Format: format, Content: content}, nil
	}
	return models.ReportDocument{}, service.NewValidationError("report_formats", fmt.Sprintf("unknown format %q", format))
}

// renderImmunefi follows the Immunefi submission layout: one section per
// finding with impact and PoC front and center.
func renderImmunefi(req *stages.Request, findings []models.Finding, summary models.FindingsSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Bug Report: %s\n\n", req.Target.Surface())
	fmt.Fprintf(&b, "Scan `%s`: %d findings (critical %d, high %d, medium %d).\n\n",
		req.ScanID, summary.Total(), summary.Critical, summary.High, summary.Medium)

	for _, f := range findings {
		fmt.Fprintf(&b, "## %s\n\n", f.Title)
		fmt.Fprintf(&b, "**Severity:** %s  \n**Confidence:** %s  \n**Type:** %s\n\n", f.Severity, f.Confidence, f.Type)
		if f.Location != "" {
			fmt.Fprintf(&b, "**Location:** `%s`\n\n", f.Location)
		}
		fmt.Fprintf(&b, "### Vulnerability Details\n\n%s\n\n", f.Description)
		if f.Impact != "" {
			fmt.Fprintf(&b, "### Impact\n\n%s\n\n", f.Impact)
		}
		if f.ProofOfConcept != "" {
			fmt.Fprintf(&b, "### Proof of Concept\n\n%s\n\n", f.ProofOfConcept)
		}
		if f.Recommendation != "" {
			fmt.Fprintf(&b, "### Recommended Fix\n\n%s\n\n", f.Recommendation)
		}
	}
	return b.String()
}

// renderHackenProof follows the HackenProof triage layout: a findings
// table up top, details after.
func renderHackenProof(req *stages.Request, findings []models.Finding, summary models.FindingsSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Security Assessment: %s\n\n", req.Target.Surface())
	fmt.Fprintf(&b, "Scan ID: `%s`\nTotal findings: %d\n\n", req.ScanID, summary.Total())

	b.WriteString("| # | Severity | Title | Location |\n|---|---|---|---|\n")
	for i, f := range findings {
		fmt.Fprintf(&b, "| %d | %s | %s | %s |\n", i+1, f.Severity, f.Title, f.Location)
	}
	b.WriteString("\n")

	for i, f := range findings {
		fmt.Fprintf(&b, "## %d. %s\n\n", i+1, f.Title)
		fmt.Fprintf(&b, "- Severity: %s\n- Confidence: %s\n- Source: %s\n\n", f.Severity, f.Confidence, f.Source)
		fmt.Fprintf(&b, "%s\n\n", f.Description)
		if f.Recommendation != "" {
			fmt.Fprintf(&b, "**Remediation:** %s\n\n", f.Recommendation)
		}
	}
	return b.String()
}

type jsonReport struct {
	ScanID      string                 `json:"scan_id"`
	Target      string                 `json:"target"`
	GeneratedAt time.Time              `json:"generated_at"`
	Summary     models.FindingsSummary `json:"summary"`
	Degraded    bool                   `json:"triage_degraded,omitempty"`
	Findings    []models.Finding       `json:"findings"`
}

func renderJSON(req *stages.Request, findings []models.Finding, summary models.FindingsSummary, degraded bool) (string, error) {
	raw, err := json.MarshalIndent(jsonReport{
		ScanID:      req.ScanID,
		Target:      req.Target.Surface(),
		GeneratedAt: time.Now().UTC(),
		Summary:     summary,
		Degraded:    degraded,
		Findings:    findings,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
