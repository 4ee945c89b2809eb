// Package signature renders detection signatures from findings in four
// formats: YARA, Sigma, Suricata, and a self-describing custom JSON.
package signature

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
)

// Format names a signature output format.
type Format string

// Supported signature formats.
const (
	FormatYara       Format = "yara"
	FormatSigma      Format = "sigma"
	FormatSuricata   Format = "suricata"
	FormatCustomJSON Format = "custom-json"
)

// Formats is the fixed generation order.
var Formats = []Format{FormatYara, FormatSigma, FormatSuricata, FormatCustomJSON}

// Signature is one rendered detection rule.
type Signature struct {
	Format  Format `json:"format"`
	RuleID  string `json:"rule_id"`
	Content string `json:"content"`
}

// Bundle holds the four signatures generated from one finding.
type Bundle struct {
	FindingID   string      `json:"finding_id"`
	GeneratedAt time.Time   `json:"generated_at"`
	Signatures  []Signature `json:"signatures"`
}

// Generate renders all four formats for a finding.
func Generate(f *models.Finding) (*Bundle, error) {
	if f == nil || f.Title == "" {
		return nil, service.NewValidationError("finding", "a finding with a title is required")
	}
	ruleID := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	bundle := &Bundle{
		FindingID:   f.ID,
		GeneratedAt: time.Now().UTC(),
	}
	for _, format := range Formats {
		content, err := render(format, f, ruleID)
		if err != nil {
			return nil, err
		}
		bundle.Signatures = append(bundle.Signatures, Signature{
			Format:  format,
			RuleID:  ruleID,
			Content: content,
		})
	}
	return bundle, nil
}

func render(format Format, f *models.Finding, ruleID string) (string, error) {
	switch format {
	case FormatYara:
		return renderYara(f, ruleID), nil
	case FormatSigma:
		return renderSigma(f, ruleID), nil
	case FormatSuricata:
		return renderSuricata(f, ruleID), nil
	case FormatCustomJSON:
		return renderCustomJSON(f, ruleID)
	}
	return "", service.NewValidationError("format", fmt.Sprintf("unknown format %q", format))
}

func ruleName(f *models.Finding, ruleID string) string {
	base := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, f.Title)
	return fmt.Sprintf("bugbot_%s_%s", strings.ToLower(base), ruleID)
}

func renderYara(f *models.Finding, ruleID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "rule %s\n{\n", ruleName(f, ruleID))
	b.WriteString("    meta:\n")
	fmt.Fprintf(&b, "        description = %q\n", f.Title)
	fmt.Fprintf(&b, "        severity = %q\n", f.Severity)
	fmt.Fprintf(&b, "        finding_type = %q\n", f.Type)
	fmt.Fprintf(&b, "        source = %q\n", f.Source)
	b.WriteString("    strings:\n")
	fmt.Fprintf(&b, "        $pattern = %q nocase\n", signatureToken(f))
	b.WriteString("    condition:\n        $pattern\n}\n")
	return b.String()
}

func renderSigma(f *models.Finding, ruleID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "title: %s\n", f.Title)
	fmt.Fprintf(&b, "id: %s\n", ruleID)
	b.WriteString("status: experimental\n")
	fmt.Fprintf(&b, "description: %s\n", firstLine(f.Description))
	b.WriteString("logsource:\n  category: blockchain\n  product: bugbot\n")
	b.WriteString("detection:\n  selection:\n")
	fmt.Fprintf(&b, "    finding_type: %s\n", f.Type)
	fmt.Fprintf(&b, "    pattern|contains: %q\n", signatureToken(f))
	b.WriteString("  condition: selection\n")
	fmt.Fprintf(&b, "level: %s\n", sigmaLevel(f.Severity))
	return b.String()
}

func renderSuricata(f *models.Finding, ruleID string) string {
	sid := 9000000 + int(crc16(ruleID))
	return fmt.Sprintf(
		`alert tcp any any -> any any (msg:"BUGBOT %s - %s"; content:"%s"; nocase; classtype:web-application-attack; sid:%d; rev:1;)`+"\n",
		strings.ToUpper(string(f.Severity)), f.Title, signatureToken(f), sid)
}

func renderCustomJSON(f *models.Finding, ruleID string) (string, error) {
	raw, err := json.MarshalIndent(map[string]any{
		"schema":       "bugbot/signature/v1",
		"rule_id":      ruleID,
		"title":        f.Title,
		"finding_type": f.Type,
		"severity":     f.Severity,
		"confidence":   f.Confidence,
		"pattern":      signatureToken(f),
		"location":     f.Location,
		"description":  f.Description,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw) + "\n", nil
}

// signatureToken is the matchable artifact of a finding: its location
// when present, otherwise its title.
func signatureToken(f *models.Finding) string {
	if f.Location != "" {
		return f.Location
	}
	return f.Title
}

func sigmaLevel(sev models.Severity) string {
	switch sev {
	case models.SeverityCritical:
		return "critical"
	case models.SeverityHigh:
		return "high"
	case models.SeverityMedium:
		return "medium"
	}
	return "low"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// crc16 hashes a rule ID into a stable Suricata sid suffix.
func crc16(s string) uint16 {
	var crc uint16 = 0xFFFF
	for i := 0; i < len(s); i++ {
		crc ^= uint16(s[i])
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// Export concatenates the requested format from a set of bundles into a
// single downloadable document.
func Export(bundles []*Bundle, format Format) (string, error) {
	valid := false
	for _, f := range Formats {
		if f == format {
			valid = true
			break
		}
	}
	if !valid {
		return "", service.NewValidationError("format", fmt.Sprintf("unknown format %q", format))
	}

	var b strings.Builder
	for _, bundle := range bundles {
		for _, sig := range bundle.Signatures {
			if sig.Format != format {
				continue
			}
			b.WriteString(sig.Content)
			if !strings.HasSuffix(sig.Content, "\n") {
				b.WriteString("\n")
			}
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}
