package imagegen

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"ghostmannequin/internal/consolidate"
	"ghostmannequin/internal/domain"
)

const (
	taskHeader = "Create a professional ghost-mannequin product photo of the garment shown in the reference images. " +
		"The garment keeps its three-dimensional worn volume with no person, mannequin or hanger visible. " +
		"Every field of CORE_CONTRACT is binding: match colors_hex exactly, reproduce every listed part and keep hollow regions open."
	contractHeader = "CORE_CONTRACT (digest %s): "
	hintsHeader    = "HINTS (non-binding): "
)

func buildInstruction(digest string, contractJSON []byte) string {
	return taskHeader + "\n" + fmt.Sprintf(contractHeader, digest) + string(contractJSON)
}

// BuildLegacyPrompt renders the same facts as a free-text prompt. It carries
// every binding contract value so both payload shapes describe one garment.
func BuildLegacyPrompt(facts consolidate.ConsolidatedFacts, control consolidate.ControlBlock, rules RenderRules) string {
	title := cases.Title(language.English)
	contract := buildContract(facts, control, facts.SessionID, rules)

	parts := []string{}
	garment := strings.TrimSpace(contract.Silhouette + " " + contract.Category)
	parts = append(parts, fmt.Sprintf("Professional ghost mannequin photo of a %s.", garment))
	if contract.Pattern != "" {
		parts = append(parts, fmt.Sprintf("Pattern: %s.", contract.Pattern))
	}
	if len(contract.ColorsHex) > 0 {
		parts = append(parts, fmt.Sprintf("Exact colors: primary %s", contract.ColorsHex[0]))
		if len(contract.ColorsHex) > 1 {
			parts[len(parts)-1] += ", also " + strings.Join(contract.ColorsHex[1:], ", ")
		}
		parts[len(parts)-1] += "."
	}
	if m := facts.Fabric.Material; m != "" {
		parts = append(parts, fmt.Sprintf("%s fabric with %s drape and %s sheen.", title.String(m), facts.Fabric.DrapeQuality, facts.Fabric.Sheen))
	}
	closure := contract.Parts.Closure
	switch {
	case contract.Parts.ButtonCount > 0:
		parts = append(parts, fmt.Sprintf("Closure: %s with exactly %d buttons.", closure, contract.Parts.ButtonCount))
	case closure != "":
		parts = append(parts, fmt.Sprintf("Closure: %s.", closure))
	}
	if contract.Parts.EdgeFinish != "" {
		parts = append(parts, fmt.Sprintf("Edge finish: %s.", contract.Parts.EdgeFinish))
	}
	if len(contract.Parts.HollowRegions) > 0 {
		parts = append(parts, "Keep hollow: "+strings.Join(contract.Parts.HollowRegions, ", ")+".")
	}
	if rules.PreserveLabels && len(control.LabelTexts) > 0 {
		quoted := make([]string, 0, len(control.LabelTexts))
		for _, text := range control.LabelTexts {
			quoted = append(quoted, fmt.Sprintf("%q", text))
		}
		parts = append(parts, fmt.Sprintf("Preserve all %d labels legibly: %s.", contract.Parts.LabelCount, strings.Join(quoted, ", ")))
	}
	if p := contract.Proportions; !p.IsZero() {
		parts = append(parts, formatProportions(p))
	}
	if r := facts.Rendering; r.Lighting != "" {
		parts = append(parts, fmt.Sprintf("Lighting: %s, %s.", humanize(r.Lighting), humanize(r.Shadow)))
	}
	parts = append(parts, fmt.Sprintf("Solid %s background, no person, no mannequin, no hanger.", contract.Rules.Background))
	if contract.Rules.OutputSize != "" {
		parts = append(parts, "Output size "+contract.Rules.OutputSize+".")
	}
	return strings.Join(parts, " ")
}

func formatProportions(p domain.Proportions) string {
	fields := []string{}
	add := func(name string, v float64) {
		if v > 0 {
			fields = append(fields, fmt.Sprintf("%s %.2f", name, v))
		}
	}
	add("shoulder width", p.ShoulderWidth)
	add("body length", p.BodyLength)
	add("sleeve length", p.SleeveLength)
	add("hem width", p.HemWidth)
	return "Proportions relative to body width: " + strings.Join(fields, ", ") + "."
}

func humanize(v string) string {
	return strings.ReplaceAll(v, "_", " ")
}
