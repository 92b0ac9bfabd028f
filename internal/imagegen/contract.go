package imagegen

import (
	"encoding/json"
	"strings"

	"ghostmannequin/internal/consolidate"
	"ghostmannequin/internal/domain"
)

const defaultBackground = "#FFFFFF"

// Compile builds the contract and hints for one session. It is deterministic:
// equal inputs produce equal contracts and digests.
func Compile(facts consolidate.ConsolidatedFacts, control consolidate.ControlBlock, sessionID string, rules RenderRules) Compiled {
	contract := buildContract(facts, control, sessionID, rules)
	hintsJSON, hints := buildHints(facts)

	contractJSON := canonicalJSON(contract)
	out := Compiled{
		Contract:    contract,
		Hints:       hints,
		Digest:      digest(contractJSON),
		HintsDigest: digest(hintsJSON),
		hintsJSON:   hintsJSON,
	}
	out.Instruction = buildInstruction(out.Digest, contractJSON)
	return out
}

// InstructionWithHints is Instruction followed by the hints document. The
// retry path drops the hints to shorten the prompt.
func (c Compiled) InstructionWithHints() string {
	if len(c.hintsJSON) == 0 || string(c.hintsJSON) == "{}" {
		return c.Instruction
	}
	return c.Instruction + "\n" + hintsHeader + string(c.hintsJSON)
}

func buildContract(facts consolidate.ConsolidatedFacts, control consolidate.ControlBlock, sessionID string, rules RenderRules) CoreContract {
	if strings.TrimSpace(sessionID) == "" {
		sessionID = facts.SessionID
	}
	background, ok := domain.NormalizeHex(rules.BackgroundHex)
	if !ok {
		background = defaultBackground
	}
	hollow := append([]string{}, control.HollowRegions...)
	labelCount := 0
	if rules.PreserveLabels {
		labelCount = len(control.LabelTexts)
	}
	return CoreContract{
		ID:         ContractID{SessionID: strings.TrimSpace(sessionID)},
		Category:   control.Category,
		Silhouette: control.Silhouette,
		Pattern:    control.Pattern,
		ColorsHex:  ExtractColors(control),
		Parts: ContractParts{
			Closure:       control.ClosureType,
			ButtonCount:   control.ButtonCount,
			EdgeFinish:    control.EdgeFinish,
			HollowRegions: hollow,
			LabelCount:    labelCount,
		},
		Proportions: control.Proportions,
		Rules: ContractRules{
			Background:     background,
			Ghost:          true,
			PreserveLabels: rules.PreserveLabels,
			OutputSize:     strings.TrimSpace(rules.OutputSize),
		},
	}
}

// ExtractColors returns primary, accent, trim and up to three pattern colors,
// normalized to #RRGGBB, deduplicated and capped at MaxContractColors.
func ExtractColors(control consolidate.ControlBlock) []string {
	out := make([]string, 0, MaxContractColors)
	seen := make(map[string]struct{}, MaxContractColors)
	add := func(raw string) bool {
		hex, ok := domain.NormalizeHex(raw)
		if !ok {
			return false
		}
		if _, dup := seen[hex]; dup {
			return false
		}
		seen[hex] = struct{}{}
		out = append(out, hex)
		return true
	}
	add(control.PrimaryHex)
	add(control.AccentHex)
	add(control.TrimHex)
	pattern := 0
	for _, c := range control.PatternHexes {
		if pattern == maxPatternColors || len(out) == MaxContractColors {
			break
		}
		if add(c) {
			pattern++
		}
	}
	return out
}

type hintsDoc struct {
	Color struct {
		SecondaryHex string `json:"secondary_hex,omitempty"`
		Temperature  string `json:"temperature,omitempty"`
		Saturation   string `json:"saturation,omitempty"`
	} `json:"color"`
	Fabric       consolidate.FabricFacts `json:"fabric"`
	Construction struct {
		SeamVisibility string   `json:"seam_visibility,omitempty"`
		HardwareFinish string   `json:"hardware_finish,omitempty"`
		Details        []string `json:"details,omitempty"`
	} `json:"construction"`
	Labels struct {
		KnownTexts []string                `json:"known_texts"`
		Items      []consolidate.LabelFact `json:"items"`
	} `json:"labels"`
	Preserve         []domain.PreserveDetail  `json:"preserve"`
	Hollow           []domain.HollowRegion    `json:"hollow"`
	Rendering        domain.RenderingGuidance `json:"rendering"`
	ProportionSource string                   `json:"proportion_source"`
	Confidence       map[string]float64       `json:"confidence"`
}

func buildHints(facts consolidate.ConsolidatedFacts) ([]byte, Hints) {
	var doc hintsDoc
	if facts.Colors.SecondaryHex != facts.Colors.PrimaryHex {
		doc.Color.SecondaryHex = facts.Colors.SecondaryHex
	}
	doc.Color.Temperature = facts.Colors.Temperature
	doc.Color.Saturation = facts.Colors.Saturation
	doc.Fabric = facts.Fabric
	doc.Construction.SeamVisibility = facts.Construction.SeamVisibility
	doc.Construction.HardwareFinish = facts.Construction.HardwareFinish
	doc.Construction.Details = facts.Construction.Details
	for _, l := range facts.Labels.Items {
		if l.Text != "" {
			doc.Labels.KnownTexts = append(doc.Labels.KnownTexts, l.Text)
		}
	}
	doc.Labels.Items = facts.Labels.Items
	doc.Preserve = facts.PreserveDetails
	doc.Hollow = facts.HollowRegions
	doc.Rendering = facts.Rendering
	doc.ProportionSource = facts.Proportions.Source
	c := facts.Confidence
	doc.Confidence = map[string]float64{
		"color":        c.Color,
		"fabric":       c.Fabric,
		"construction": c.Construction,
		"overall":      c.Overall,
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return []byte("{}"), Hints{}
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return []byte("{}"), Hints{}
	}
	pruned, _ := Prune(generic).(map[string]any)
	if pruned == nil {
		pruned = map[string]any{}
	}
	return canonicalJSON(pruned), Hints(pruned)
}
