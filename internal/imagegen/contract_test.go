package imagegen

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostmannequin/internal/consolidate"
	"ghostmannequin/internal/domain"
)

func labelledShirt() (consolidate.ConsolidatedFacts, consolidate.ControlBlock) {
	structural := &domain.StructuralAnalysis{
		SessionID:   "sess-42",
		Category:    "shirt",
		Silhouette:  "straight",
		ClosureType: "buttons",
		Palette: domain.CoarsePalette{
			Dominant: []string{"#1a2b3d"},
			Accent:   []string{"#ffcc00"},
			Pattern:  []string{"#111111", "#222222", "#333333", "#444444"},
		},
		Labels: []domain.LabelFinding{
			{Type: "brand", Text: "NORTHWIND", Location: "neck", Priority: "critical"},
			{Type: "size", Text: "M", Location: "neck", Priority: "critical"},
		},
	}
	enrichment := &domain.EnrichmentAnalysis{
		BaseAnalysisRef: "sess-42",
		Color:           domain.ColorPrecision{PrimaryHex: "#1A2B3C", Temperature: "cool"},
		Fabric:          domain.FabricBehavior{Material: "oxford cloth"},
	}
	facts, control, _ := consolidate.Consolidate(structural, enrichment)
	return facts, control
}

var defaultRules = RenderRules{BackgroundHex: "#ffffff", PreserveLabels: true, OutputSize: "2048x2048"}

func TestCompileLabelsAndPrimaryColor(t *testing.T) {
	facts, control := labelledShirt()
	out := Compile(facts, control, "sess-42", defaultRules)

	require.NotEmpty(t, out.Contract.ColorsHex)
	assert.Equal(t, "#1A2B3C", out.Contract.ColorsHex[0])
	assert.Equal(t, 2, out.Contract.Parts.LabelCount)
	assert.True(t, out.Contract.Rules.Ghost)
	assert.Equal(t, "#FFFFFF", out.Contract.Rules.Background)

	labels, ok := out.Hints["labels"].(map[string]any)
	require.True(t, ok, "hints carry labels: %v", out.Hints)
	assert.ElementsMatch(t, []any{"NORTHWIND", "M"}, labels["known_texts"])
}

func TestCompileDigestIsStable(t *testing.T) {
	facts, control := labelledShirt()
	a := Compile(facts, control, "sess-42", defaultRules)
	b := Compile(facts, control, "sess-42", defaultRules)

	assert.Equal(t, a.Digest, b.Digest)
	assert.Equal(t, a.Contract, b.Contract)
	assert.Equal(t, a.Instruction, b.Instruction)
	assert.Len(t, a.Digest, DigestLength)
	assert.Contains(t, a.Instruction, a.Digest)
}

func TestCompileBindingFieldChangesDigest(t *testing.T) {
	facts, control := labelledShirt()
	base := Compile(facts, control, "sess-42", defaultRules)

	changed := control
	changed.ButtonCount++
	assert.NotEqual(t, base.Digest, Compile(facts, changed, "sess-42", defaultRules).Digest)

	rules := defaultRules
	rules.BackgroundHex = "#000000"
	assert.NotEqual(t, base.Digest, Compile(facts, control, "sess-42", rules).Digest)
}

func TestCompileHintsOnlyChangeKeepsDigest(t *testing.T) {
	facts, control := labelledShirt()
	base := Compile(facts, control, "sess-42", defaultRules)

	facts.Rendering.Lighting = "dramatic"
	facts.Fabric.Sheen = "satin"
	again := Compile(facts, control, "sess-42", defaultRules)

	assert.Equal(t, base.Digest, again.Digest)
	assert.NotEqual(t, base.HintsDigest, again.HintsDigest)
}

func TestExtractColorsBounded(t *testing.T) {
	control := consolidate.ControlBlock{
		PrimaryHex:   "#abcdef",
		AccentHex:    "#ABCDEF",
		TrimHex:      "#000",
		PatternHexes: []string{"#000000", "#111111", "#222222", "#333333", "#444444", "not-a-color"},
	}
	got := ExtractColors(control)

	assert.Equal(t, []string{"#ABCDEF", "#000000", "#111111", "#222222", "#333333"}, got)
	assert.LessOrEqual(t, len(got), MaxContractColors)

	seen := map[string]bool{}
	for _, c := range got {
		key := strings.ToUpper(c)
		assert.False(t, seen[key], "duplicate %s", c)
		seen[key] = true
	}
}

func TestExtractColorsCapsAtSix(t *testing.T) {
	control := consolidate.ControlBlock{
		PrimaryHex:   "#010101",
		AccentHex:    "#020202",
		TrimHex:      "#030303",
		PatternHexes: []string{"#040404", "#050505", "#060606", "#070707"},
	}
	assert.Len(t, ExtractColors(control), MaxContractColors)
}

func TestPruneRemovesEmptyValues(t *testing.T) {
	var in any
	require.NoError(t, json.Unmarshal([]byte(`{
		"a": "",
		"b": null,
		"c": [],
		"d": {"e": {"f": []}},
		"g": [null, "", "keep"],
		"h": 0,
		"i": false
	}`), &in))

	got := Prune(in)
	assert.Equal(t, map[string]any{"g": []any{"keep"}, "h": float64(0), "i": false}, got)
}

func TestInstructionWithHintsAppendsHints(t *testing.T) {
	facts, control := labelledShirt()
	out := Compile(facts, control, "sess-42", defaultRules)

	full := out.InstructionWithHints()
	assert.True(t, strings.HasPrefix(full, out.Instruction))
	assert.Contains(t, full, hintsHeader)
	assert.NotContains(t, out.Instruction, hintsHeader)
}
