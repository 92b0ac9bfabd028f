package consolidate

import (
	"strconv"
	"strings"

	"ghostmannequin/internal/domain"
)

// fieldRule decides one field that both analyses may report. Values are
// compared after normalization; an empty string means "not reported".
type fieldRule struct {
	field      string
	winner     Source
	rule       string
	normalize  func(string) string
	structural func(*domain.StructuralAnalysis) string
	enrichment func(*domain.EnrichmentAnalysis) string
}

// precedence is the complete list of overlapping fields, in the order their
// conflicts are reported. Fields reported by only one analysis are copied
// directly and never appear here.
var precedence = []fieldRule{
	{
		field:      "identity.category",
		winner:     SourceStructural,
		rule:       "structural pass identifies the garment",
		normalize:  normalizeCategory,
		structural: func(s *domain.StructuralAnalysis) string { return s.Category },
		enrichment: func(e *domain.EnrichmentAnalysis) string { return e.Category },
	},
	{
		field:      "identity.silhouette",
		winner:     SourceStructural,
		rule:       "structural pass owns garment shape",
		normalize:  normalizeWord,
		structural: func(s *domain.StructuralAnalysis) string { return s.Silhouette },
		enrichment: func(e *domain.EnrichmentAnalysis) string { return e.Silhouette },
	},
	{
		field:      "pattern.type",
		winner:     SourceStructural,
		rule:       "pattern presence is a structural fact",
		normalize:  normalizeWord,
		structural: func(s *domain.StructuralAnalysis) string { return s.Pattern },
		enrichment: func(e *domain.EnrichmentAnalysis) string { return e.Pattern },
	},
	{
		field:      "color.primary_hex",
		winner:     SourceEnrichment,
		rule:       "enrichment measures color precisely",
		normalize:  normalizeHex,
		structural: func(s *domain.StructuralAnalysis) string { return nth(s.Palette.Dominant, 0) },
		enrichment: func(e *domain.EnrichmentAnalysis) string { return e.Color.PrimaryHex },
	},
	{
		field:      "color.secondary_hex",
		winner:     SourceEnrichment,
		rule:       "enrichment measures color precisely",
		normalize:  normalizeHex,
		structural: func(s *domain.StructuralAnalysis) string { return nth(s.Palette.Dominant, 1) },
		enrichment: func(e *domain.EnrichmentAnalysis) string { return e.Color.SecondaryHex },
	},
	{
		field:      "fabric.material",
		winner:     SourceEnrichment,
		rule:       "enrichment inspects fabric at texture level",
		normalize:  normalizeWord,
		structural: func(s *domain.StructuralAnalysis) string { return s.Material },
		enrichment: func(e *domain.EnrichmentAnalysis) string { return e.Fabric.Material },
	},
	{
		field:      "construction.closure_type",
		winner:     SourceStructural,
		rule:       "presence of parts is a structural fact",
		normalize:  normalizeWord,
		structural: func(s *domain.StructuralAnalysis) string { return s.ClosureType },
		enrichment: func(e *domain.EnrichmentAnalysis) string { return e.Construction.ClosureType },
	},
	{
		field:      "construction.button_count",
		winner:     SourceStructural,
		rule:       "element counts are structural facts",
		normalize:  normalizeCount,
		structural: func(s *domain.StructuralAnalysis) string { return intString(s.ButtonCount) },
		enrichment: func(e *domain.EnrichmentAnalysis) string { return intString(e.Construction.ButtonCount) },
	},
	{
		field:      "construction.edge_finish",
		winner:     SourceEnrichment,
		rule:       "edge finish is a rendering-precision attribute",
		normalize:  normalizeWord,
		structural: func(s *domain.StructuralAnalysis) string { return s.EdgeFinish },
		enrichment: func(e *domain.EnrichmentAnalysis) string { return e.Construction.EdgeFinish },
	},
	{
		field:      "labels.present",
		winner:     SourceStructural,
		rule:       "label presence is a structural fact",
		normalize:  normalizeBool,
		structural: structuralLabelPresence,
		enrichment: func(e *domain.EnrichmentAnalysis) string { return boolString(e.Construction.LabelVisible) },
	},
}

// Precedence reports which analysis wins each overlapping field.
func Precedence() map[string]Source {
	out := make(map[string]Source, len(precedence))
	for _, r := range precedence {
		out[r.field] = r.winner
	}
	return out
}

// resolved is the outcome of one precedence decision.
type resolved struct {
	value  string
	source Source
}

// resolveAll walks the precedence table. Missing analyses read as empty.
func resolveAll(s *domain.StructuralAnalysis, e *domain.EnrichmentAnalysis) (map[string]resolved, []Conflict) {
	values := make(map[string]resolved, len(precedence))
	var conflicts []Conflict
	for _, r := range precedence {
		var sv, ev string
		if s != nil {
			sv = r.normalize(r.structural(s))
		}
		if e != nil {
			ev = r.normalize(r.enrichment(e))
		}
		switch {
		case sv == "" && ev == "":
			continue
		case sv == "":
			values[r.field] = resolved{value: ev, source: SourceEnrichment}
			continue
		case ev == "":
			values[r.field] = resolved{value: sv, source: SourceStructural}
			continue
		}

		kept, discarded := sv, ev
		if r.winner == SourceEnrichment {
			kept, discarded = ev, sv
		}
		values[r.field] = resolved{value: kept, source: r.winner}
		if !strings.EqualFold(sv, ev) {
			conflicts = append(conflicts, Conflict{
				Field:           r.field,
				Winner:          r.winner,
				StructuralValue: sv,
				EnrichmentValue: ev,
				Kept:            kept,
				Discarded:       discarded,
				Rule:            r.rule,
			})
		}
	}
	return values, conflicts
}

func structuralLabelPresence(s *domain.StructuralAnalysis) string {
	if len(s.Labels) > 0 {
		return "true"
	}
	if s.Degraded {
		return ""
	}
	return "false"
}

func nth(values []string, i int) string {
	if i < len(values) {
		return values[i]
	}
	return ""
}

func intString(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func boolString(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}

func normalizeWord(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.Join(strings.Fields(v), " ")
	switch v {
	case "unknown", "n/a", "none detected", "null":
		return ""
	}
	return v
}

func normalizeHex(v string) string {
	hex, ok := domain.NormalizeHex(v)
	if !ok {
		return ""
	}
	return hex
}

func normalizeCount(v string) string {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return ""
	}
	if n > maxButtons {
		n = maxButtons
	}
	return strconv.Itoa(n)
}

func normalizeBool(v string) string {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return ""
	}
	return strconv.FormatBool(b)
}
