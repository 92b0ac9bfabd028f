package consolidate

import (
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"ghostmannequin/internal/domain"
)

// Consolidate merges the two analyses. Either input may be nil or degraded;
// every field then falls back to a category default and the call still
// succeeds. Conflicts are reported in precedence-table order.
func Consolidate(structural *domain.StructuralAnalysis, enrichment *domain.EnrichmentAnalysis) (ConsolidatedFacts, ControlBlock, []Conflict) {
	values, conflicts := resolveAll(structural, enrichment)
	sources := make(map[string]Source, len(precedence)+8)

	pick := func(field, fallback string) string {
		if r, ok := values[field]; ok {
			sources[field] = r.source
			return r.value
		}
		sources[field] = SourceDefault
		return fallback
	}

	facts := ConsolidatedFacts{
		Degraded: structural == nil || enrichment == nil ||
			(structural != nil && structural.Degraded) ||
			(enrichment != nil && enrichment.Degraded),
	}
	if structural != nil {
		facts.SessionID = strings.TrimSpace(structural.SessionID)
	}
	if facts.SessionID == "" && enrichment != nil {
		facts.SessionID = strings.TrimSpace(enrichment.BaseAnalysisRef)
	}

	facts.Category = pick("identity.category", genericCategory)
	d := defaultsFor(facts.Category)
	facts.Silhouette = pick("identity.silhouette", d.silhouette)
	facts.Pattern = pick("pattern.type", defaultPattern)

	facts.Colors = consolidateColors(structural, enrichment, pick)
	facts.Fabric = consolidateFabric(enrichment, d, pick, sources)

	closure := pick("construction.closure_type", d.closureType)
	buttons := pick("construction.button_count", "")
	facts.Construction = ConstructionFacts{ClosureType: closure}
	if n, err := strconv.Atoi(buttons); err == nil {
		facts.Construction.ButtonCount = n
	} else {
		facts.Construction.ButtonCount = defaultButtonCount(facts.Silhouette, closure, d)
	}
	facts.Construction.EdgeFinish = pick("construction.edge_finish", defaultEdgeFinish)
	facts.Construction.SeamVisibility = enrichmentWord(enrichment, func(e *domain.EnrichmentAnalysis) string { return e.Construction.SeamVisibility }, defaultSeamVisibility)
	facts.Construction.HardwareFinish = enrichmentWord(enrichment, func(e *domain.EnrichmentAnalysis) string { return e.Construction.HardwareFinish }, defaultHardwareFinish)
	if structural != nil {
		for _, detail := range structural.ConstructionDetails {
			if f := strings.TrimSpace(detail.Feature); f != "" {
				facts.Construction.Details = append(facts.Construction.Details, f)
			}
		}
	}

	facts.Labels = consolidateLabels(structural, pick("labels.present", "false"))
	facts.PreserveDetails = consolidatePreserve(structural)
	facts.HollowRegions = consolidateHollow(structural, d)
	facts.Proportions = consolidateProportions(structural, d)
	sources["proportions"] = SourceDefault
	if facts.Proportions.Source == ProportionsOnModel {
		sources["proportions"] = SourceStructural
	}

	facts.Rendering = defaultRendering
	if enrichment != nil {
		r := enrichment.Rendering
		facts.Rendering = domain.RenderingGuidance{
			Lighting:              orDefault(normalizeWord(r.Lighting), defaultRendering.Lighting),
			Shadow:                orDefault(normalizeWord(r.Shadow), defaultRendering.Shadow),
			TextureEmphasis:       orDefault(normalizeWord(r.TextureEmphasis), defaultRendering.TextureEmphasis),
			ColorFidelityPriority: orDefault(normalizeWord(r.ColorFidelityPriority), defaultRendering.ColorFidelityPriority),
			DetailSharpness:       orDefault(normalizeWord(r.DetailSharpness), defaultRendering.DetailSharpness),
		}
		c := enrichment.Confidence
		facts.Confidence = domain.ConfidenceBreakdown{
			Color:        clamp(c.Color, 0, 1),
			Fabric:       clamp(c.Fabric, 0, 1),
			Construction: clamp(c.Construction, 0, 1),
			Overall:      clamp(c.Overall, 0, 1),
		}
	}
	facts.FieldSources = sources

	return facts, ControlFromFacts(facts), conflicts
}

func consolidateColors(s *domain.StructuralAnalysis, e *domain.EnrichmentAnalysis, pick func(string, string) string) ColorFacts {
	colors := ColorFacts{
		PrimaryHex:   pick("color.primary_hex", defaultPrimaryHex),
		SecondaryHex: pick("color.secondary_hex", ""),
		Temperature:  defaultTemperature,
		Saturation:   defaultSaturation,
	}
	if s != nil {
		colors.AccentHex = firstHex(s.Palette.Accent)
		colors.TrimHex = firstHex(s.Palette.Trim)
		colors.PatternHexes = uniqueHexes(s.Palette.Pattern)
	}
	if colors.AccentHex == "" && colors.SecondaryHex != "" && colors.SecondaryHex != colors.PrimaryHex {
		colors.AccentHex = colors.SecondaryHex
	}
	if e != nil {
		colors.Temperature = orDefault(normalizeWord(e.Color.Temperature), defaultTemperature)
		colors.Saturation = orDefault(normalizeWord(e.Color.Saturation), defaultSaturation)
	}
	return colors
}

func consolidateFabric(e *domain.EnrichmentAnalysis, d categoryDefaults, pick func(string, string) string, sources map[string]Source) FabricFacts {
	fabric := FabricFacts{
		Material:       pick("fabric.material", d.material),
		DrapeQuality:   d.drapeQuality,
		DrapeStiffness: d.drapeStiffness,
		Sheen:          defaultSheen,
		Transparency:   defaultTransparency,
		TextureDepth:   defaultTextureDepth,
	}
	sources["fabric.drape_stiffness"] = SourceDefault
	if e == nil {
		return fabric
	}
	f := e.Fabric
	fabric.DrapeQuality = orDefault(normalizeWord(f.DrapeQuality), d.drapeQuality)
	if f.DrapeStiffness != nil {
		fabric.DrapeStiffness = clamp(*f.DrapeStiffness, 0, 1)
		sources["fabric.drape_stiffness"] = SourceEnrichment
	}
	fabric.Sheen = orDefault(normalizeWord(f.SurfaceSheen), defaultSheen)
	fabric.Transparency = orDefault(normalizeWord(f.Transparency), defaultTransparency)
	fabric.TextureDepth = orDefault(normalizeWord(f.TextureDepth), defaultTextureDepth)
	return fabric
}

func enrichmentWord(e *domain.EnrichmentAnalysis, get func(*domain.EnrichmentAnalysis) string, fallback string) string {
	if e == nil {
		return fallback
	}
	return orDefault(normalizeWord(get(e)), fallback)
}

var labelPriorityRank = map[string]int{"critical": 0, "important": 1, "optional": 2}

// consolidateLabels dedupes label texts case-insensitively and orders them
// by priority, keeping the input order among equals.
func consolidateLabels(s *domain.StructuralAnalysis, present string) LabelFacts {
	out := LabelFacts{Present: present == "true"}
	if s == nil {
		return out
	}
	fold := cases.Fold()
	seen := make(map[string]struct{}, len(s.Labels))
	for _, l := range s.Labels {
		text := strings.Join(strings.Fields(l.Text), " ")
		key := fold.String(text) + "|" + strings.ToLower(strings.TrimSpace(l.Location))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		priority := normalizeWord(l.Priority)
		if _, ok := labelPriorityRank[priority]; !ok {
			priority = "important"
		}
		item := LabelFact{
			Type:     orDefault(normalizeWord(l.Type), "label"),
			Text:     text,
			Location: strings.TrimSpace(l.Location),
			Priority: priority,
			Preserve: l.Preserve || priority == "critical",
		}
		if len(l.BBox) == 4 {
			item.BBox = make([]float64, 4)
			for i, v := range l.BBox {
				item.BBox[i] = clamp(v, 0, 1)
			}
		}
		out.Items = append(out.Items, item)
	}
	sort.SliceStable(out.Items, func(i, j int) bool {
		return labelPriorityRank[out.Items[i].Priority] < labelPriorityRank[out.Items[j].Priority]
	})
	return out
}

func consolidatePreserve(s *domain.StructuralAnalysis) []domain.PreserveDetail {
	if s == nil {
		return nil
	}
	var out []domain.PreserveDetail
	for _, p := range s.PreserveDetails {
		if strings.TrimSpace(p.Element) == "" {
			continue
		}
		p.Element = strings.TrimSpace(p.Element)
		p.Priority = orDefault(normalizeWord(p.Priority), "important")
		out = append(out, p)
	}
	return out
}

func consolidateHollow(s *domain.StructuralAnalysis, d categoryDefaults) []domain.HollowRegion {
	if s != nil && len(s.HollowRegions) > 0 {
		out := make([]domain.HollowRegion, 0, len(s.HollowRegions))
		seen := map[string]struct{}{}
		for _, h := range s.HollowRegions {
			h.RegionType = normalizeWord(h.RegionType)
			if h.RegionType == "" {
				continue
			}
			if _, ok := seen[h.RegionType]; ok {
				continue
			}
			seen[h.RegionType] = struct{}{}
			out = append(out, h)
		}
		if len(out) > 0 {
			return out
		}
	}
	out := make([]domain.HollowRegion, 0, len(d.hollow))
	for _, region := range d.hollow {
		out = append(out, domain.HollowRegion{RegionType: region, KeepHollow: true})
	}
	return out
}

// consolidateProportions prefers on-model hints and fills any missing ratio
// from the category table.
func consolidateProportions(s *domain.StructuralAnalysis, d categoryDefaults) ProportionFacts {
	out := ProportionFacts{Proportions: d.proportions, Source: ProportionsCategoryDefault}
	if s == nil || s.ProportionHints == nil || s.ProportionHints.IsZero() {
		return out
	}
	h := *s.ProportionHints
	out.Source = ProportionsOnModel
	if h.ShoulderWidth > 0 {
		out.ShoulderWidth = clamp(h.ShoulderWidth, 0.1, 3)
	}
	if h.BodyLength > 0 {
		out.BodyLength = clamp(h.BodyLength, 0.1, 3)
	}
	if h.SleeveLength > 0 {
		out.SleeveLength = clamp(h.SleeveLength, 0.1, 3)
	}
	if h.HemWidth > 0 {
		out.HemWidth = clamp(h.HemWidth, 0.1, 3)
	}
	return out
}

func firstHex(values []string) string {
	for _, v := range values {
		if hex := normalizeHex(v); hex != "" {
			return hex
		}
	}
	return ""
}

func uniqueHexes(values []string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, v := range values {
		hex := normalizeHex(v)
		if hex == "" {
			continue
		}
		if _, ok := seen[hex]; ok {
			continue
		}
		seen[hex] = struct{}{}
		out = append(out, hex)
	}
	return out
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v != v {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
