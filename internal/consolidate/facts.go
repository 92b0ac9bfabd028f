// Package consolidate merges the structural and enrichment analyses of a
// garment into one consistent description. Everything here is pure: the same
// inputs always yield byte-identical output and nothing outside the returned
// values is touched.
package consolidate

import "ghostmannequin/internal/domain"

// Source names where a consolidated value came from.
type Source string

const (
	SourceStructural Source = "structural"
	SourceEnrichment Source = "enrichment"
	SourceDefault    Source = "default"
)

// ConsolidatedFacts is the merged garment description.
type ConsolidatedFacts struct {
	SessionID       string                     `json:"session_id"`
	Category        string                     `json:"category"`
	Silhouette      string                     `json:"silhouette"`
	Pattern         string                     `json:"pattern"`
	Colors          ColorFacts                 `json:"colors"`
	Fabric          FabricFacts                `json:"fabric"`
	Construction    ConstructionFacts          `json:"construction"`
	Labels          LabelFacts                 `json:"labels"`
	PreserveDetails []domain.PreserveDetail    `json:"preserve_details"`
	HollowRegions   []domain.HollowRegion      `json:"hollow_regions"`
	Proportions     ProportionFacts            `json:"proportions"`
	Rendering       domain.RenderingGuidance   `json:"rendering"`
	Confidence      domain.ConfidenceBreakdown `json:"confidence"`
	FieldSources    map[string]Source          `json:"field_sources"`
	Degraded        bool                       `json:"degraded"`
}

type ColorFacts struct {
	PrimaryHex   string   `json:"primary_hex"`
	SecondaryHex string   `json:"secondary_hex,omitempty"`
	AccentHex    string   `json:"accent_hex,omitempty"`
	TrimHex      string   `json:"trim_hex,omitempty"`
	PatternHexes []string `json:"pattern_hexes,omitempty"`
	Temperature  string   `json:"temperature"`
	Saturation   string   `json:"saturation"`
}

type FabricFacts struct {
	Material       string  `json:"material"`
	DrapeQuality   string  `json:"drape_quality"`
	DrapeStiffness float64 `json:"drape_stiffness"`
	Sheen          string  `json:"sheen"`
	Transparency   string  `json:"transparency"`
	TextureDepth   string  `json:"texture_depth"`
}

type ConstructionFacts struct {
	ClosureType    string   `json:"closure_type"`
	ButtonCount    int      `json:"button_count"`
	SeamVisibility string   `json:"seam_visibility"`
	EdgeFinish     string   `json:"edge_finish"`
	HardwareFinish string   `json:"hardware_finish"`
	Details        []string `json:"details,omitempty"`
}

type LabelFacts struct {
	Present bool        `json:"present"`
	Items   []LabelFact `json:"items,omitempty"`
}

type LabelFact struct {
	Type     string    `json:"type"`
	Text     string    `json:"text"`
	Location string    `json:"location"`
	Priority string    `json:"priority"`
	Preserve bool      `json:"preserve"`
	BBox     []float64 `json:"bbox_norm,omitempty"`
}

type ProportionFacts struct {
	domain.Proportions
	Source string `json:"source"`
}

// Proportion sources.
const (
	ProportionsOnModel         = "on_model"
	ProportionsCategoryDefault = "category_default"
)

// Conflict records one field on which the analyses disagreed.
type Conflict struct {
	Field           string `json:"field"`
	Winner          Source `json:"winner"`
	StructuralValue string `json:"structural_value"`
	EnrichmentValue string `json:"enrichment_value"`
	Kept            string `json:"kept"`
	Discarded       string `json:"discarded"`
	Rule            string `json:"rule"`
}
