package domain

// StructuralAnalysis is the first-pass description of the garment: what it
// is, which parts exist, what must be preserved. Empty strings and nil
// pointers mean the analyzer did not report the field.
type StructuralAnalysis struct {
	SessionID           string               `json:"session_id"`
	Category            string               `json:"category"`
	Silhouette          string               `json:"silhouette"`
	Pattern             string               `json:"pattern"`
	Material            string               `json:"material"`
	ClosureType         string               `json:"closure_type"`
	ButtonCount         *int                 `json:"button_count,omitempty"`
	EdgeFinish          string               `json:"edge_finish"`
	Palette             CoarsePalette        `json:"palette"`
	Labels              []LabelFinding       `json:"labels_found"`
	PreserveDetails     []PreserveDetail     `json:"preserve_details"`
	HollowRegions       []HollowRegion       `json:"hollow_regions"`
	ConstructionDetails []ConstructionDetail `json:"construction_details"`
	ProportionHints     *Proportions         `json:"proportion_hints,omitempty"`
	Degraded            bool                 `json:"degraded,omitempty"`
}

// CoarsePalette holds colors as seen at a glance, most dominant first.
type CoarsePalette struct {
	Dominant []string `json:"dominant_colors"`
	Accent   []string `json:"accent_colors"`
	Trim     []string `json:"trim_colors"`
	Pattern  []string `json:"pattern_colors"`
}

// LabelFinding is a visible label, tag or print that carries text.
type LabelFinding struct {
	Type     string    `json:"type"`
	Text     string    `json:"text"`
	Location string    `json:"location"`
	BBox     []float64 `json:"bbox_norm,omitempty"`
	Readable bool      `json:"readable"`
	Preserve bool      `json:"preserve"`
	Priority string    `json:"priority"`
}

// PreserveDetail is an element that must survive rendering untouched.
type PreserveDetail struct {
	Element  string `json:"element"`
	Priority string `json:"priority"`
	Location string `json:"location"`
	Notes    string `json:"notes"`
}

// HollowRegion is an opening that must stay hollow in a ghost render.
type HollowRegion struct {
	RegionType       string `json:"region_type"`
	KeepHollow       bool   `json:"keep_hollow"`
	InnerVisible     bool   `json:"inner_visible"`
	InnerDescription string `json:"inner_description"`
}

// ConstructionDetail is a notable build feature.
type ConstructionDetail struct {
	Feature  string `json:"feature"`
	Critical bool   `json:"critical"`
}

// Proportions are ratios relative to garment body width.
type Proportions struct {
	ShoulderWidth float64 `json:"shoulder_width_ratio"`
	BodyLength    float64 `json:"body_length_ratio"`
	SleeveLength  float64 `json:"sleeve_length_ratio"`
	HemWidth      float64 `json:"hem_width_ratio"`
}

// IsZero reports whether no ratio is set.
func (p Proportions) IsZero() bool {
	return p.ShoulderWidth == 0 && p.BodyLength == 0 && p.SleeveLength == 0 && p.HemWidth == 0
}

// EnrichmentAnalysis refines the structural pass with rendering-critical
// precision: exact color, fabric behaviour and finish.
type EnrichmentAnalysis struct {
	SessionID       string                `json:"session_id"`
	BaseAnalysisRef string                `json:"base_analysis_ref"`
	Category        string                `json:"category"`
	Silhouette      string                `json:"silhouette"`
	Pattern         string                `json:"pattern"`
	Color           ColorPrecision        `json:"color_precision"`
	Fabric          FabricBehavior        `json:"fabric_behavior"`
	Construction    ConstructionPrecision `json:"construction_precision"`
	Rendering       RenderingGuidance     `json:"rendering_guidance"`
	Confidence      ConfidenceBreakdown   `json:"confidence_breakdown"`
	Degraded        bool                  `json:"degraded,omitempty"`
}

type ColorPrecision struct {
	PrimaryHex       string `json:"primary_hex"`
	SecondaryHex     string `json:"secondary_hex"`
	Temperature      string `json:"color_temperature"`
	Saturation       string `json:"saturation_level"`
	PatternDirection string `json:"pattern_direction"`
}

type FabricBehavior struct {
	Material       string   `json:"material"`
	DrapeQuality   string   `json:"drape_quality"`
	DrapeStiffness *float64 `json:"drape_stiffness,omitempty"`
	SurfaceSheen   string   `json:"surface_sheen"`
	Transparency   string   `json:"transparency"`
	TextureDepth   string   `json:"texture_depth"`
}

type ConstructionPrecision struct {
	SeamVisibility string `json:"seam_visibility"`
	EdgeFinish     string `json:"edge_finish"`
	HardwareFinish string `json:"hardware_finish"`
	ClosureType    string `json:"closure_type"`
	ButtonCount    *int   `json:"button_count,omitempty"`
	LabelVisible   *bool  `json:"label_visible,omitempty"`
}

type RenderingGuidance struct {
	Lighting              string `json:"lighting_preference"`
	Shadow                string `json:"shadow_behavior"`
	TextureEmphasis       string `json:"texture_emphasis"`
	ColorFidelityPriority string `json:"color_fidelity_priority"`
	DetailSharpness       string `json:"detail_sharpness"`
}

type ConfidenceBreakdown struct {
	Color        float64 `json:"color_confidence"`
	Fabric       float64 `json:"fabric_confidence"`
	Construction float64 `json:"construction_confidence"`
	Overall      float64 `json:"overall_confidence"`
}
