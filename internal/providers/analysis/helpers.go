package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const structuralSchema = `{"category":string,"silhouette":string,"pattern":string,"material":string,` +
	`"closure_type":"buttons"|"zipper"|"none"|string,"button_count":int,"edge_finish":string,` +
	`"palette":{"dominant_colors":["#RRGGBB"],"accent_colors":["#RRGGBB"],"trim_colors":["#RRGGBB"],"pattern_colors":["#RRGGBB"]},` +
	`"labels_found":[{"type":"brand"|"size"|"care"|"print","text":string,"location":string,"bbox_norm":[x0,y0,x1,y1],"readable":bool,"preserve":bool,"priority":"critical"|"important"|"optional"}],` +
	`"preserve_details":[{"element":string,"priority":string,"location":string,"notes":string}],` +
	`"hollow_regions":[{"region_type":string,"keep_hollow":bool,"inner_visible":bool,"inner_description":string}],` +
	`"construction_details":[{"feature":string,"critical":bool}]}`

const proportionSchema = `"proportion_hints":{"shoulder_width_ratio":number,"body_length_ratio":number,"sleeve_length_ratio":number,"hem_width_ratio":number}`

const enrichmentSchema = `{"category":string,"silhouette":string,"pattern":string,` +
	`"color_precision":{"primary_hex":"#RRGGBB","secondary_hex":"#RRGGBB","color_temperature":"warm"|"cool"|"neutral","saturation_level":"muted"|"moderate"|"vibrant","pattern_direction":string},` +
	`"fabric_behavior":{"material":string,"drape_quality":string,"drape_stiffness":0..1,"surface_sheen":"matte"|"subtle_sheen"|"glossy"|"metallic","transparency":"opaque"|"semi_opaque"|"sheer","texture_depth":"flat"|"subtle"|"medium"|"pronounced"},` +
	`"construction_precision":{"seam_visibility":string,"edge_finish":string,"hardware_finish":string,"closure_type":string,"button_count":int,"label_visible":bool},` +
	`"rendering_guidance":{"lighting_preference":string,"shadow_behavior":string,"texture_emphasis":string,"color_fidelity_priority":string,"detail_sharpness":string},` +
	`"confidence_breakdown":{"color_confidence":0..1,"fabric_confidence":0..1,"construction_confidence":0..1,"overall_confidence":0..1}}`

func buildStructuralPrompt(req StructuralRequest) string {
	sb := &strings.Builder{}
	sb.WriteString("You are a garment analyst preparing a ghost-mannequin product render. ")
	sb.WriteString("The first image is a flatlay of the garment with its background removed. ")
	sb.WriteString("Identify what the garment is and which parts exist. Count buttons exactly, transcribe every readable label verbatim, and list openings that must stay hollow. ")
	schema := structuralSchema
	if req.OnModel != nil {
		sb.WriteString("The second image shows the same garment worn on a model; use it only to estimate proportions relative to body width. ")
		schema = strings.TrimSuffix(schema, "}") + "," + proportionSchema + "}"
	}
	fmt.Fprintf(sb, "Respond strictly with JSON matching this schema: %s. Use \"unknown\" for text you cannot see and omit numbers you cannot count. session_id=%s.", schema, req.SessionID)
	return sb.String()
}

func buildEnrichmentPrompt(req EnrichmentRequest) string {
	sb := &strings.Builder{}
	sb.WriteString("You are a color and fabric specialist preparing a ghost-mannequin product render. ")
	sb.WriteString("Measure the exact dominant colors as hex, describe how the fabric drapes and reflects light, and recommend lighting for a photorealistic render. ")
	fmt.Fprintf(sb, "Respond strictly with JSON matching this schema: %s. base_analysis_ref=%s.", enrichmentSchema, coalesce(req.StructuralSessionID, req.SessionID))
	return sb.String()
}

func coalesce(values ...string) string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return ""
}

func parseModelPayload[T any](raw string) (T, error) {
	var zero T
	cleaned := extractJSONFragment(raw)
	if cleaned == "" {
		return zero, errors.New("empty payload")
	}
	var decoded T
	if err := json.Unmarshal([]byte(cleaned), &decoded); err != nil {
		return zero, err
	}
	return decoded, nil
}

func extractJSONFragment(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	text = trimCodeFence(text)
	start := strings.IndexAny(text, "{[")
	end := strings.LastIndexAny(text, "]}")
	if start >= 0 && end >= start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func trimCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```JSON")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}
