package qa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/imagegen"
	"ghostmannequin/internal/providers/genai"
)

// Validator judges a rendered image against its contract.
type Validator interface {
	Validate(ctx context.Context, contract imagegen.CoreContract, rendered domain.ImageRef) (*Verdict, error)
}

type jsonGenerator interface {
	GenerateJSON(ctx context.Context, req genai.JSONRequest) (string, error)
}

// GeminiValidator asks the Gemini text model to describe the render and
// applies the local checks in Evaluate to what it reports.
type GeminiValidator struct {
	client     jsonGenerator
	tolerances Tolerances
}

func NewGeminiValidator(client jsonGenerator, tol Tolerances) (*GeminiValidator, error) {
	if client == nil {
		return nil, errors.New("qa: gemini client is required")
	}
	return &GeminiValidator{client: client, tolerances: tol.withDefaults()}, nil
}

const observationSchema = `{"colors_hex":["#RRGGBB"],"button_count":int,"label_count":int,"person_visible":bool,"hollow_regions":[string],` +
	`"proportions":{"shoulder_width_ratio":number,"body_length_ratio":number,"sleeve_length_ratio":number,"hem_width_ratio":number}}`

func (v *GeminiValidator) Validate(ctx context.Context, contract imagegen.CoreContract, rendered domain.ImageRef) (*Verdict, error) {
	if rendered.IsZero() {
		return nil, domain.ErrMissingImage
	}
	text, err := v.client.GenerateJSON(ctx, genai.JSONRequest{
		Prompt:      buildObservationPrompt(contract),
		Images:      []domain.ImageRef{rendered},
		Temperature: 0,
		RequestID:   contract.ID.SessionID,
	})
	if err != nil {
		return nil, err
	}
	obs, err := parseObservation(text)
	if err != nil {
		return nil, err
	}
	verdict := Evaluate(contract, obs, v.tolerances)
	return &verdict, nil
}

func buildObservationPrompt(contract imagegen.CoreContract) string {
	sb := &strings.Builder{}
	sb.WriteString("You are a product photo inspector. Describe only what is visible in this ghost-mannequin render. ")
	sb.WriteString("List the garment's visible colors as hex from most to least dominant, count buttons and readable labels, say whether any person or mannequin is visible, ")
	sb.WriteString("and list openings that appear hollow. ")
	if len(contract.Parts.HollowRegions) > 0 {
		fmt.Fprintf(sb, "Use these names for openings: %s. ", strings.Join(contract.Parts.HollowRegions, ", "))
	}
	if !contract.Proportions.IsZero() {
		sb.WriteString("Estimate proportions relative to the garment body width. ")
	}
	fmt.Fprintf(sb, "Respond strictly with JSON matching this schema: %s. Omit numbers you cannot count.", observationSchema)
	return sb.String()
}

func parseObservation(text string) (Observation, error) {
	raw := strings.TrimSpace(text)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Observation{}, fmt.Errorf("qa: no observation in response: %w", domain.ErrMalformed)
	}
	var obs Observation
	if err := json.Unmarshal([]byte(raw[start:end+1]), &obs); err != nil {
		return Observation{}, fmt.Errorf("qa: decode observation: %v: %w", err, domain.ErrMalformed)
	}
	return obs, nil
}

var _ Validator = (*GeminiValidator)(nil)
