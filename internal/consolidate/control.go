package consolidate

import (
	"fmt"
	"reflect"
	"strings"

	"ghostmannequin/internal/domain"
)

// ControlBlock is the rendering-critical projection of ConsolidatedFacts.
// It never carries a value that the facts do not.
type ControlBlock struct {
	Category       string             `json:"category"`
	Silhouette     string             `json:"silhouette"`
	Pattern        string             `json:"pattern"`
	PrimaryHex     string             `json:"primary_hex"`
	AccentHex      string             `json:"accent_hex,omitempty"`
	TrimHex        string             `json:"trim_hex,omitempty"`
	PatternHexes   []string           `json:"pattern_hexes,omitempty"`
	Material       string             `json:"material"`
	DrapeStiffness float64            `json:"drape_stiffness"`
	Sheen          string             `json:"sheen"`
	Transparency   string             `json:"transparency"`
	ClosureType    string             `json:"closure_type"`
	ButtonCount    int                `json:"button_count"`
	EdgeFinish     string             `json:"edge_finish"`
	LabelTexts     []string           `json:"label_texts,omitempty"`
	HollowRegions  []string           `json:"hollow_regions,omitempty"`
	Proportions    domain.Proportions `json:"proportions"`
	Lighting       string             `json:"lighting"`
	Shadow         string             `json:"shadow"`
}

// ControlFromFacts projects facts onto a ControlBlock.
func ControlFromFacts(f ConsolidatedFacts) ControlBlock {
	cb := ControlBlock{
		Category:       f.Category,
		Silhouette:     f.Silhouette,
		Pattern:        f.Pattern,
		PrimaryHex:     f.Colors.PrimaryHex,
		AccentHex:      f.Colors.AccentHex,
		TrimHex:        f.Colors.TrimHex,
		Material:       f.Fabric.Material,
		DrapeStiffness: f.Fabric.DrapeStiffness,
		Sheen:          f.Fabric.Sheen,
		Transparency:   f.Fabric.Transparency,
		ClosureType:    f.Construction.ClosureType,
		ButtonCount:    f.Construction.ButtonCount,
		EdgeFinish:     f.Construction.EdgeFinish,
		Proportions:    f.Proportions.Proportions,
		Lighting:       f.Rendering.Lighting,
		Shadow:         f.Rendering.Shadow,
	}
	if len(f.Colors.PatternHexes) > 0 {
		cb.PatternHexes = append([]string(nil), f.Colors.PatternHexes...)
	}
	for _, l := range f.Labels.Items {
		if l.Text != "" {
			cb.LabelTexts = append(cb.LabelTexts, l.Text)
		}
	}
	for _, h := range f.HollowRegions {
		if h.KeepHollow {
			cb.HollowRegions = append(cb.HollowRegions, h.RegionType)
		}
	}
	return cb
}

// ConsistentWith reports every field on which cb disagrees with facts.
func (cb ControlBlock) ConsistentWith(facts ConsolidatedFacts) error {
	want := ControlFromFacts(facts)
	got := reflect.ValueOf(cb)
	exp := reflect.ValueOf(want)
	var mismatched []string
	for i := 0; i < got.NumField(); i++ {
		if !reflect.DeepEqual(got.Field(i).Interface(), exp.Field(i).Interface()) {
			mismatched = append(mismatched, got.Type().Field(i).Name)
		}
	}
	if len(mismatched) > 0 {
		return fmt.Errorf("consolidate: control block disagrees with facts on %s", strings.Join(mismatched, ", "))
	}
	return nil
}
