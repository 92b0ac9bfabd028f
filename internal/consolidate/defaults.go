package consolidate

import (
	"strings"

	"ghostmannequin/internal/domain"
)

const (
	maxButtons      = 24
	genericCategory = "garment"
)

type categoryDefaults struct {
	silhouette     string
	closureType    string
	buttonCount    int
	material       string
	drapeQuality   string
	drapeStiffness float64
	proportions    domain.Proportions
	hollow         []string
}

var topHollow = []string{"neckline", "sleeves"}

var categoryTable = map[string]categoryDefaults{
	"shirt": {
		silhouette: "straight", closureType: "buttons", buttonCount: 7,
		material: "cotton", drapeQuality: "crisp", drapeStiffness: 0.6,
		proportions: domain.Proportions{ShoulderWidth: 1.0, BodyLength: 1.25, SleeveLength: 0.95, HemWidth: 0.95},
		hollow:      []string{"neckline", "sleeves", "front_opening"},
	},
	"tshirt": {
		silhouette: "straight", closureType: "none",
		material: "cotton jersey", drapeQuality: "soft", drapeStiffness: 0.3,
		proportions: domain.Proportions{ShoulderWidth: 1.0, BodyLength: 1.15, SleeveLength: 0.35, HemWidth: 0.98},
		hollow:      topHollow,
	},
	"polo": {
		silhouette: "straight", closureType: "buttons", buttonCount: 3,
		material: "cotton pique", drapeQuality: "soft", drapeStiffness: 0.4,
		proportions: domain.Proportions{ShoulderWidth: 1.0, BodyLength: 1.15, SleeveLength: 0.35, HemWidth: 0.98},
		hollow:      topHollow,
	},
	"sweater": {
		silhouette: "relaxed", closureType: "none",
		material: "knit", drapeQuality: "soft", drapeStiffness: 0.35,
		proportions: domain.Proportions{ShoulderWidth: 1.05, BodyLength: 1.1, SleeveLength: 1.0, HemWidth: 0.92},
		hollow:      topHollow,
	},
	"cardigan": {
		silhouette: "relaxed", closureType: "buttons", buttonCount: 5,
		material: "knit", drapeQuality: "soft", drapeStiffness: 0.3,
		proportions: domain.Proportions{ShoulderWidth: 1.05, BodyLength: 1.15, SleeveLength: 1.0, HemWidth: 0.95},
		hollow:      []string{"neckline", "sleeves", "front_opening"},
	},
	"sweatshirt": {
		silhouette: "relaxed", closureType: "none",
		material: "fleece", drapeQuality: "soft", drapeStiffness: 0.45,
		proportions: domain.Proportions{ShoulderWidth: 1.1, BodyLength: 1.1, SleeveLength: 1.0, HemWidth: 0.9},
		hollow:      topHollow,
	},
	"jacket": {
		silhouette: "tailored", closureType: "buttons", buttonCount: 2,
		material: "wool blend", drapeQuality: "structured", drapeStiffness: 0.75,
		proportions: domain.Proportions{ShoulderWidth: 1.08, BodyLength: 1.2, SleeveLength: 1.02, HemWidth: 1.0},
		hollow:      []string{"neckline", "sleeves", "front_opening"},
	},
	"coat": {
		silhouette: "straight", closureType: "buttons", buttonCount: 4,
		material: "wool", drapeQuality: "structured", drapeStiffness: 0.8,
		proportions: domain.Proportions{ShoulderWidth: 1.1, BodyLength: 1.7, SleeveLength: 1.05, HemWidth: 1.1},
		hollow:      []string{"neckline", "sleeves", "front_opening"},
	},
	"dress": {
		silhouette: "a-line", closureType: "zipper",
		material: "woven", drapeQuality: "fluid", drapeStiffness: 0.35,
		proportions: domain.Proportions{ShoulderWidth: 0.9, BodyLength: 2.2, SleeveLength: 0.3, HemWidth: 1.4},
		hollow:      []string{"neckline", "armholes"},
	},
	"skirt": {
		silhouette: "a-line", closureType: "zipper",
		material: "woven", drapeQuality: "fluid", drapeStiffness: 0.4,
		proportions: domain.Proportions{BodyLength: 0.9, HemWidth: 1.5},
		hollow:      []string{"waistband"},
	},
	"pants": {
		silhouette: "straight", closureType: "zipper", buttonCount: 1,
		material: "denim", drapeQuality: "structured", drapeStiffness: 0.65,
		proportions: domain.Proportions{BodyLength: 1.6, HemWidth: 0.55},
		hollow:      []string{"waistband", "leg_openings"},
	},
	"shorts": {
		silhouette: "straight", closureType: "zipper", buttonCount: 1,
		material: "cotton twill", drapeQuality: "structured", drapeStiffness: 0.55,
		proportions: domain.Proportions{BodyLength: 0.6, HemWidth: 0.7},
		hollow:      []string{"waistband", "leg_openings"},
	},
	genericCategory: {
		silhouette: "straight", closureType: "none",
		material: "woven", drapeQuality: "natural", drapeStiffness: 0.5,
		proportions: domain.Proportions{ShoulderWidth: 1.0, BodyLength: 1.2, SleeveLength: 0.8, HemWidth: 1.0},
		hollow:      topHollow,
	},
}

var categoryAliases = map[string]string{
	"t-shirt":     "tshirt",
	"tee":         "tshirt",
	"t shirt":     "tshirt",
	"top":         "tshirt",
	"tank top":    "tshirt",
	"blouse":      "shirt",
	"button-down": "shirt",
	"oxford":      "shirt",
	"polo shirt":  "polo",
	"jumper":      "sweater",
	"pullover":    "sweater",
	"knitwear":    "sweater",
	"hoodie":      "sweatshirt",
	"blazer":      "jacket",
	"bomber":      "jacket",
	"overcoat":    "coat",
	"trench coat": "coat",
	"gown":        "dress",
	"trousers":    "pants",
	"jeans":       "pants",
	"chinos":      "pants",
	"leggings":    "pants",
}

// normalizeCategory folds free-form category names onto the defaults table.
// Unrecognized categories keep their text so they still reach the prompt.
func normalizeCategory(v string) string {
	v = normalizeWord(v)
	if v == "" {
		return ""
	}
	if alias, ok := categoryAliases[v]; ok {
		return alias
	}
	if _, ok := categoryTable[v]; ok {
		return v
	}
	if strings.HasSuffix(v, "s") {
		if _, ok := categoryTable[strings.TrimSuffix(v, "s")]; ok {
			return strings.TrimSuffix(v, "s")
		}
	}
	return v
}

func defaultsFor(category string) categoryDefaults {
	if d, ok := categoryTable[category]; ok {
		return d
	}
	return categoryTable[genericCategory]
}

type buttonHeuristic struct {
	keywords []string
	count    int
}

// Ordered: the first matching keyword set wins.
var buttonHeuristics = []buttonHeuristic{
	{keywords: []string{"double-breasted", "double breasted"}, count: 6},
	{keywords: []string{"button-down", "button down", "button-up", "button up", "button front", "oxford"}, count: 7},
	{keywords: []string{"cardigan"}, count: 5},
	{keywords: []string{"polo", "henley", "placket"}, count: 3},
	{keywords: []string{"single-breasted", "single breasted", "blazer"}, count: 2},
}

// defaultButtonCount guesses the count from silhouette wording when neither
// analysis reported one.
func defaultButtonCount(silhouette, closureType string, d categoryDefaults) int {
	if closureType != "" && closureType != "buttons" && closureType != "button" {
		return 0
	}
	s := strings.ToLower(silhouette)
	for _, h := range buttonHeuristics {
		for _, kw := range h.keywords {
			if strings.Contains(s, kw) {
				return h.count
			}
		}
	}
	return d.buttonCount
}

const (
	defaultPrimaryHex     = "#808080"
	defaultPattern        = "solid"
	defaultTemperature    = "neutral"
	defaultSaturation     = "moderate"
	defaultSheen          = "matte"
	defaultTransparency   = "opaque"
	defaultTextureDepth   = "medium"
	defaultSeamVisibility = "subtle"
	defaultEdgeFinish     = "clean"
	defaultHardwareFinish = "none"
)

var defaultRendering = domain.RenderingGuidance{
	Lighting:              "soft_lighting",
	Shadow:                "soft_shadows",
	TextureEmphasis:       "medium",
	ColorFidelityPriority: "high",
	DetailSharpness:       "sharp",
}
