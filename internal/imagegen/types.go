// Package imagegen compiles consolidated garment facts into the payloads sent
// to image generators: a small binding CoreContract, a prunable Hints
// document, and the free-text legacy prompt.
package imagegen

import "ghostmannequin/internal/domain"

// MaxContractColors bounds CoreContract.ColorsHex.
const MaxContractColors = 6

// maxPatternColors bounds how many pattern colors follow primary, accent and trim.
const maxPatternColors = 3

// RenderRules are the caller-chosen, non-negotiable rendering rules.
type RenderRules struct {
	BackgroundHex  string
	PreserveLabels bool
	OutputSize     string
}

// CoreContract is the binding subset of the garment description. Field
// order is fixed so its JSON encoding is canonical.
type CoreContract struct {
	ID          ContractID         `json:"id"`
	Category    string             `json:"category"`
	Silhouette  string             `json:"silhouette"`
	Pattern     string             `json:"pattern"`
	ColorsHex   []string           `json:"colors_hex"`
	Parts       ContractParts      `json:"parts"`
	Proportions domain.Proportions `json:"proportions"`
	Rules       ContractRules      `json:"rules"`
}

type ContractID struct {
	SessionID string `json:"session_id"`
}

// ContractParts is the part geometry a render must reproduce.
type ContractParts struct {
	Closure       string   `json:"closure"`
	ButtonCount   int      `json:"button_count"`
	EdgeFinish    string   `json:"edge_finish"`
	HollowRegions []string `json:"hollow_regions"`
	LabelCount    int      `json:"label_count"`
}

type ContractRules struct {
	Background     string `json:"background"`
	Ghost          bool   `json:"ghost"`
	PreserveLabels bool   `json:"preserve_labels"`
	OutputSize     string `json:"output_size"`
}

// Hints is the pruned, non-binding elaboration document. Nil and empty
// values never appear in it.
type Hints map[string]any

// Compiled is everything Compile produces for one rendering attempt.
type Compiled struct {
	Contract    CoreContract `json:"contract"`
	Hints       Hints        `json:"hints"`
	Digest      string       `json:"digest"`
	HintsDigest string       `json:"hints_digest"`
	Instruction string       `json:"instruction"`

	hintsJSON []byte
}
