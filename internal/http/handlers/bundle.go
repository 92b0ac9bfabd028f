package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"ghostmannequin/internal/domain"
	"ghostmannequin/pkg/zip"
)

// GhostBundle streams a zip with the request, the result summary, one
// JSON file per completed stage and every inline image of the run.
func (a *App) GhostBundle(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadJob(w, r)
	if !ok {
		return
	}
	assets, err := bundleAssets(job)
	if err != nil {
		a.logger().Error().Err(err).Str("session_id", job.ID).Msg("handlers: build bundle failed")
		a.error(w, http.StatusInternalServerError, string(domain.CodeInternal), "failed to build bundle")
		return
	}
	archive, err := zip.ArchiveAssets(assets, job.UpdatedAt)
	if err != nil {
		a.logger().Error().Err(err).Str("session_id", job.ID).Msg("handlers: archive bundle failed")
		a.error(w, http.StatusInternalServerError, string(domain.CodeInternal), "failed to build bundle")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=ghost-%s.zip", job.ID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

func bundleAssets(job *domain.Job) ([]zip.Asset, error) {
	var assets []zip.Asset
	if len(job.RequestJSON) > 0 {
		var stored domain.StoredRequest
		if err := json.Unmarshal(job.RequestJSON, &stored); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		if img, ok := imageAsset("input/flatlay", stored.Flatlay); ok {
			assets = append(assets, img)
			stored.Flatlay = img.Filename
		}
		if img, ok := imageAsset("input/on-model", stored.OnModel); ok {
			assets = append(assets, img)
			stored.OnModel = img.Filename
		}
		raw, err := json.MarshalIndent(stored, "", "  ")
		if err != nil {
			return nil, err
		}
		assets = append(assets, zip.Asset{Filename: "request.json", MIME: "application/json", Data: raw})
	}
	if len(job.ResultJSON) > 0 {
		var summary map[string]any
		if err := json.Unmarshal(job.ResultJSON, &summary); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		for _, field := range []string{"cleanedImageUrl", "renderedImageUrl"} {
			uri, _ := summary[field].(string)
			name := "output/" + strings.TrimSuffix(field, "ImageUrl")
			if img, ok := imageAsset(name, uri); ok {
				assets = append(assets, img)
				summary[field] = img.Filename
			}
		}
		raw, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return nil, err
		}
		assets = append(assets, zip.Asset{Filename: "result.json", MIME: "application/json", Data: raw})
	}
	if len(job.StageJSON) > 0 {
		var stages map[string]json.RawMessage
		if err := json.Unmarshal(job.StageJSON, &stages); err != nil {
			return nil, fmt.Errorf("decode stages: %w", err)
		}
		for i, stage := range domain.Stages {
			raw, ok := stages[string(stage)]
			if !ok {
				continue
			}
			assets = append(assets, zip.Asset{
				Filename: fmt.Sprintf("stages/%d-%s.json", i+1, stage),
				MIME:     "application/json",
				Data:     indentJSON(raw),
			})
		}
	}
	return assets, nil
}

// imageAsset decodes a data URI into a bundle file. URLs are left in the
// JSON documents as they are.
func imageAsset(name, raw string) (zip.Asset, bool) {
	if !strings.HasPrefix(raw, "data:") {
		return zip.Asset{}, false
	}
	ref, err := domain.ParseImageRef(raw)
	if err != nil || !ref.Inline() {
		return zip.Asset{}, false
	}
	mt := mimetype.Detect(ref.Data)
	if ref.MIME != "" {
		if declared := mimetype.Lookup(ref.MIME); declared != nil {
			mt = declared
		}
	}
	return zip.Asset{Filename: name + mt.Extension(), MIME: mt.String(), Data: ref.Data}, true
}

func indentJSON(raw json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return raw
	}
	return out
}
