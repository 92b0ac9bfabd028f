// Package zip writes diagnostic bundles.
package zip

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"sort"
	"time"
)

// Asset is one file in a bundle.
type Asset struct {
	Filename string
	MIME     string
	Data     []byte
}

// Write archives assets to w in filename order so identical inputs produce
// identical bundles. Duplicate filenames are rejected.
func Write(w io.Writer, assets []Asset, modified time.Time) error {
	sorted := append([]Asset(nil), assets...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Filename < sorted[j].Filename })
	zw := zip.NewWriter(w)
	seen := make(map[string]struct{}, len(sorted))
	for _, asset := range sorted {
		if asset.Filename == "" {
			continue
		}
		if _, ok := seen[asset.Filename]; ok {
			return fmt.Errorf("zip: duplicate entry %q", asset.Filename)
		}
		seen[asset.Filename] = struct{}{}
		hdr := &zip.FileHeader{Name: asset.Filename, Method: zip.Deflate, Modified: modified.UTC()}
		if asset.MIME != "" {
			hdr.Comment = asset.MIME
		}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("zip: create %s: %w", asset.Filename, err)
		}
		if _, err := fw.Write(asset.Data); err != nil {
			return fmt.Errorf("zip: write %s: %w", asset.Filename, err)
		}
	}
	return zw.Close()
}

// ArchiveAssets returns the bundle bytes.
func ArchiveAssets(assets []Asset, modified time.Time) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := Write(buf, assets, modified); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
