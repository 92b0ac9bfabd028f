package zip

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"
	"time"
)

func TestArchiveAssetsSortsEntries(t *testing.T) {
	stamp := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	raw, err := ArchiveAssets([]Asset{
		{Filename: "result.json", MIME: "application/json", Data: []byte(`{}`)},
		{Filename: "", Data: []byte("skipped")},
		{Filename: "rendered.png", MIME: "image/png", Data: []byte{0x89}},
	}, stamp)
	if err != nil {
		t.Fatalf("ArchiveAssets error: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	if len(zr.File) != 2 {
		t.Fatalf("entries = %d, want 2", len(zr.File))
	}
	if zr.File[0].Name != "rendered.png" || zr.File[1].Name != "result.json" {
		t.Fatalf("entries = %q, %q", zr.File[0].Name, zr.File[1].Name)
	}
	rc, err := zr.File[1].Open()
	if err != nil {
		t.Fatalf("open entry: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "{}" {
		t.Fatalf("body = %q, want {}", body)
	}
}

func TestArchiveAssetsRejectsDuplicates(t *testing.T) {
	_, err := ArchiveAssets([]Asset{{Filename: "a"}, {Filename: "a"}}, time.Now())
	if err == nil {
		t.Fatalf("expected duplicate entry error")
	}
}
