package artifacts

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveScreenshot_LocalWithThumbnail(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: 0, G: 128, B: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	tempDir := t.TempDir()
	store := NewLocal(tempDir, 10)

	ref, err := store.SaveScreenshot(context.Background(), "job-1", "Yellow Pages", buf.Bytes())
	if err != nil {
		t.Fatalf("save screenshot: %v", err)
	}
	want := filepath.Join(tempDir, "screenshots", "job-1", "yellow-pages.png")
	if ref != want {
		t.Fatalf("expected ref %s, got %s", want, ref)
	}
	if _, err := os.Stat(ref); err != nil {
		t.Fatalf("screenshot not written: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(tempDir, "screenshots", "job-1", "yellow-pages_thumb.png"))
	if err != nil {
		t.Fatalf("thumbnail not written: %v", err)
	}
	thumb, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if thumb.Bounds().Dx() != 10 || thumb.Bounds().Dy() != 5 {
		t.Fatalf("expected 10x5 thumbnail, got %dx%d", thumb.Bounds().Dx(), thumb.Bounds().Dy())
	}
}

func TestSaveScreenshot_RejectsGarbage(t *testing.T) {
	store := NewLocal(t.TempDir(), 10)
	if _, err := store.SaveScreenshot(context.Background(), "job-1", "bing", []byte("not an image")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Yelp":           "yelp",
		"  Google Maps ": "google-maps",
		"../../etc":      "etc",
		"":               "directory",
	}
	for in, want := range cases {
		if got := slug(in); got != want {
			t.Fatalf("slug(%q) = %q, want %q", in, got, want)
		}
	}
}
