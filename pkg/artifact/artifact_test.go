package artifact

import (
	"strings"
	"testing"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func TestFromBytesHashesAndSniffs(t *testing.T) {
	img := FromBytes(pngHeader, "", "mock", "mock-1", "a cat")
	if img.MimeType != "image/png" {
		t.Fatalf("expected image/png, got %s", img.MimeType)
	}
	if img.Hash != HashBytes(pngHeader) || len(img.Hash) != 64 {
		t.Fatalf("unexpected hash %q", img.Hash)
	}
	if img.Size != int64(len(pngHeader)) {
		t.Fatalf("unexpected size %d", img.Size)
	}
	if !img.HasData() || img.Stored() {
		t.Fatalf("expected in-memory, unstored image")
	}
}

func TestDataURL(t *testing.T) {
	img := FromBytes([]byte("abc"), "image/jpeg", "mock", "m", "p")
	if got := img.DataURL(); got != "data:image/jpeg;base64,YWJj" {
		t.Fatalf("unexpected data url %q", got)
	}
	if FromURL("https://x/y.png", "openai", "dall-e-3", "p").DataURL() != "" {
		t.Fatalf("url image should not produce a data url")
	}
}

func TestWithMetadataCopies(t *testing.T) {
	img := FromBytes([]byte("abc"), "", "mock", "m", "p")
	tagged := img.WithMetadata("variation", "1")
	if _, ok := img.Metadata["variation"]; ok {
		t.Fatalf("original metadata mutated")
	}
	if tagged.Metadata["variation"] != "1" {
		t.Fatalf("metadata not set")
	}
}

func TestExtensionFor(t *testing.T) {
	if ExtensionFor("image/jpeg") != ".jpg" || ExtensionFor("unknown") != ".png" {
		t.Fatalf("unexpected extensions")
	}
	if !strings.HasPrefix(DetectMimeType(nil), "image/") {
		t.Fatalf("expected image mime default")
	}
}
