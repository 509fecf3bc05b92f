package artifact

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Image is a generated or source image in flight between the provider and
// the archive. Exactly one of Data or URL is normally set; once the image has
// been written to durable storage Ref holds the archive reference.
type Image struct {
	ID        string            `json:"id"`
	Data      []byte            `json:"-"`
	URL       string            `json:"url,omitempty"`
	MimeType  string            `json:"mime_type,omitempty"`
	Adapter   string            `json:"adapter"`
	Model     string            `json:"model"`
	Prompt    string            `json:"prompt"`
	Ref       string            `json:"ref,omitempty"`
	Size      int64             `json:"size,omitempty"`
	Hash      string            `json:"hash,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// FromBytes creates an image from an inline payload. An empty mimeType is
// sniffed from the data.
func FromBytes(data []byte, mimeType, adapter, model, prompt string) *Image {
	if mimeType == "" {
		mimeType = DetectMimeType(data)
	}
	img := &Image{
		ID:        uuid.NewString(),
		Data:      data,
		MimeType:  mimeType,
		Adapter:   adapter,
		Model:     model,
		Prompt:    prompt,
		Size:      int64(len(data)),
		Metadata:  make(map[string]string),
		CreatedAt: time.Now().UTC(),
	}
	img.Hash = HashBytes(data)
	return img
}

// FromURL creates an image that still lives at a provider-hosted URL.
func FromURL(url, adapter, model, prompt string) *Image {
	return &Image{
		ID:        uuid.NewString(),
		URL:       url,
		Adapter:   adapter,
		Model:     model,
		Prompt:    prompt,
		Metadata:  make(map[string]string),
		CreatedAt: time.Now().UTC(),
	}
}

// HasData reports whether the image bytes are held in memory.
func (i *Image) HasData() bool {
	return i != nil && len(i.Data) > 0
}

// Stored reports whether the image has been written to the archive.
func (i *Image) Stored() bool {
	return i != nil && i.Ref != ""
}

// DataURL encodes the in-memory bytes as a data: URL.
func (i *Image) DataURL() string {
	if !i.HasData() {
		return ""
	}
	return "data:" + i.MimeType + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// WithMetadata returns a copy of the image with an additional metadata entry.
func (i *Image) WithMetadata(key, value string) *Image {
	cp := *i
	cp.Metadata = copyMetadata(i.Metadata)
	cp.Metadata[key] = value
	return &cp
}

// HashBytes returns the hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DetectMimeType sniffs an image content type, defaulting to image/png.
func DetectMimeType(data []byte) string {
	if len(data) == 0 {
		return "image/png"
	}
	ct := http.DetectContentType(data)
	switch ct {
	case "image/png", "image/jpeg", "image/gif", "image/webp":
		return ct
	}
	return "image/png"
}

// ExtensionFor maps an image content type to a file extension.
func ExtensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

func copyMetadata(m map[string]string) map[string]string {
	newM := make(map[string]string, len(m)+1)
	for k, v := range m {
		newM[k] = v
	}
	return newM
}
