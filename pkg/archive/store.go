package archive

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/zen-systems/pixelgate/pkg/artifact"
)

// AssetPrefix is the URL path under which archived objects are served.
const AssetPrefix = "/assets/"

// ErrNotFound is returned when a key is not in the archive.
var ErrNotFound = errors.New("object not found")

// Object describes a stored blob.
type Object struct {
	Key      string `json:"key"`
	URL      string `json:"url"`
	SHA256   string `json:"sha256"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// Store manages the content-addressed image archive.
type Store struct {
	BasePath      string
	PublicBaseURL string

	client      *http.Client
	maxDownload int64
	sourceHosts map[string]bool
}

// Option customizes a Store.
type Option func(*Store)

// WithHTTPClient sets the client used to download remote images.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.client = c }
}

// WithMaxDownload caps the size of downloaded images.
func WithMaxDownload(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxDownload = n
		}
	}
}

// WithSourceHosts allows Load to download source images from these hosts.
// Without it remote source references are rejected.
func WithSourceHosts(hosts ...string) Option {
	return func(s *Store) {
		for _, h := range hosts {
			if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
				s.sourceHosts[h] = true
			}
		}
	}
}

// NewStore creates a new archive store.
func NewStore(basePath, publicBaseURL string, opts ...Option) (*Store, error) {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		basePath = filepath.Join(home, ".pixelgate", "archive")
	}

	if err := os.MkdirAll(filepath.Join(basePath, "objects"), 0755); err != nil {
		return nil, err
	}

	s := &Store{
		BasePath:      basePath,
		PublicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		client:        &http.Client{Timeout: 60 * time.Second},
		maxDownload:   32 << 20,
		sourceHosts:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Put stores raw bytes by their SHA256 content hash in a sharded directory
// structure. The write is atomic; storing the same bytes twice is a no-op.
func (s *Store) Put(data []byte, mimeType string) (Object, error) {
	if len(data) == 0 {
		return Object{}, fmt.Errorf("archive: refusing to store empty object")
	}
	if mimeType == "" {
		mimeType = artifact.DetectMimeType(data)
	}

	hash := artifact.HashBytes(data)
	// Shard by first 2 chars
	shard := hash[:2]
	key := shard + "/" + hash + artifact.ExtensionFor(mimeType)
	dir := filepath.Join(s.BasePath, "objects", shard)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Object{}, err
	}

	path := s.pathFor(key)
	if _, err := os.Stat(path); err != nil {
		if err := writeAtomic(dir, path, data); err != nil {
			return Object{}, err
		}
	}

	return Object{
		Key:      key,
		URL:      s.URLFor(key),
		SHA256:   hash,
		Size:     int64(len(data)),
		MimeType: mimeType,
	}, nil
}

// Get reads an object by key.
func (s *Store) Get(key string) ([]byte, error) {
	if !validKey(key) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	data, err := os.ReadFile(s.pathFor(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

// URLFor returns the canonical URL of a key.
func (s *Store) URLFor(key string) string {
	return s.PublicBaseURL + AssetPrefix + key
}

// KeyFromURL returns the archive key when ref is one of this store's URLs.
func (s *Store) KeyFromURL(ref string) (string, bool) {
	prefix := s.PublicBaseURL + AssetPrefix
	if !strings.HasPrefix(ref, prefix) {
		return "", false
	}
	key := strings.TrimPrefix(ref, prefix)
	return key, validKey(key)
}

// StoreImage writes img to the archive, downloading it first if it only has a
// remote URL. On return img.Ref and img.URL hold the canonical reference.
func (s *Store) StoreImage(ctx context.Context, img *artifact.Image) error {
	if img == nil {
		return fmt.Errorf("archive: nil image")
	}
	if img.Stored() {
		return nil
	}
	if !img.HasData() {
		if img.URL == "" {
			return fmt.Errorf("archive: image has neither data nor url")
		}
		data, mimeType, err := s.Fetch(ctx, img.URL)
		if err != nil {
			return err
		}
		img.Data = data
		img.MimeType = mimeType
		img.Hash = artifact.HashBytes(data)
		img.Size = int64(len(data))
	}

	obj, err := s.Put(img.Data, img.MimeType)
	if err != nil {
		return fmt.Errorf("archive: store image: %w", err)
	}
	img.Ref = obj.Key
	img.URL = obj.URL
	img.Hash = obj.SHA256
	img.Size = obj.Size
	img.MimeType = obj.MimeType
	return nil
}

// Fetch downloads a remote image, rejecting bodies larger than the limit.
func (s *Store) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("archive: build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("archive: download %s: %w", redact(url), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("archive: download %s: status %d", redact(url), resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxDownload+1))
	if err != nil {
		return nil, "", fmt.Errorf("archive: read %s: %w", redact(url), err)
	}
	if int64(len(data)) > s.maxDownload {
		return nil, "", fmt.Errorf("archive: download %s exceeds %d bytes", redact(url), s.maxDownload)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("archive: download %s returned no data", redact(url))
	}

	mimeType := resp.Header.Get("Content-Type")
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = artifact.DetectMimeType(data)
	}
	return data, mimeType, nil
}

// Load resolves a source-image reference into bytes. ref may be one of this
// store's URLs, a bare archive key, a data: URL, or an http(s) URL on an
// allowed source host.
func (s *Store) Load(ctx context.Context, ref string) (*artifact.Image, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return nil, fmt.Errorf("archive: empty image reference")
	case strings.HasPrefix(ref, "data:"):
		data, mimeType, err := decodeDataURL(ref)
		if err != nil {
			return nil, err
		}
		return artifact.FromBytes(data, mimeType, "", "", ""), nil
	}

	if key, ok := s.KeyFromURL(ref); ok {
		return s.loadKey(key, ref)
	}
	if validKey(ref) {
		return s.loadKey(ref, s.URLFor(ref))
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		u, err := url.Parse(ref)
		if err != nil {
			return nil, fmt.Errorf("archive: invalid image reference")
		}
		if !s.sourceHosts[strings.ToLower(u.Hostname())] {
			return nil, fmt.Errorf("archive: source host %q is not allowed", u.Hostname())
		}
		data, mimeType, err := s.Fetch(ctx, ref)
		if err != nil {
			return nil, err
		}
		img := artifact.FromBytes(data, mimeType, "", "", "")
		img.URL = ref
		return img, nil
	}
	return nil, fmt.Errorf("archive: unsupported image reference")
}

// Handler serves archived objects under AssetPrefix. Only exact object keys
// resolve; shard directories and anything else are 404.
func (s *Store) Handler() http.Handler {
	return http.StripPrefix(AssetPrefix, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if !validKey(key) {
			http.NotFound(w, r)
			return
		}
		f, err := os.Open(s.pathFor(key))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil || !info.Mode().IsRegular() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		http.ServeContent(w, r, path.Base(key), info.ModTime(), f)
	}))
}

func (s *Store) loadKey(key, url string) (*artifact.Image, error) {
	data, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	img := artifact.FromBytes(data, "", "", "", "")
	img.Ref = key
	img.URL = url
	return img, nil
}

func (s *Store) pathFor(key string) string {
	return filepath.Join(s.BasePath, "objects", filepath.FromSlash(key))
}

func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// validKey accepts only "<2 hex>/<64 hex><ext>".
func validKey(key string) bool {
	shard, name, ok := strings.Cut(key, "/")
	if !ok || len(shard) != 2 || strings.Contains(name, "/") {
		return false
	}
	hash, ext, _ := strings.Cut(name, ".")
	if len(hash) != 64 || !strings.HasPrefix(hash, shard) || ext == "" {
		return false
	}
	for _, c := range hash {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func decodeDataURL(ref string) ([]byte, string, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, "", fmt.Errorf("archive: malformed data url")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("archive: decode data url: %w", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("archive: empty data url")
	}
	return data, strings.TrimSuffix(meta, ";base64"), nil
}

// redact strips query strings, which carry signatures on provider URLs.
func redact(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}
