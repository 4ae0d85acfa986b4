// Package media materializes URL-valued media fields: the content is fetched
// once, stored in a blob store under a ULID and referenced by that id.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	gocache "github.com/patrickmn/go-cache"
)

var (
	ErrTooLarge        = errors.New("media exceeds size limit")
	ErrUnsupportedType = errors.New("media type not accepted")
	ErrNotFound        = errors.New("media not found")
)

// FetchError is a non-2xx response from the media origin.
type FetchError struct {
	URL    string
	Status int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
}

// Context names the field a media value belongs to.
type Context struct {
	Entity string
	Field  string
}

// Constraints limits what a field accepts. Accept entries are MIME types or
// prefixes such as "image/".
type Constraints struct {
	MaxBytes int64
	Accept   []string
}

// Asset is a stored media object.
type Asset struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	Entity      string    `json:"entity,omitempty"`
	Field       string    `json:"field,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Options configures a Service.
type Options struct {
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
	CacheTTL  time.Duration
}

// Service fetches media URLs into a BlobStore. Repeated URLs are served
// from an in-memory cache for CacheTTL.
type Service struct {
	client *http.Client
	blobs  BlobStore
	cache  *gocache.Cache
	opts   Options

	mu      sync.Mutex
	entropy io.Reader
}

// NewService creates a Service. A nil client gets one with opts.Timeout.
func NewService(client *http.Client, blobs BlobStore, opts Options) *Service {
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	return &Service{
		client:  client,
		blobs:   blobs,
		cache:   gocache.New(opts.CacheTTL, 2*opts.CacheTTL),
		opts:    opts,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Client returns the HTTP client used for fetches.
func (s *Service) Client() *http.Client { return s.client }

func (s *Service) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// IsURL reports whether v looks like an http(s) URL.
func IsURL(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}

// UploadFromURL fetches url and stores its content.
func (s *Service) UploadFromURL(ctx context.Context, url string, mc Context, c Constraints) (Asset, error) {
	url = strings.TrimSpace(url)
	if cached, ok := s.cache.Get(url); ok {
		return cached.(Asset), nil
	}

	limit := c.MaxBytes
	if limit <= 0 {
		limit = s.opts.MaxBytes
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Asset{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	if s.opts.UserAgent != "" {
		req.Header.Set("User-Agent", s.opts.UserAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Asset{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Asset{}, &FetchError{URL: url, Status: resp.StatusCode}
	}

	contentType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}
	if !accepts(c.Accept, contentType) {
		return Asset{}, fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}
	if limit > 0 && resp.ContentLength > limit {
		return Asset{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	var body io.Reader = resp.Body
	if limit > 0 {
		body = &limitedReader{r: resp.Body, remaining: limit}
	}

	id := s.newID()
	size, sum, err := s.blobs.Put(id, body)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return Asset{}, fmt.Errorf("%w: over %d bytes", ErrTooLarge, limit)
		}
		return Asset{}, fmt.Errorf("store %s: %w", url, err)
	}

	asset := Asset{
		ID:          id,
		URL:         url,
		ContentType: contentType,
		Size:        size,
		SHA256:      sum,
		Entity:      mc.Entity,
		Field:       mc.Field,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.writeMeta(asset); err != nil {
		_ = s.blobs.Delete(id)
		return Asset{}, err
	}

	s.cache.Set(url, asset, gocache.DefaultExpiration)
	return asset, nil
}

// Open returns the content and metadata of a stored asset.
func (s *Service) Open(id string) (io.ReadCloser, Asset, error) {
	meta, err := s.blobs.Open(id + ".json")
	if err != nil {
		return nil, Asset{}, err
	}
	defer meta.Close()

	var asset Asset
	if err := json.NewDecoder(meta).Decode(&asset); err != nil {
		return nil, Asset{}, fmt.Errorf("read media %s: %w", id, err)
	}
	rc, err := s.blobs.Open(id)
	if err != nil {
		return nil, Asset{}, err
	}
	return rc, asset, nil
}

func (s *Service) writeMeta(a Asset) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if _, _, err := s.blobs.Put(a.ID+".json", strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("store media metadata: %w", err)
	}
	return nil
}

func accepts(accept []string, contentType string) bool {
	if len(accept) == 0 {
		return true
	}
	for _, a := range accept {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "*/*" || a == contentType {
			return true
		}
		if strings.HasSuffix(a, "/") && strings.HasPrefix(contentType, a) {
			return true
		}
		if strings.HasSuffix(a, "/*") && strings.HasPrefix(contentType, strings.TrimSuffix(a, "*")) {
			return true
		}
	}
	return false
}

// limitedReader fails with ErrTooLarge once more than remaining bytes are read.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, ErrTooLarge
	}
	return n, err
}
