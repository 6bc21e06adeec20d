// Package blob stores evidence images and hands out expiring signed URLs.
package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = eris.New("blob: not found")
	// ErrBadSignature is returned by Verify for tampered or expired URLs.
	ErrBadSignature = eris.New("blob: invalid or expired signature")
)

// Storage persists binary evidence.
type Storage interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Sign(bucket, key string, ttl time.Duration) (string, error)
}

// LocalStorage keeps objects on disk under dir/bucket/key and signs URLs
// with HMAC-SHA256.
type LocalStorage struct {
	dir     string
	baseURL string
	key     []byte
	now     func() time.Time
}

// NewLocalStorage creates a LocalStorage. baseURL is the public prefix the
// Handler is mounted at.
func NewLocalStorage(dir, baseURL, signingKey string) (*LocalStorage, error) {
	if signingKey == "" {
		return nil, eris.New("blob: signing key is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "blob: create dir %s", dir)
	}
	return &LocalStorage{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     []byte(signingKey),
		now:     time.Now,
	}, nil
}

// objectPath maps bucket/key to a file path, rejecting traversal.
func (s *LocalStorage) objectPath(bucket, key string) (string, error) {
	clean := path.Clean("/" + bucket + "/" + key)
	if bucket == "" || key == "" || strings.Contains(bucket, "/") || !strings.HasPrefix(clean, "/"+bucket+"/") {
		return "", eris.Errorf("blob: invalid object %q/%q", bucket, key)
	}
	return filepath.Join(s.dir, filepath.FromSlash(clean)), nil
}

// Put writes data atomically via a temp file and rename.
func (s *LocalStorage) Put(_ context.Context, bucket, key string, data []byte, contentType string) error {
	p, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return eris.Wrap(err, "blob: create object dir")
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return eris.Wrap(err, "blob: create temp")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "blob: write temp")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "blob: close temp")
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return eris.Wrapf(err, "blob: rename to %s/%s", bucket, key)
	}

	zap.L().Debug("blob: stored object",
		zap.String("bucket", bucket),
		zap.String("key", key),
		zap.String("content_type", contentType),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// Get reads an object.
func (s *LocalStorage) Get(_ context.Context, bucket, key string) ([]byte, error) {
	p, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, eris.Wrapf(ErrNotFound, "blob: %s/%s", bucket, key)
	}
	return data, eris.Wrapf(err, "blob: read %s/%s", bucket, key)
}

// Sign returns baseURL/bucket/key?expires=…&sig=… valid for ttl.
func (s *LocalStorage) Sign(bucket, key string, ttl time.Duration) (string, error) {
	if _, err := s.objectPath(bucket, key); err != nil {
		return "", err
	}
	expires := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.signature(bucket, key, expires))
	return s.baseURL + "/" + bucket + "/" + key + "?" + q.Encode(), nil
}

// Verify checks a signature produced by Sign.
func (s *LocalStorage) Verify(bucket, key, expires, sig string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || s.now().Unix() > exp {
		return ErrBadSignature
	}
	want := s.signature(bucket, key, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrBadSignature
	}
	return nil
}

func (s *LocalStorage) signature(bucket, key string, expires int64) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(bucket + "/" + key + "\n" + strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Handler serves signed objects. Mount it with the base URL prefix stripped.
func (s *LocalStorage) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bucket, key, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
		if !ok {
			http.NotFound(w, r)
			return
		}
		if err := s.Verify(bucket, key, r.URL.Query().Get("expires"), r.URL.Query().Get("sig")); err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		data, err := s.Get(r.Context(), bucket, key)
		if err != nil {
			if eris.Is(err, ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		ct := mime.TypeByExtension(path.Ext(key))
		if ct == "" {
			ct = http.DetectContentType(data)
		}
		w.Header().Set("Content-Type", ct)
		_, _ = w.Write(data)
	})
}

// ExtensionFor returns a file extension for a content type.
func ExtensionFor(contentType string) string {
	switch strings.Split(contentType, ";")[0] {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}

const refScheme = "blob://"

// Ref returns the stable reference stored on a submission for an object.
func Ref(bucket, key string) string {
	return refScheme + bucket + "/" + key
}

// ParseRef splits a reference produced by Ref.
func ParseRef(ref string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(ref, refScheme)
	if !found {
		return "", "", false
	}
	bucket, key, ok = strings.Cut(rest, "/")
	return bucket, key, ok && bucket != "" && key != ""
}
