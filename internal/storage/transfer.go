package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/emojirelay/backend/internal/logging"
)

// ErrObjectStoreUnavailable indicates the object store failed to initialize.
var ErrObjectStoreUnavailable = errors.New("object store unavailable")

const (
	defaultContentType = "image/jpeg"
	defaultExtension   = "jpg"
	keyPrefix          = "emoji/"
	suffixLength       = 9
)

var extensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
}

// MetadataSource resolves the opaque file token the store expects for a key.
type MetadataSource interface {
	AssetMetadata(ctx context.Context, path string) (string, error)
}

// Outcome labels how a transfer ended.
type Outcome string

const (
	OutcomeStored      Outcome = "stored"
	OutcomeNoMetadata  Outcome = "no_metadata"
	OutcomeFailed      Outcome = "failed"
	OutcomeUnavailable Outcome = "unavailable"
)

// Observer receives one call per finished transfer.
type Observer interface {
	TransferFinished(outcome Outcome, bytes int64)
}

// TransferConfig bounds the download and upload legs.
type TransferConfig struct {
	Cookie          string
	DownloadTimeout time.Duration
	UploadTimeout   time.Duration
}

// Transfer copies platform assets into the object store without buffering
// them whole.
type Transfer struct {
	store    ObjectStore
	metadata MetadataSource
	client   *http.Client
	cfg      TransferConfig
	observer Observer

	now    func() time.Time
	suffix func() string
}

// NewTransfer builds a Transfer. store may be nil when the object store could
// not be configured; every call then fails with ErrObjectStoreUnavailable.
func NewTransfer(store ObjectStore, metadata MetadataSource, cfg TransferConfig, client *http.Client) *Transfer {
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 30 * time.Second
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 60 * time.Second
	}
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = cfg.DownloadTimeout
		client = &http.Client{Transport: transport}
	}
	return &Transfer{
		store:    store,
		metadata: metadata,
		client:   client,
		cfg:      cfg,
		now:      time.Now,
		suffix:   randomSuffix,
	}
}

// WithObserver attaches an observer and returns t.
func (t *Transfer) WithObserver(o Observer) *Transfer {
	t.observer = o
	return t
}

// Transfer streams sourceURL into the object store and returns the stored
// reference "{bucket}/{key}". When the store yields no metadata token for
// the key, sourceURL is returned unchanged with a nil error.
func (t *Transfer) Transfer(ctx context.Context, sourceURL string) (string, error) {
	if t == nil || t.store == nil {
		t.finish(OutcomeUnavailable, 0)
		return "", ErrObjectStoreUnavailable
	}

	logger := logging.FromContext(ctx)

	// DownloadTimeout bounds the wait for response headers only. The body is
	// read under the upload deadline below.
	downloadCtx, cancelDownload := context.WithCancel(ctx)
	defer cancelDownload()

	req, err := http.NewRequestWithContext(downloadCtx, http.MethodGet, sourceURL, nil)
	if err != nil {
		t.finish(OutcomeFailed, 0)
		return "", fmt.Errorf("build download request: %w", err)
	}
	if t.cfg.Cookie != "" {
		req.Header.Set("Cookie", t.cfg.Cookie)
	}

	headerTimer := time.AfterFunc(t.cfg.DownloadTimeout, cancelDownload)
	resp, err := t.client.Do(req)
	headerStopped := headerTimer.Stop()
	if err != nil {
		t.finish(OutcomeFailed, 0)
		if !headerStopped {
			return "", fmt.Errorf("download asset: no response within %s: %w", t.cfg.DownloadTimeout, err)
		}
		return "", fmt.Errorf("download asset: %w", err)
	}
	defer resp.Body.Close()
	if !headerStopped {
		t.finish(OutcomeFailed, 0)
		return "", fmt.Errorf("download asset: no response within %s", t.cfg.DownloadTimeout)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.finish(OutcomeFailed, 0)
		return "", fmt.Errorf("download asset: unexpected status %d", resp.StatusCode)
	}

	contentType, ext := resolveType(resp.Header.Get("Content-Type"))
	key := fmt.Sprintf("%s%d-%s.%s", keyPrefix, t.now().UnixMilli(), t.suffix(), ext)
	logger.Info("streaming asset", "key", key, "contentType", contentType)

	var token string
	if t.metadata != nil {
		token, err = t.metadata.AssetMetadata(ctx, key)
	}
	if err != nil || token == "" {
		logger.Warn("no metadata token for asset, keeping source url", "key", key, "error", err)
		t.finish(OutcomeNoMetadata, 0)
		return sourceURL, nil
	}

	// One deadline covers the streamed copy: when the upload gives up, the
	// source body is cancelled with it.
	uploadCtx, cancel := context.WithTimeout(ctx, t.cfg.UploadTimeout)
	defer cancel()
	stopLink := context.AfterFunc(uploadCtx, cancelDownload)
	defer stopLink()

	body := &countingReader{r: resp.Body}
	err = t.store.Put(uploadCtx, Object{
		Key:         key,
		Body:        body,
		ContentType: contentType,
		MetaToken:   token,
	})
	if err != nil {
		t.finish(OutcomeFailed, body.n.Load())
		return "", fmt.Errorf("upload asset: %w", err)
	}

	t.finish(OutcomeStored, body.n.Load())
	ref := t.store.Bucket() + "/" + key
	logger.Info("asset stored", "ref", ref, "bytes", body.n.Load())
	return ref, nil
}

func (t *Transfer) finish(outcome Outcome, n int64) {
	if t != nil && t.observer != nil {
		t.observer.TransferFinished(outcome, n)
	}
}

// resolveType returns the media type without parameters and its key extension.
func resolveType(header string) (string, string) {
	header = strings.TrimSpace(header)
	if header == "" {
		return defaultContentType, defaultExtension
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return defaultContentType, defaultExtension
	}
	if ext, ok := extensions[mediaType]; ok {
		return mediaType, ext
	}
	return mediaType, defaultExtension
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLength]
}

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
