package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xfeldman/deskvm/internal/logging"
)

// Download retry policy.
const (
	DefaultMaxRetries    = 10
	DefaultRetryInterval = 5 * time.Second
)

// mirrorHost is the dataset mirror selected through HF_ENDPOINT.
const mirrorHost = "hf-mirror.com"

// archives maps OS type to the archive path under the dataset base URL.
var archives = map[string]string{
	"Ubuntu":  "ubuntu_osworld/resolve/main/Ubuntu.qcow2.zip",
	"Windows": "windows_osworld/resolve/main/Windows-10-x64.qcow2.zip",
}

// Provisioner makes VM disk images available on the host.
// Layout: {dir}/{name}.qcow2.zip while downloading, {dir}/{name}.qcow2 once extracted.
type Provisioner struct {
	mu      sync.Mutex
	dir     string
	baseURL string

	httpClient    *http.Client
	maxRetries    int
	retryInterval time.Duration
	getenv        func(string) string
	logger        *slog.Logger
}

// ProvisionerOption configures a Provisioner.
type ProvisionerOption func(*Provisioner)

// WithHTTPClient sets the download client.
func WithHTTPClient(c *http.Client) ProvisionerOption {
	return func(p *Provisioner) { p.httpClient = c }
}

// WithRetry sets how often and how patiently interrupted downloads resume.
func WithRetry(retries int, interval time.Duration) ProvisionerOption {
	return func(p *Provisioner) {
		p.maxRetries = retries
		p.retryInterval = interval
	}
}

// WithLogger sets the provisioner logger.
func WithLogger(l *slog.Logger) ProvisionerOption {
	return func(p *Provisioner) { p.logger = l }
}

// WithGetenv replaces os.Getenv for HF_ENDPOINT lookups.
func WithGetenv(f func(string) string) ProvisionerOption {
	return func(p *Provisioner) { p.getenv = f }
}

// NewProvisioner stores images under dir and fetches them from baseURL.
func NewProvisioner(dir, baseURL string, opts ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		dir:           dir,
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    &http.Client{},
		maxRetries:    DefaultMaxRetries,
		retryInterval: DefaultRetryInterval,
		getenv:        os.Getenv,
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = logging.Ensure(p.logger).With("component", "image")
	return p
}

// ArchiveURL returns the download URL for osType, honouring HF_ENDPOINT.
func (p *Provisioner) ArchiveURL(osType string) (string, error) {
	rel, ok := archives[osType]
	if !ok {
		return "", fmt.Errorf("unsupported os type %q", osType)
	}
	raw := p.baseURL + "/" + rel
	if ep := p.getenv("HF_ENDPOINT"); strings.Contains(ep, mirrorHost) {
		u, err := url.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("parse image url: %w", err)
		}
		u.Host = mirrorHost
		raw = u.String()
	}
	return raw, nil
}

// EnsureImage returns the path of the extracted VM disk image for osType,
// downloading and extracting it first if needed. It is idempotent.
func (p *Provisioner) EnsureImage(ctx context.Context, osType string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	src, err := p.ArchiveURL(osType)
	if err != nil {
		return "", err
	}
	archiveName := path.Base(src)
	imageName := strings.TrimSuffix(archiveName, ".zip")
	imagePath := filepath.Join(p.dir, imageName)
	archivePath := filepath.Join(p.dir, archiveName)
	log := p.logger.With("os", osType, "image", imagePath)

	if _, err := os.Stat(imagePath); err == nil {
		log.Debug("disk image present")
		return imagePath, nil
	}
	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}

	if _, err := os.Stat(archivePath); err == nil {
		if err := p.extract(archivePath, imagePath); err == nil {
			return imagePath, nil
		}
		log.Warn("archive corrupt, downloading again", "archive", archivePath, "error", err)
		if err := os.Remove(archivePath); err != nil {
			return "", fmt.Errorf("remove corrupt archive: %w", err)
		}
	}

	log.Info("downloading disk image", "url", src)
	if err := p.download(ctx, src, archivePath); err != nil {
		return "", err
	}
	if err := p.extract(archivePath, imagePath); err != nil {
		os.Remove(archivePath)
		return "", fmt.Errorf("extract %s: %w", archiveName, err)
	}
	return imagePath, nil
}

// extract verifies the archive, unpacks it next to itself and removes it.
func (p *Provisioner) extract(archivePath, imagePath string) error {
	if !strings.HasSuffix(archivePath, ".zip") {
		return nil
	}
	if err := Verify(archivePath); err != nil {
		return err
	}
	if err := Unzip(archivePath, p.dir); err != nil {
		return err
	}
	if _, err := os.Stat(imagePath); err != nil {
		return fmt.Errorf("archive does not contain %s", filepath.Base(imagePath))
	}
	p.logger.Info("disk image extracted", "image", imagePath)
	if err := os.Remove(archivePath); err != nil {
		p.logger.Warn("remove archive", "archive", archivePath, "error", err)
	}
	return nil
}

// download fetches src into dst, resuming from whatever dst already holds.
func (p *Provisioner) download(ctx context.Context, src, dst string) error {
	for attempt := 0; ; attempt++ {
		err := p.fetch(ctx, src, dst)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var perm *permanentError
		if errors.As(err, &perm) || attempt >= p.maxRetries {
			return fmt.Errorf("download %s: %w", src, err)
		}
		p.logger.Warn("download interrupted, resuming", "attempt", attempt+1, "max", p.maxRetries, "error", err)

		t := time.NewTimer(p.retryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// permanentError stops the retry loop.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }

func (p *Provisioner) fetch(ctx context.Context, src, dst string) error {
	var offset int64
	if fi, err := os.Stat(dst); err == nil {
		offset = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return &permanentError{err}
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// Nothing left past offset.
		return nil
	case resp.StatusCode == http.StatusPartialContent:
		flags |= os.O_APPEND
	case resp.StatusCode == http.StatusOK:
		// Server ignored the range; start over.
		flags |= os.O_TRUNC
		offset = 0
	case resp.StatusCode >= 500:
		return fmt.Errorf("server error %d", resp.StatusCode)
	default:
		return &permanentError{fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	f, err := os.OpenFile(dst, flags, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", dst, err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("after %d bytes: %w", offset+n, err)
	}
	p.logger.Info("download complete", "bytes", offset+n)
	return nil
}
