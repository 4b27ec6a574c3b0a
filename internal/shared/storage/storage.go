package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nextconvert/composer/internal/shared/config"
)

// Zone represents a storage zone
type Zone string

const (
	// ZoneWorking holds downloaded sources and renders in progress. It is
	// pruned periodically.
	ZoneWorking Zone = "working"
	// ZoneOutput holds published renders.
	ZoneOutput Zone = "output"
)

// ErrLocatorRejected is returned for sources a client may not read.
var ErrLocatorRejected = errors.New("source locator not allowed")

// CheckClientLocator reports whether a locator supplied over the API may be
// resolved: http(s) and s3 URLs, or keys of published renders. Filesystem
// paths are rejected.
func CheckClientLocator(locator string) error {
	switch {
	case strings.HasPrefix(locator, "http://"), strings.HasPrefix(locator, "https://"), strings.HasPrefix(locator, "s3://"):
		return nil
	case strings.Contains(locator, "://"):
		return fmt.Errorf("%w: unsupported scheme in %q", ErrLocatorRejected, locator)
	case !filepath.IsLocal(locator) || !strings.HasPrefix(filepath.ToSlash(filepath.Clean(locator)), string(ZoneOutput)+"/"):
		return fmt.Errorf("%w: %q is not a published render", ErrLocatorRejected, locator)
	}
	return nil
}

// Backend stores published renders and serves source objects by key
type Backend interface {
	Put(ctx context.Context, zone Zone, filename string, reader io.Reader) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// ObjectOpener is implemented by backends that can read s3://bucket/key
// locators outside their own bucket.
type ObjectOpener interface {
	OpenObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Service resolves export sources to local files and publishes finished
// renders. Exports always read and write local files; with a remote
// backend, sources are downloaded into the working zone first and outputs
// are uploaded once finished.
type Service struct {
	backend  Backend
	basePath string
	remote   bool
	client   *http.Client
}

// NewService creates a new storage service
func NewService(ctx context.Context, cfg config.StorageConfig) (*Service, error) {
	local, err := NewLocalBackend(cfg.BasePath)
	if err != nil {
		return nil, err
	}

	var svc *Service
	switch cfg.Backend {
	case "", "local":
		svc = NewServiceWithBackend(local, cfg.BasePath, false)
	case "s3":
		backend, err := NewS3Backend(ctx, cfg)
		if err != nil {
			return nil, err
		}
		svc = NewServiceWithBackend(backend, cfg.BasePath, true)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if !cfg.AllowPrivateSources {
		svc.client = publicOnlyClient(svc.client.Timeout)
	}
	return svc, nil
}

// publicOnlyClient refuses to connect to loopback, private and link-local
// addresses. The check runs on the resolved address of every dial, so
// redirects and DNS names are covered too.
func publicOnlyClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: 30 * time.Second, Control: denyPrivateAddress}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	return &http.Client{Timeout: timeout, Transport: transport}
}

func denyPrivateAddress(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return fmt.Errorf("%w: address %s", ErrLocatorRejected, host)
	}
	return nil
}

// NewServiceWithBackend wraps an existing backend. Local files live under
// basePath.
func NewServiceWithBackend(backend Backend, basePath string, remote bool) *Service {
	return &Service{
		backend:  backend,
		basePath: basePath,
		remote:   remote,
		client:   &http.Client{Timeout: 15 * time.Minute},
	}
}

// Remote reports whether published renders live outside the local filesystem.
func (s *Service) Remote() bool {
	return s.remote
}

// GetPath returns the local path for a file in a zone
func (s *Service) GetPath(zone Zone, filename string) string {
	return filepath.Join(s.basePath, string(zone), filename)
}

// OutputPath is where an export with the given name is rendered locally.
// Remote backends render into the working zone and upload on Publish.
func (s *Service) OutputPath(name string) string {
	if s.remote {
		return s.GetPath(ZoneWorking, name)
	}
	return s.GetPath(ZoneOutput, name)
}

// Publish makes a finished local render available and returns where it
// can be read. Local renders already in the output zone stay in place;
// anything else is moved into the backend's output zone.
func (s *Service) Publish(ctx context.Context, localPath string) (string, error) {
	if !s.remote && filepath.Dir(filepath.Clean(localPath)) == filepath.Clean(s.GetPath(ZoneOutput, "")) {
		return localPath, nil
	}

	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open output: %w", err)
	}
	defer file.Close()

	key, err := s.backend.Put(ctx, ZoneOutput, filepath.Base(localPath), file)
	if err != nil {
		return "", fmt.Errorf("failed to publish output: %w", err)
	}
	_ = os.Remove(localPath)
	return key, nil
}

// PrepareInputForProcessing returns a local path for locator, which may be
// an absolute local path, an http(s) URL, an s3://bucket/key URL or a
// backend key such as a previously published render. cleanup removes any downloaded
// copy and is always safe to call.
func (s *Service) PrepareInputForProcessing(ctx context.Context, locator string) (string, func(), error) {
	noop := func() {}

	switch {
	case strings.HasPrefix(locator, "http://"), strings.HasPrefix(locator, "https://"):
		return s.download(ctx, locator, func(ctx context.Context) (io.ReadCloser, error) {
			return s.fetch(ctx, locator)
		})
	case strings.HasPrefix(locator, "s3://"):
		opener, ok := s.backend.(ObjectOpener)
		if !ok {
			return "", noop, fmt.Errorf("s3 locator %s without an s3 backend", locator)
		}
		bucket, key, found := strings.Cut(strings.TrimPrefix(locator, "s3://"), "/")
		if !found || bucket == "" || key == "" {
			return "", noop, fmt.Errorf("malformed s3 locator %s", locator)
		}
		return s.download(ctx, locator, func(ctx context.Context) (io.ReadCloser, error) {
			return opener.OpenObject(ctx, bucket, key)
		})
	}

	if filepath.IsAbs(locator) {
		info, err := os.Stat(locator)
		if err != nil {
			return "", noop, fmt.Errorf("input %s not readable: %w", locator, err)
		}
		if info.IsDir() {
			return "", noop, fmt.Errorf("input %s is a directory", locator)
		}
		return locator, noop, nil
	}
	return s.download(ctx, locator, func(ctx context.Context) (io.ReadCloser, error) {
		return s.backend.Open(ctx, locator)
	})
}

func (s *Service) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return resp.Body, nil
}

func (s *Service) download(ctx context.Context, locator string, open func(context.Context) (io.ReadCloser, error)) (string, func(), error) {
	noop := func() {}

	body, err := open(ctx)
	if err != nil {
		return "", noop, fmt.Errorf("input %s not readable: %w", locator, err)
	}
	defer body.Close()

	dir := s.GetPath(ZoneWorking, "")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", noop, err
	}
	ext := filepath.Ext(locator)
	if i := strings.IndexAny(ext, "?#"); i >= 0 {
		ext = ext[:i]
	}
	file, err := os.CreateTemp(dir, "input-*"+ext)
	if err != nil {
		return "", noop, fmt.Errorf("failed to create temp file: %w", err)
	}
	path := file.Name()
	cleanup := func() { _ = os.Remove(path) }

	if _, err := io.Copy(file, body); err != nil {
		file.Close()
		cleanup()
		return "", noop, fmt.Errorf("failed to download %s: %w", locator, err)
	}
	if err := file.Close(); err != nil {
		cleanup()
		return "", noop, err
	}
	return path, cleanup, nil
}

// PruneWorking removes entries in the working zone last modified before
// cutoff and returns how many were removed.
func (s *Service) PruneWorking(cutoff time.Time) (int, error) {
	dir := s.GetPath(ZoneWorking, "")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// WorkingUsage reports the file count and total size of the working zone.
func (s *Service) WorkingUsage() (files int64, bytes int64, err error) {
	err = filepath.WalkDir(s.GetPath(ZoneWorking, ""), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files++
		bytes += info.Size()
		return nil
	})
	return files, bytes, err
}

// LocalBackend implements local filesystem storage. Keys are paths
// relative to basePath.
type LocalBackend struct {
	basePath string
}

// NewLocalBackend creates a new local storage backend
func NewLocalBackend(basePath string) (*LocalBackend, error) {
	for _, zone := range []Zone{ZoneWorking, ZoneOutput} {
		path := filepath.Join(basePath, string(zone))
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}

	return &LocalBackend{basePath: basePath}, nil
}

func (b *LocalBackend) Put(ctx context.Context, zone Zone, filename string, reader io.Reader) (string, error) {
	key := filepath.Join(string(zone), filepath.Base(filename))
	path := filepath.Join(b.basePath, key)

	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	if _, err := io.Copy(file, reader); err != nil {
		os.Remove(path)
		return "", err
	}

	return path, nil
}

// Open reads a key relative to basePath. Keys escaping basePath are
// rejected.
func (b *LocalBackend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if !filepath.IsLocal(key) {
		return nil, fmt.Errorf("%s: %w", key, os.ErrNotExist)
	}
	return os.Open(filepath.Join(b.basePath, key))
}
