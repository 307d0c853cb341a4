// Package imageproxy relays illustration bytes through our own origin so
// that canvases and the video compiler can read their pixels.
package imageproxy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"
)

const DefaultMaxBytes = 10 << 20

var (
	ErrBadURL        = errors.New("imageproxy: url must be absolute http(s)")
	ErrHostForbidden = errors.New("imageproxy: host not allowed")
	ErrTooLarge      = errors.New("imageproxy: image exceeds size limit")
	ErrNotImage      = errors.New("imageproxy: upstream did not return an image")

	// ErrPrivateAddress is returned for upstreams that resolve to loopback,
	// private, link-local or otherwise non-public addresses.
	ErrPrivateAddress = errors.New("imageproxy: destination address not allowed")
)

// UpstreamError is a non-2xx reply from the image host.
type UpstreamError struct {
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("imageproxy: upstream returned %d", e.Status)
}

// Image is a fetched illustration.
type Image struct {
	Data        []byte
	ContentType string
}

// Fetcher downloads illustration references. data: URLs are decoded in place.
type Fetcher struct {
	client       *http.Client
	maxBytes     int64
	allowedHosts map[string]bool
}

// Config holds Fetcher options.
type Config struct {
	Timeout      time.Duration
	MaxBytes     int64
	AllowedHosts []string // empty allows any public host

	// AllowPrivate lets the fetcher dial non-public addresses. Only tests
	// against local servers set it.
	AllowPrivate bool
}

func NewFetcher(cfg Config) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	var allowed map[string]bool
	if len(cfg.AllowedHosts) > 0 {
		allowed = make(map[string]bool, len(cfg.AllowedHosts))
		for _, h := range cfg.AllowedHosts {
			allowed[strings.ToLower(strings.TrimSpace(h))] = true
		}
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	if !cfg.AllowPrivate {
		dialer.Control = refusePrivate
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext

	f := &Fetcher{
		maxBytes:     maxBytes,
		allowedHosts: allowed,
	}
	f.client = &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("imageproxy: too many redirects")
			}
			return f.checkHost(req.URL)
		},
	}
	return f
}

// refusePrivate runs on every dial, after DNS resolution, so redirects and
// rebinding cannot reach internal addresses either.
func refusePrivate(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%s: %w", address, ErrPrivateAddress)
	}
	if !publicAddr(ap.Addr()) {
		return fmt.Errorf("%s: %w", ap.Addr(), ErrPrivateAddress)
	}
	return nil
}

var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

func publicAddr(a netip.Addr) bool {
	a = a.Unmap()
	switch {
	case !a.IsValid(),
		a.IsUnspecified(),
		a.IsLoopback(),
		a.IsPrivate(),
		a.IsLinkLocalUnicast(),
		a.IsLinkLocalMulticast(),
		a.IsInterfaceLocalMulticast(),
		a.IsMulticast(),
		sharedAddressSpace.Contains(a):
		return false
	}
	return true
}

func (f *Fetcher) checkHost(u *url.URL) error {
	if f.allowedHosts != nil && !f.allowedHosts[strings.ToLower(u.Hostname())] {
		return fmt.Errorf("%s: %w", u.Hostname(), ErrHostForbidden)
	}
	return nil
}

// imageType returns the media type of ct, or ErrNotImage.
func imageType(ct string) (string, error) {
	mt, _, err := mime.ParseMediaType(ct)
	// SVG can carry script, which would then run on our origin.
	if err != nil || !strings.HasPrefix(mt, "image/") || mt == "image/svg+xml" {
		return "", fmt.Errorf("%q: %w", ct, ErrNotImage)
	}
	return mt, nil
}

// Fetch downloads ref, enforcing the scheme, host allowlist and size cap.
func (f *Fetcher) Fetch(ctx context.Context, ref string) (Image, error) {
	if strings.HasPrefix(ref, "data:") {
		return decodeDataURL(ref)
	}

	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Image{}, ErrBadURL
	}
	if err := f.checkHost(u); err != nil {
		return Image{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Image{}, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Image{}, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Image{}, &UpstreamError{Status: resp.StatusCode}
	}
	if resp.ContentLength > f.maxBytes {
		return Image{}, ErrTooLarge
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return Image{}, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return Image{}, ErrTooLarge
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	mt, err := imageType(ct)
	if err != nil {
		return Image{}, err
	}
	return Image{Data: data, ContentType: mt}, nil
}

func decodeDataURL(ref string) (Image, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return Image{}, ErrBadURL
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, fmt.Errorf("decode data url: %w", err)
	}
	ct := strings.TrimSuffix(meta, ";base64")
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	mt, err := imageType(ct)
	if err != nil {
		return Image{}, err
	}
	return Image{Data: data, ContentType: mt}, nil
}

// Handler serves GET ?url=<ref> with a permissive CORS header.
type Handler struct {
	fetcher *Fetcher
	logger  *log.Logger
}

func NewHandler(fetcher *Fetcher, logger *log.Logger) *Handler {
	return &Handler{fetcher: fetcher, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("url")
	if ref == "" {
		http.Error(w, "missing url", http.StatusBadRequest)
		return
	}

	img, err := h.fetcher.Fetch(r.Context(), ref)
	if err != nil {
		var upstream *UpstreamError
		switch {
		case errors.Is(err, ErrBadURL):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, ErrHostForbidden), errors.Is(err, ErrPrivateAddress):
			http.Error(w, err.Error(), http.StatusForbidden)
		case errors.Is(err, ErrNotImage):
			http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		case errors.Is(err, ErrTooLarge):
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		case errors.As(err, &upstream):
			http.Error(w, err.Error(), http.StatusBadGateway)
		default:
			h.logger.Printf("imageproxy: fetch %s: %v", ref, err)
			http.Error(w, "failed to fetch image", http.StatusBadGateway)
		}
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write(img.Data)
}
