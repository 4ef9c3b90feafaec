package safety

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrBodyTooLarge indicates a response body exceeded the configured read limit.
var ErrBodyTooLarge = errors.New("response body too large")

// NewDeviceHTTPClient creates a client for talking to a unit on its SoftAP.
// Proxies are bypassed since the unit is only reachable on the local link.
func NewDeviceHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 nil,
			DialContext:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			ResponseHeaderTimeout: timeout,
			IdleConnTimeout:       10 * time.Second,
			MaxIdleConns:          2,
			DisableKeepAlives:     true,
		},
	}
}

// ReadAllWithLimit reads from r and fails if content exceeds limit bytes.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid read limit: %d", limit)
	}
	lr := io.LimitReader(r, limit+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// DeviceURL builds http://host/path for a unit address. host must be a bare
// IP address or hostname without scheme, userinfo or path.
func DeviceURL(host, path string) (*url.URL, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, fmt.Errorf("device host is required")
	}
	if strings.ContainsAny(host, "/@?#") {
		return nil, fmt.Errorf("invalid device host %q", host)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := &url.URL{Scheme: "http", Host: host, Path: path}
	if _, err := url.Parse(u.String()); err != nil {
		return nil, fmt.Errorf("invalid device URL: %w", err)
	}
	return u, nil
}
