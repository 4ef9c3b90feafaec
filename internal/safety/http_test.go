package safety

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestReadAllWithLimit(t *testing.T) {
	data, err := ReadAllWithLimit(strings.NewReader("ok"), 2)
	if err != nil || string(data) != "ok" {
		t.Fatalf("ReadAllWithLimit() = %q, %v", data, err)
	}

	if _, err := ReadAllWithLimit(strings.NewReader("too long"), 3); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("ReadAllWithLimit() error = %v, want ErrBodyTooLarge", err)
	}

	if _, err := ReadAllWithLimit(strings.NewReader(""), 0); err == nil {
		t.Fatal("expected error for zero limit")
	}
}

func TestDeviceURL(t *testing.T) {
	tests := []struct {
		host    string
		path    string
		want    string
		wantErr bool
	}{
		{host: "192.168.4.1", path: "/provision", want: "http://192.168.4.1/provision"},
		{host: " 192.168.4.1 ", path: "provision", want: "http://192.168.4.1/provision"},
		{host: "mainhub.local:8080", path: "/provision", want: "http://mainhub.local:8080/provision"},
		{host: "", path: "/provision", wantErr: true},
		{host: "http://192.168.4.1", path: "/provision", wantErr: true},
		{host: "user@192.168.4.1", path: "/provision", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			u, err := DeviceURL(tt.host, tt.path)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("DeviceURL(%q) = %v, want error", tt.host, u)
				}
				return
			}
			if err != nil {
				t.Fatalf("DeviceURL(%q) error = %v", tt.host, err)
			}
			if u.String() != tt.want {
				t.Errorf("DeviceURL(%q) = %q, want %q", tt.host, u.String(), tt.want)
			}
		})
	}
}

func TestNewDeviceHTTPClientBypassesProxy(t *testing.T) {
	c := NewDeviceHTTPClient(0)
	if c.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want default 10s", c.Timeout)
	}
	tr, ok := c.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("Transport = %T, want *http.Transport", c.Transport)
	}
	if tr.Proxy != nil {
		t.Error("device client must not use a proxy")
	}
}
