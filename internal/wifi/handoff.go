package wifi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BadgerOps/hubflash/internal/fault"
	"github.com/BadgerOps/hubflash/internal/retry"
	"github.com/BadgerOps/hubflash/internal/safety"
)

// Step names used in diagnostics and run events.
const (
	StepCapture   = "wifi_capture"
	StepJoin      = "wifi_join"
	StepReachable = "wifi_reachability"
	StepProvision = "wifi_provision"
)

// Defaults for the handoff.
const (
	DefaultReachAttempts  = 20
	DefaultReachInterval  = time.Second
	DefaultProvisionPath  = "/provision"
	DefaultUsername       = "admin"
	DefaultRequestTimeout = 10 * time.Second
	DefaultProbePort      = "80"
)

// Prober checks that the device answers on the network.
type Prober interface {
	Reachable(ctx context.Context, host string) error
}

// TCPProber dials the device's HTTP port.
type TCPProber struct {
	Port    string
	Timeout time.Duration
}

func (p TCPProber) Reachable(ctx context.Context, host string) error {
	port := p.Port
	if port == "" {
		port = DefaultProbePort
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Target is what the handoff needs from the release manifest and the run.
type Target struct {
	SSID       string
	APPassword string
	Host       string
	Serial     string
	Password   string
}

// Options configures a Handoff. Zero values take defaults.
type Options struct {
	Policy         retry.Policy
	ProvisionPath  string
	Username       string
	RequestTimeout time.Duration
	// Scheme is "http" unless a test server says otherwise.
	Scheme string
}

// Handoff runs the join, provision, restore sequence.
type Handoff struct {
	net    NetworkManager
	prober Prober
	client *http.Client
	opts   Options
	logger *slog.Logger
}

// NewHandoff creates a Handoff.
func NewHandoff(nm NetworkManager, prober Prober, opts Options, logger *slog.Logger) *Handoff {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Policy.Attempts <= 0 {
		opts.Policy.Attempts = DefaultReachAttempts
	}
	if opts.Policy.Interval <= 0 {
		opts.Policy.Interval = DefaultReachInterval
	}
	if opts.ProvisionPath == "" {
		opts.ProvisionPath = DefaultProvisionPath
	}
	if opts.Username == "" {
		opts.Username = DefaultUsername
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Scheme == "" {
		opts.Scheme = "http"
	}
	return &Handoff{
		net:    nm,
		prober: prober,
		client: safety.NewDeviceHTTPClient(opts.RequestTimeout),
		opts:   opts,
		logger: logger,
	}
}

// Run performs the handoff. Every failure is returned as a non-fatal
// provisioning fault; the prior association is restored on all paths and
// restore problems are only logged.
func (h *Handoff) Run(ctx context.Context, t Target) (err error) {
	if t.SSID == "" || t.Host == "" {
		return fault.Provisioning(StepJoin, "set factory_ssid and target_ip in the release manifest",
			errors.New("manifest has no factory network details"))
	}

	prev, err := h.net.Current(ctx)
	if err != nil {
		return fault.Provisioning(StepCapture, "check that the station's network manager is usable", err)
	}
	h.logger.Info("captured wifi association", "interface", prev.Interface, "ssid", prev.SSID)

	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if rerr := h.net.Restore(rctx, prev, t.SSID); rerr != nil {
			h.logger.Error("restoring wifi association failed", "ssid", prev.SSID, "error", rerr)
			return
		}
		h.logger.Info("restored wifi association", "ssid", prev.SSID)
	}()

	h.logger.Info("joining factory network", "ssid", t.SSID)
	if err := h.net.Join(ctx, t.SSID, t.APPassword); err != nil {
		return fault.Provisioning(StepJoin, "power-cycle the board and confirm its access point is up", err)
	}

	err = h.opts.Policy.Do(ctx, func(attempt int) error {
		if err := h.prober.Reachable(ctx, t.Host); err != nil {
			h.logger.Debug("device not reachable yet", "host", t.Host, "attempt", attempt, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return fault.Provisioning(StepReachable, "the board did not answer on its access point; provision it manually",
			fmt.Errorf("%s unreachable: %w", t.Host, err))
	}

	if err := h.provision(ctx, t); err != nil {
		return fault.Provisioning(StepProvision, "check the device web credentials", err)
	}
	h.logger.Info("device provisioned over wifi", "host", t.Host, "serial", t.Serial)
	return nil
}

func (h *Handoff) provision(ctx context.Context, t Target) error {
	u, err := safety.DeviceURL(t.Host, h.opts.ProvisionPath)
	if err != nil {
		return err
	}
	u.Scheme = h.opts.Scheme

	form := url.Values{}
	form.Set("serial", t.Serial)
	form.Set("password", t.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(h.opts.Username, t.APPassword)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", u.Redacted(), err)
	}
	defer resp.Body.Close()

	body, _ := safety.ReadAllWithLimit(resp.Body, 4096)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s returned %s: %s", u.Redacted(), resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}
