// Package wifi performs the optional post-flash handoff: join the board's
// factory access point, push the unit credentials, and put the station's
// own Wi-Fi back the way it was.
package wifi

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/BadgerOps/hubflash/internal/command"
)

// Association is the station's wireless state captured before the handoff.
type Association struct {
	Interface string
	SSID      string
}

// Connected reports whether the station was on a network.
func (a Association) Connected() bool { return a.SSID != "" }

// NetworkManager controls the station's wireless interface.
type NetworkManager interface {
	Current(ctx context.Context) (Association, error)
	Join(ctx context.Context, ssid, password string) error
	Restore(ctx context.Context, prev Association, joined string) error
}

// Backend names.
const (
	BackendNmcli        = "nmcli"
	BackendNetworksetup = "networksetup"
)

// NewNetworkManager returns the backend named by name, or the platform
// default when name is empty.
func NewNetworkManager(name, iface string, runner command.Runner, logger *slog.Logger) (NetworkManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if name == "" {
		name = BackendNmcli
		if runtime.GOOS == "darwin" {
			name = BackendNetworksetup
		}
	}
	switch name {
	case BackendNmcli:
		return &Nmcli{Interface: iface, runner: runner, logger: logger}, nil
	case BackendNetworksetup:
		if iface == "" {
			iface = "en0"
		}
		return &Networksetup{Interface: iface, runner: runner, logger: logger}, nil
	}
	return nil, fmt.Errorf("unknown wifi backend %q (want %s or %s)", name, BackendNmcli, BackendNetworksetup)
}

// Nmcli drives NetworkManager on Linux.
type Nmcli struct {
	Interface string
	runner    command.Runner
	logger    *slog.Logger
}

func (n *Nmcli) Current(ctx context.Context) (Association, error) {
	out, err := n.runner.Run(ctx, "nmcli", []string{"-t", "-f", "ACTIVE,SSID,DEVICE", "device", "wifi", "list"}, nil)
	if err != nil {
		return Association{}, fmt.Errorf("reading current wifi network: %w", err)
	}
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		fields := splitTerse(sc.Text())
		if len(fields) < 2 || fields[0] != "yes" {
			continue
		}
		a := Association{Interface: n.Interface, SSID: fields[1]}
		if len(fields) > 2 && a.Interface == "" {
			a.Interface = fields[2]
		}
		return a, nil
	}
	return Association{Interface: n.Interface}, nil
}

func (n *Nmcli) Join(ctx context.Context, ssid, password string) error {
	args := []string{"device", "wifi", "connect", ssid}
	if password != "" {
		args = append(args, "password", password)
	}
	if n.Interface != "" {
		args = append(args, "ifname", n.Interface)
	}
	if _, err := n.runner.Run(command.WithSecrets(ctx, password), "nmcli", args, nil); err != nil {
		return fmt.Errorf("joining %s: %w", ssid, err)
	}
	return nil
}

func (n *Nmcli) Restore(ctx context.Context, prev Association, joined string) error {
	if prev.Connected() {
		if _, err := n.runner.Run(ctx, "nmcli", []string{"connection", "up", "id", prev.SSID}, nil); err != nil {
			return fmt.Errorf("reconnecting %s: %w", prev.SSID, err)
		}
		return nil
	}
	if joined == "" {
		return nil
	}
	if _, err := n.runner.Run(ctx, "nmcli", []string{"connection", "down", "id", joined}, nil); err != nil {
		return fmt.Errorf("leaving %s: %w", joined, err)
	}
	return nil
}

// splitTerse splits an nmcli -t line on unescaped colons.
func splitTerse(line string) []string {
	var fields []string
	var cur strings.Builder
	for i := 0; i < len(line); i++ {
		switch c := line[i]; {
		case c == '\\' && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
		case c == ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(fields, cur.String())
}

// Networksetup drives the macOS Wi-Fi interface.
type Networksetup struct {
	Interface string
	runner    command.Runner
	logger    *slog.Logger
}

const airportPrefix = "Current Wi-Fi Network:"

func (n *Networksetup) Current(ctx context.Context) (Association, error) {
	out, err := n.runner.Run(ctx, "networksetup", []string{"-getairportnetwork", n.Interface}, nil)
	if err != nil {
		return Association{}, fmt.Errorf("reading current wifi network: %w", err)
	}
	a := Association{Interface: n.Interface}
	text := strings.TrimSpace(string(out))
	if ssid, ok := strings.CutPrefix(text, airportPrefix); ok {
		a.SSID = strings.TrimSpace(ssid)
	}
	return a, nil
}

func (n *Networksetup) Join(ctx context.Context, ssid, password string) error {
	args := []string{"-setairportnetwork", n.Interface, ssid}
	if password != "" {
		args = append(args, password)
	}
	out, err := n.runner.Run(command.WithSecrets(ctx, password), "networksetup", args, nil)
	if err != nil {
		return fmt.Errorf("joining %s: %w", ssid, err)
	}
	// networksetup exits 0 on association failures and only prints why.
	if msg := strings.TrimSpace(string(out)); msg != "" {
		return fmt.Errorf("joining %s: %s", ssid, msg)
	}
	return nil
}

func (n *Networksetup) Restore(ctx context.Context, prev Association, joined string) error {
	if prev.Connected() {
		if _, err := n.runner.Run(ctx, "networksetup", []string{"-setairportnetwork", n.Interface, prev.SSID}, nil); err != nil {
			return fmt.Errorf("reconnecting %s: %w", prev.SSID, err)
		}
		return nil
	}
	if joined == "" {
		return nil
	}
	if _, err := n.runner.Run(ctx, "networksetup", []string{"-removepreferredwirelessnetwork", n.Interface, joined}, nil); err != nil {
		return fmt.Errorf("forgetting %s: %w", joined, err)
	}
	return nil
}
