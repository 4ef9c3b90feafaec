package transport

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// KnownVendors are the USB vendor IDs of bridges found on Main Hub boards
// and ESP32 dev kits.
var KnownVendors = map[string]string{
	"10C4": "Silicon Labs CP210x",
	"1A86": "WCH CH34x",
	"0403": "FTDI",
	"303A": "Espressif USB",
}

// DefaultPatterns match device paths of USB serial bridges. Onboard UARTs
// (/dev/ttyS*) are left out so a single board is not reported as ambiguous.
var DefaultPatterns = []string{
	"/dev/ttyUSB*",
	"/dev/ttyACM*",
	"/dev/cu.usbserial-*",
	"/dev/cu.SLAB_USB*",
	"/dev/cu.usbmodem*",
	"/dev/cu.wchusbserial*",
	"COM*",
}

// Enumerator lists the serial ports present on the host.
type Enumerator interface {
	Ports() ([]Candidate, error)
}

// SerialEnumerator lists ports through go.bug.st/serial.
type SerialEnumerator struct{}

func (SerialEnumerator) Ports() ([]Candidate, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		out := make([]Candidate, 0, len(details))
		for _, d := range details {
			out = append(out, Candidate{
				Path:         d.Name,
				USB:          d.IsUSB,
				VID:          d.VID,
				PID:          d.PID,
				Product:      d.Product,
				SerialNumber: d.SerialNumber,
			})
		}
		return out, nil
	}

	names, listErr := serial.GetPortsList()
	if listErr != nil {
		return nil, fmt.Errorf("enumerating serial ports: %w", listErr)
	}
	out := make([]Candidate, 0, len(names))
	for _, n := range names {
		out = append(out, Candidate{Path: n})
	}
	return out, nil
}

// Filter keeps ports that carry a known vendor ID or match a path pattern.
type Filter struct {
	Vendors  map[string]string
	Patterns []string
}

// DefaultFilter uses KnownVendors and DefaultPatterns.
func DefaultFilter() Filter {
	return Filter{Vendors: KnownVendors, Patterns: DefaultPatterns}
}

// Match reports whether c looks like a supported bridge.
func (f Filter) Match(c Candidate) bool {
	if c.USB && c.VID != "" {
		if _, ok := f.Vendors[strings.ToUpper(c.VID)]; ok {
			return true
		}
	}
	for _, p := range f.Patterns {
		if ok, _ := filepath.Match(p, c.Path); ok {
			return true
		}
	}
	return false
}

// Apply returns the matching ports sorted by path.
func (f Filter) Apply(ports []Candidate) []Candidate {
	var out []Candidate
	for _, c := range ports {
		if f.Match(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Vendor names the bridge chip for c, or "" when unknown.
func (f Filter) Vendor(c Candidate) string {
	return f.Vendors[strings.ToUpper(c.VID)]
}
