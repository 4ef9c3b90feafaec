package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/BadgerOps/hubflash/internal/command"
	"github.com/BadgerOps/hubflash/internal/fault"
	"github.com/BadgerOps/hubflash/internal/retry"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type staticEnum struct {
	batches [][]Candidate
	calls   int
}

func (e *staticEnum) Ports() ([]Candidate, error) {
	i := e.calls
	if i >= len(e.batches) {
		i = len(e.batches) - 1
	}
	e.calls++
	if i < 0 {
		return nil, nil
	}
	return e.batches[i], nil
}

type mapProber map[string]error

func (m mapProber) Probe(path string) error {
	if err, ok := m[path]; ok {
		return err
	}
	return ErrPortAbsent
}

// seqProber returns errs in order, then nil.
type seqProber struct {
	errs  []error
	calls int
}

func (s *seqProber) Probe(string) error {
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

type fakePrompter struct {
	interactive bool
	answer      string
	asked       int
}

func (p *fakePrompter) Interactive() bool { return p.interactive }

func (p *fakePrompter) Choose(c []Candidate) (string, error) {
	p.asked++
	return pick(c, p.answer)
}

type fakeHolders struct {
	holders []Holder
	known   bool
}

func (f fakeHolders) Holders(context.Context, string) ([]Holder, bool) { return f.holders, f.known }

type noSleep struct{ sleeps []time.Duration }

func (c *noSleep) Sleep(_ context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	return nil
}

var (
	cp2102 = Candidate{Path: "/dev/ttyUSB0", USB: true, VID: "10c4", PID: "ea60", Product: "CP2102"}
	ch340  = Candidate{Path: "/dev/ttyUSB1", USB: true, VID: "1a86", PID: "7523"}
	uart   = Candidate{Path: "/dev/ttyS0"}
	mouse  = Candidate{Path: "/dev/hidraw0", USB: true, VID: "046d"}
)

func newResolver(enum Enumerator, prober Prober, clock retry.Clock, prompter Prompter) *Resolver {
	return NewResolver(enum, prober, Options{
		Policy:   retry.Policy{Attempts: 3, Interval: time.Second, Clock: clock},
		Prompter: prompter,
		Holders:  fakeHolders{known: false},
	}, discard)
}

func TestFilter(t *testing.T) {
	f := DefaultFilter()
	tests := []struct {
		c    Candidate
		want bool
	}{
		{cp2102, true},
		{Candidate{Path: "/dev/whatever", USB: true, VID: "303A"}, true},
		{Candidate{Path: "/dev/cu.SLAB_USBtoUART"}, true},
		{Candidate{Path: "COM4"}, true},
		{uart, false},
		{mouse, false},
	}
	for _, tt := range tests {
		if got := f.Match(tt.c); got != tt.want {
			t.Errorf("Match(%s) = %v, want %v", tt.c.Path, got, tt.want)
		}
	}
}

func TestResolveZeroCandidatesIsAbsent(t *testing.T) {
	clock := &noSleep{}
	enum := &staticEnum{batches: [][]Candidate{{uart, mouse}}}
	r := newResolver(enum, mapProber{}, clock, &fakePrompter{interactive: true})

	h, err := r.Resolve(context.Background(), Auto)
	if !errors.Is(err, ErrPortAbsent) {
		t.Fatalf("Resolve() error = %v, want ErrPortAbsent", err)
	}
	if !fault.Is(err, fault.KindTransport) {
		t.Errorf("Resolve() error kind = %v, want transport", err)
	}
	if h.State != StateAbsent {
		t.Errorf("State = %s, want absent", h.State)
	}
	if enum.calls != 3 || len(clock.sleeps) != 2 {
		t.Errorf("enum calls = %d sleeps = %d, want bounded retries", enum.calls, len(clock.sleeps))
	}
}

func TestResolveSingleCandidateWithoutPrompt(t *testing.T) {
	prompter := &fakePrompter{interactive: true}
	enum := &staticEnum{batches: [][]Candidate{{cp2102, uart}}}
	r := newResolver(enum, mapProber{}, &noSleep{}, prompter)

	h, err := r.Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if h.Path != "/dev/ttyUSB0" || h.State != StateResolved {
		t.Errorf("handle = %+v", h)
	}
	if prompter.asked != 0 {
		t.Error("prompted for a single candidate")
	}
}

func TestResolveAppearsOnLaterAttempt(t *testing.T) {
	enum := &staticEnum{batches: [][]Candidate{{}, {cp2102}}}
	r := newResolver(enum, mapProber{}, &noSleep{}, nil)

	h, err := r.Resolve(context.Background(), Auto)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if h.Path != cp2102.Path {
		t.Errorf("Path = %q", h.Path)
	}
}

func TestResolveAmbiguousNonInteractive(t *testing.T) {
	clock := &noSleep{}
	enum := &staticEnum{batches: [][]Candidate{{ch340, cp2102}}}
	r := newResolver(enum, mapProber{}, clock, &fakePrompter{interactive: false})

	h, err := r.Resolve(context.Background(), Auto)
	if !errors.Is(err, ErrAmbiguousPort) {
		t.Fatalf("Resolve() error = %v, want ErrAmbiguousPort", err)
	}
	if h.State != StateCandidateSet || h.Path != "" {
		t.Errorf("handle = %+v, want unresolved candidate set", h)
	}
	if len(h.Candidates) != 2 || h.Candidates[0].Path != "/dev/ttyUSB0" {
		t.Errorf("candidates = %v, want sorted pair", h.Candidates)
	}
	if len(clock.sleeps) != 0 {
		t.Error("ambiguity was retried")
	}
}

func TestResolveAmbiguousInteractive(t *testing.T) {
	for _, answer := range []string{"2", "/dev/ttyUSB1"} {
		prompter := &fakePrompter{interactive: true, answer: answer}
		enum := &staticEnum{batches: [][]Candidate{{ch340, cp2102}}}
		r := newResolver(enum, mapProber{}, &noSleep{}, prompter)

		h, err := r.Resolve(context.Background(), Auto)
		if err != nil {
			t.Fatalf("answer %q: Resolve() error = %v", answer, err)
		}
		if h.Path != "/dev/ttyUSB1" {
			t.Errorf("answer %q: Path = %q", answer, h.Path)
		}
	}
}

func TestResolveExplicitPath(t *testing.T) {
	enum := &staticEnum{batches: [][]Candidate{{cp2102}}}
	r := newResolver(enum, mapProber{"/dev/ttyACM3": nil}, &noSleep{}, nil)

	h, err := r.Resolve(context.Background(), "/dev/ttyACM3")
	if err != nil || h.Path != "/dev/ttyACM3" {
		t.Fatalf("Resolve() = %+v, %v", h, err)
	}
	if enum.calls != 0 {
		t.Error("explicit path triggered discovery")
	}

	h, err = r.Resolve(context.Background(), "/dev/ttyACM9")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if h.Path != cp2102.Path {
		t.Errorf("missing explicit path resolved to %q, want discovery fallback", h.Path)
	}
}

func TestWaitReadyBusyThenFree(t *testing.T) {
	prober := &seqProber{errs: []error{ErrPortBusy, ErrPortBusy}}
	r := newResolver(&staticEnum{}, prober, &noSleep{}, nil)

	if err := r.WaitReady(context.Background(), "/dev/ttyUSB0"); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if prober.calls != 3 {
		t.Errorf("probes = %d, want 3", prober.calls)
	}
}

func TestWaitReadyExhaustedNamesCause(t *testing.T) {
	prober := &seqProber{errs: []error{ErrPortAbsent, ErrPortBusy, ErrPortBusy, ErrPortBusy}}
	r := NewResolver(&staticEnum{}, prober, Options{
		Policy:  retry.Policy{Attempts: 3, Clock: &noSleep{}},
		Holders: fakeHolders{known: true, holders: []Holder{{Command: "screen", PID: 4242, User: "op"}}},
	}, discard)

	err := r.WaitReady(context.Background(), "/dev/ttyUSB0")
	if !fault.Is(err, fault.KindTransport) {
		t.Fatalf("WaitReady() error = %v, want transport fault", err)
	}
	var busy *BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("WaitReady() error = %v, want *BusyError as last cause", err)
	}
	if len(busy.Holders) != 1 || busy.Holders[0].PID != 4242 {
		t.Errorf("holders = %v", busy.Holders)
	}
}

func TestBusyErrorUnknownHolders(t *testing.T) {
	err := &BusyError{Path: "/dev/ttyUSB0"}
	if err.Error() != "/dev/ttyUSB0 is busy (cannot determine holders)" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, ErrPortBusy) {
		t.Error("BusyError does not match ErrPortBusy")
	}
}

func TestListPorts(t *testing.T) {
	enum := &staticEnum{batches: [][]Candidate{{cp2102, ch340, uart}}}
	prober := mapProber{cp2102.Path: nil, ch340.Path: ErrPortBusy}
	r := newResolver(enum, prober, &noSleep{}, nil)

	ports, err := r.ListPorts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ports) != 2 {
		t.Fatalf("ports = %d, want 2", len(ports))
	}
	if ports[0].State != StateResolved || ports[0].Vendor != "Silicon Labs CP210x" {
		t.Errorf("ports[0] = %+v", ports[0])
	}
	if ports[1].State != StateBusy || ports[1].Busy == nil {
		t.Errorf("ports[1] = %+v", ports[1])
	}
}

type lsofRunner struct {
	out []byte
	err error
}

func (l lsofRunner) Run(context.Context, string, []string, io.Reader) ([]byte, error) {
	return l.out, l.err
}

func TestLsofInspector(t *testing.T) {
	out := "p1234\ncscreen\nLoperator\np99\ncminicom\nLroot\n"
	h, known := NewLsofInspector(lsofRunner{out: []byte(out)}, discard).Holders(context.Background(), "/dev/ttyUSB0")
	if !known || len(h) != 2 {
		t.Fatalf("Holders() = %v, %v", h, known)
	}
	if h[0] != (Holder{Command: "screen", PID: 1234, User: "operator"}) {
		t.Errorf("h[0] = %+v", h[0])
	}

	_, known = NewLsofInspector(lsofRunner{err: command.ErrNotFound}, discard).Holders(context.Background(), "x")
	if known {
		t.Error("missing lsof reported holders as known")
	}

	h, known = NewLsofInspector(lsofRunner{err: &command.ExitError{Name: "lsof", Code: 1}}, discard).Holders(context.Background(), "x")
	if !known || len(h) != 0 {
		t.Errorf("no holders = %v, %v", h, known)
	}
}

func TestPick(t *testing.T) {
	cands := []Candidate{cp2102, ch340}
	tests := []struct {
		answer  string
		want    string
		wantErr bool
	}{
		{"", cp2102.Path, false},
		{"1\n", cp2102.Path, false},
		{"2", ch340.Path, false},
		{"3", "", true},
		{"/dev/ttyUSB1", ch340.Path, false},
		{"/dev/ttyUSB7", "", true},
	}
	for _, tt := range tests {
		got, err := pick(cands, tt.answer)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("pick(%q) = %q, %v", tt.answer, got, err)
		}
	}
}
