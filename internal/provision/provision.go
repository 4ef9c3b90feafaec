// Package provision sequences a Main Hub provisioning run: resolve the
// serial port, set up flash encryption once, build and verify the factory
// payload, validate the flash plan, write flash, optionally hand the unit
// its credentials over Wi-Fi, and record the outcome.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/hubflash/internal/artifacts"
	"github.com/BadgerOps/hubflash/internal/audit"
	"github.com/BadgerOps/hubflash/internal/esptool"
	"github.com/BadgerOps/hubflash/internal/fault"
	"github.com/BadgerOps/hubflash/internal/flashplan"
	"github.com/BadgerOps/hubflash/internal/manifest"
	"github.com/BadgerOps/hubflash/internal/payload"
	"github.com/BadgerOps/hubflash/internal/store"
	"github.com/BadgerOps/hubflash/internal/transport"
	"github.com/BadgerOps/hubflash/internal/wifi"
)

// TransportResolver finds the device port and waits for it to be free.
type TransportResolver interface {
	Resolve(ctx context.Context, requested string) (*transport.Handle, error)
	WaitReady(ctx context.Context, port string) error
}

// EncryptionManager inspects and burns the flash encryption efuses.
type EncryptionManager interface {
	NeedsSetup(ctx context.Context, port string) (bool, error)
	Burn(ctx context.Context, port, keyFile string) error
}

// Flasher writes flash and pre-encrypts images.
type Flasher interface {
	WriteFlash(ctx context.Context, req esptool.WriteRequest) error
	EncryptFlashData(ctx context.Context, req esptool.EncryptRequest) error
}

// Handoff pushes credentials to the unit over its access point.
type Handoff interface {
	Run(ctx context.Context, t wifi.Target) error
}

// AuditLog receives one entry per run.
type AuditLog interface {
	Append(e audit.Entry) error
}

// Recorder persists run history.
type Recorder interface {
	CreateRun(run *store.Run) error
	UpdateRun(run *store.Run) error
	AddEvent(ev *store.RunEvent) error
}

// Mode selects which regions a run writes.
type Mode string

const (
	// ModeFull writes every image plus the generated factory payload.
	ModeFull Mode = "full"
	// ModeFlashOnly writes the images and leaves the factory partition alone.
	ModeFlashOnly Mode = "flash_only"
	// ModePayloadOnly writes just the factory payload.
	ModePayloadOnly Mode = "payload_only"
)

// Options describe one run. Built once per invocation by the caller.
type Options struct {
	Manifest      string
	Serial        string
	Password      string
	Port          string
	KeyFile       string
	Mode          Mode
	Wifi          bool
	DryRun        bool
	PartitionSize int
	Tracker       *Tracker
}

// Result describes what a run did.
type Result struct {
	RunID             string
	Serial            string
	Bundle            string
	Port              string
	Mode              Mode
	Compression       esptool.CompressionMode
	EncryptionEnabled bool
	Burned            bool
	Plan              *flashplan.Plan
	Wifi              bool
	Status            audit.Status
	// HandoffErr is the non-fatal Wi-Fi handoff failure, if any.
	HandoffErr error
	// AuditErr is set when the audit entry could not be written.
	AuditErr error
}

// Deps are the collaborators of a Provisioner. Handoff and Recorder may be
// nil.
type Deps struct {
	Transport  TransportResolver
	Encryption EncryptionManager
	Flasher    Flasher
	Handoff    Handoff
	Audit      AuditLog
	Recorder   Recorder
	// TempDir is the parent of each run's scratch directory; "" uses the
	// system default.
	TempDir string
}

// Provisioner runs the provisioning pipeline.
type Provisioner struct {
	deps   Deps
	logger *slog.Logger
	newID  func() string
}

// New creates a Provisioner.
func New(deps Deps, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{deps: deps, logger: logger, newID: uuid.NewString}
}

// run carries per-invocation state through the pipeline.
type run struct {
	opts    Options
	res     *Result
	tracker *Tracker
	logger  *slog.Logger
	record  *store.Run
	scratch string
}

// Run executes the pipeline. Fatal failures are returned as *fault.Error
// and still produce a failed audit entry. A Wi-Fi handoff failure is not
// returned; it is reported in Result.HandoffErr and the audit status.
func (p *Provisioner) Run(ctx context.Context, opts Options) (res *Result, err error) {
	if opts.Mode == "" {
		opts.Mode = ModeFull
	}
	if opts.PartitionSize <= 0 {
		opts.PartitionSize = payload.DefaultPartitionSize
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = NewTracker()
	}

	res = &Result{RunID: p.newID(), Serial: opts.Serial, Port: opts.Port, Mode: opts.Mode, Wifi: opts.Wifi}
	r := &run{
		opts:    opts,
		res:     res,
		tracker: tracker,
		logger:  p.logger.With("run", res.RunID, "serial", opts.Serial),
	}
	tracker.start(res.RunID)

	defer func() {
		if r.scratch != "" {
			if rmErr := os.RemoveAll(r.scratch); rmErr != nil {
				r.logger.Warn("removing scratch directory", "path", r.scratch, "error", rmErr)
			}
		}
		if !opts.DryRun {
			p.finish(r, err)
		}
		tracker.finishRun()
	}()

	if !opts.DryRun {
		p.createRecord(r)
	}
	m, sel, err := p.preflight(r)
	if err != nil {
		return res, err
	}

	if opts.DryRun {
		r.tracker.Finish(StepResolveTransport, StepSkipped, "dry run")
		r.tracker.Finish(StepEnsureFuses, StepSkipped, "dry run")
	} else {
		if err := p.resolveTransport(ctx, r); err != nil {
			return res, err
		}
		if err := p.ensureFuses(ctx, r, m); err != nil {
			return res, err
		}
	}

	payloadPath, payloadEncrypted, err := p.buildPayload(ctx, r, m)
	if err != nil {
		return res, err
	}

	plan, err := p.validatePlan(r, sel, payloadPath)
	if err != nil {
		return res, err
	}
	res.Plan = plan
	res.Compression = esptool.ChooseMode(sel.AnyEncrypted || payloadEncrypted, m.Encrypted())

	if opts.DryRun {
		r.tracker.Finish(StepInvokeFlashTool, StepSkipped, "dry run")
		r.logger.Info("dry run complete", "segments", len(plan.Segments), "mode", string(res.Compression))
		return res, nil
	}

	if err := p.flash(ctx, r, plan); err != nil {
		return res, err
	}

	if opts.Wifi {
		p.handoff(ctx, r, m)
	}
	return res, nil
}

// preflight checks everything that needs no hardware: the manifest, the
// unit credentials and the artifact selection.
func (p *Provisioner) preflight(r *run) (*manifest.Manifest, *artifacts.Selection, error) {
	opts := r.opts

	r.tracker.Begin(StepLoadManifest)
	m, err := manifest.Load(opts.Manifest)
	if err != nil {
		r.res.Bundle = filepath.Base(filepath.Clean(opts.Manifest))
		return nil, nil, p.fail(r, StepLoadManifest, fault.Configuration(StepLoadManifest, "pass --manifest pointing at a release bundle", err))
	}
	r.res.Bundle = m.Bundle()
	r.res.EncryptionEnabled = m.Encrypted()
	r.logger = r.logger.With("bundle", r.res.Bundle)

	if err := m.Validate(); err != nil {
		return nil, nil, p.fail(r, StepLoadManifest, fault.Configuration(StepLoadManifest, "fix the release bundle; no hardware was touched", err))
	}
	if err := checkOptions(opts, m); err != nil {
		return nil, nil, p.fail(r, StepLoadManifest, fault.Configuration(StepLoadManifest, "fix the command line; no hardware was touched", err))
	}
	p.ok(r, StepLoadManifest, fmt.Sprintf("flash_encryption=%s", encryptionLabel(m)))

	sel := &artifacts.Selection{}
	if opts.Mode == ModePayloadOnly {
		r.tracker.Finish(StepSelectArtifacts, StepSkipped, "payload only")
		return m, sel, nil
	}
	r.tracker.Begin(StepSelectArtifacts)
	sel, err = artifacts.Select(m, flashplan.ImageRegions, r.logger)
	if err != nil {
		return nil, nil, p.fail(r, StepSelectArtifacts, fault.Configuration(StepSelectArtifacts, "the manifest promised artifacts the bundle does not ship", err))
	}
	p.ok(r, StepSelectArtifacts, fmt.Sprintf("%d artifacts, pre-encrypted=%t", len(sel.Artifacts), sel.AnyEncrypted))
	return m, sel, nil
}

func checkOptions(opts Options, m *manifest.Manifest) error {
	switch opts.Mode {
	case ModeFull, ModeFlashOnly, ModePayloadOnly:
	default:
		return fmt.Errorf("unknown run mode %q", opts.Mode)
	}

	sanitized, err := payload.SanitizeSerial(opts.Serial)
	if err != nil {
		return err
	}
	if sanitized != opts.Serial {
		return fmt.Errorf("%w: %q contains characters outside [A-Za-z0-9_-] or is longer than %d", payload.ErrInvalidSerial, opts.Serial, payload.MaxSerialLen)
	}
	if opts.Mode != ModeFlashOnly {
		if err := payload.ValidatePassword(opts.Password); err != nil {
			return err
		}
	}
	if opts.Wifi && opts.Mode != ModeFull {
		return errors.New("wifi handoff needs a full run that writes the factory payload")
	}
	if m.Encrypted() && opts.KeyFile == "" && !opts.DryRun {
		return errors.New("flash_encryption is enabled but no key file was given")
	}
	if opts.KeyFile != "" && !opts.DryRun {
		if _, err := os.Stat(opts.KeyFile); err != nil {
			return fmt.Errorf("key file: %w", err)
		}
	}
	return nil
}

func encryptionLabel(m *manifest.Manifest) string {
	if m.FlashEncryption == "" {
		return "unset"
	}
	return m.FlashEncryption
}

func (p *Provisioner) resolveTransport(ctx context.Context, r *run) error {
	r.tracker.Begin(StepResolveTransport)
	h, err := p.deps.Transport.Resolve(ctx, r.opts.Port)
	if err != nil {
		return p.fail(r, StepResolveTransport, asFault(err, fault.KindTransport, StepResolveTransport, "connect the board and pass --port"))
	}
	if err := p.deps.Transport.WaitReady(ctx, h.Path); err != nil {
		return p.fail(r, StepResolveTransport, asFault(err, fault.KindTransport, StepResolveTransport, "free the serial port"))
	}
	r.res.Port = h.Path
	r.logger = r.logger.With("port", h.Path)
	p.ok(r, StepResolveTransport, h.Path)
	return nil
}

// ensureFuses burns the encryption efuses when the bundle requires
// encryption and the device has never been configured.
func (p *Provisioner) ensureFuses(ctx context.Context, r *run, m *manifest.Manifest) error {
	if !m.Encrypted() {
		r.tracker.Finish(StepEnsureFuses, StepSkipped, "flash encryption not requested")
		return nil
	}

	r.tracker.Begin(StepEnsureFuses)
	needs, err := p.deps.Encryption.NeedsSetup(ctx, r.res.Port)
	if err != nil {
		return p.fail(r, StepEnsureFuses, asFault(err, fault.KindHardwareState, StepEnsureFuses, "check the board with `hubflash fuses`"))
	}
	if !needs {
		p.ok(r, StepEnsureFuses, "already enabled, burn skipped")
		return nil
	}

	if err := p.deps.Encryption.Burn(ctx, r.res.Port, r.opts.KeyFile); err != nil {
		return p.fail(r, StepEnsureFuses, asFault(err, fault.KindHardwareState, StepEnsureFuses, "inspect the board with `hubflash fuses` before retrying"))
	}
	r.res.Burned = true
	p.ok(r, StepEnsureFuses, "efuses burned")
	return nil
}

// buildPayload writes the factory image into the run's scratch directory,
// verifies it, and encrypts it when the bundle is encrypted. It returns the
// path to flash, or "" in flash-only mode.
func (p *Provisioner) buildPayload(ctx context.Context, r *run, m *manifest.Manifest) (string, bool, error) {
	if r.opts.Mode == ModeFlashOnly {
		r.tracker.Finish(StepGeneratePayload, StepSkipped, "flash only")
		return "", false, nil
	}

	r.tracker.Begin(StepGeneratePayload)
	dir, err := os.MkdirTemp(p.deps.TempDir, "hubflash-")
	if err != nil {
		return "", false, p.fail(r, StepGeneratePayload, fault.Configuration(StepGeneratePayload, "check station.temp_dir is writable", err))
	}
	r.scratch = dir

	record, err := payload.Encode(r.opts.Serial, r.opts.Password)
	if err != nil {
		return "", false, p.fail(r, StepGeneratePayload, fault.Configuration(StepGeneratePayload, "check --serial and --password", err))
	}
	img, err := payload.Image(record, r.opts.PartitionSize)
	if err != nil {
		return "", false, p.fail(r, StepGeneratePayload, fault.Configuration(StepGeneratePayload, "", err))
	}
	plainPath := filepath.Join(dir, "factory_cfg.bin")
	if err := os.WriteFile(plainPath, img, 0o600); err != nil {
		return "", false, p.fail(r, StepGeneratePayload, fault.Configuration(StepGeneratePayload, "check station.temp_dir is writable", err))
	}
	p.ok(r, StepGeneratePayload, fmt.Sprintf("%d byte record in %d byte image", len(record), len(img)))

	r.tracker.Begin(StepVerifyPayload)
	written, err := os.ReadFile(plainPath)
	if err == nil {
		err = payload.Verify(written, r.opts.Serial, r.opts.Password)
	}
	if err != nil {
		return "", false, p.fail(r, StepVerifyPayload, fault.Integrity(StepVerifyPayload, "do not flash this unit until the payload verifies", err))
	}
	p.ok(r, StepVerifyPayload, "")

	if !m.Encrypted() || r.opts.DryRun {
		msg := "flash encryption not requested"
		if r.opts.DryRun && m.Encrypted() {
			msg = "dry run"
		}
		r.tracker.Finish(StepEncryptPayload, StepSkipped, msg)
		return plainPath, false, nil
	}

	r.tracker.Begin(StepEncryptPayload)
	encPath := filepath.Join(dir, "factory_cfg.enc.bin")
	region, _ := flashplan.LookupRegion(flashplan.RegionFactoryConfig)
	err = p.deps.Flasher.EncryptFlashData(ctx, esptool.EncryptRequest{
		KeyFile: r.opts.KeyFile,
		Offset:  region.Offset,
		Input:   plainPath,
		Output:  encPath,
	})
	if err == nil {
		var st os.FileInfo
		if st, err = os.Stat(encPath); err == nil && st.Size() != int64(len(img)) {
			err = fmt.Errorf("encrypted payload is %d bytes, expected %d", st.Size(), len(img))
		}
	}
	if err != nil {
		return "", false, p.fail(r, StepEncryptPayload, fault.Integrity(StepEncryptPayload, "check espsecure and the key file", err))
	}
	p.ok(r, StepEncryptPayload, "")
	return encPath, true, nil
}

func (p *Provisioner) validatePlan(r *run, sel *artifacts.Selection, payloadPath string) (*flashplan.Plan, error) {
	r.tracker.Begin(StepValidatePlan)
	files := sel.Files()
	if payloadPath != "" {
		files[flashplan.RegionFactoryConfig] = payloadPath
	}
	plan, err := flashplan.New(files)
	if err == nil {
		err = flashplan.Validate(plan)
	}
	if err != nil {
		return nil, p.fail(r, StepValidatePlan, fault.Validation(StepValidatePlan, "rebuild the bundle so every image fits its partition", err))
	}
	p.ok(r, StepValidatePlan, fmt.Sprintf("%d regions", len(plan.Segments)))
	return plan, nil
}

func (p *Provisioner) flash(ctx context.Context, r *run, plan *flashplan.Plan) error {
	r.tracker.Begin(StepInvokeFlashTool)
	if err := p.deps.Transport.WaitReady(ctx, r.res.Port); err != nil {
		return p.fail(r, StepInvokeFlashTool, asFault(err, fault.KindTransport, StepInvokeFlashTool, "free the serial port"))
	}
	err := p.deps.Flasher.WriteFlash(ctx, esptool.WriteRequest{
		Port: r.res.Port,
		Mode: r.res.Compression,
		Plan: plan,
	})
	if err != nil {
		return p.fail(r, StepInvokeFlashTool, asFault(err, fault.KindTransport, StepInvokeFlashTool, "hold BOOT while resetting the board, then retry"))
	}
	p.ok(r, StepInvokeFlashTool, string(r.res.Compression))
	return nil
}

func (p *Provisioner) handoff(ctx context.Context, r *run, m *manifest.Manifest) {
	r.tracker.Begin(StepWifiHandoff)
	var err error
	if p.deps.Handoff == nil {
		err = fault.Provisioning(StepWifiHandoff, "enable the wifi section of the station config", errors.New("wifi handoff is not configured"))
	} else {
		err = p.deps.Handoff.Run(ctx, wifi.Target{
			SSID:       m.FactorySSID,
			APPassword: m.APPassword,
			Host:       m.TargetIP,
			Serial:     r.opts.Serial,
			Password:   r.opts.Password,
		})
	}
	if err != nil {
		r.res.HandoffErr = asFault(err, fault.KindProvisioning, StepWifiHandoff, "provision the unit manually over its access point")
		r.logger.Warn("wifi handoff failed, flash result stands", "error", err)
		p.event(r, r.tracker.Finish(StepWifiHandoff, StepWarning, err.Error()))
		return
	}
	p.ok(r, StepWifiHandoff, "")
}

// Status maps a finished run to its audit outcome.
func Status(res *Result, runErr error) audit.Status {
	switch {
	case runErr != nil:
		return audit.StatusFailed
	case res.Mode == ModePayloadOnly:
		return audit.StatusSuccess
	case res.Mode == ModeFlashOnly:
		return audit.StatusFlashOnly
	}
	return wifiStatus(res)
}

func wifiStatus(res *Result) audit.Status {
	if !res.Wifi {
		return audit.StatusWiredOnly
	}
	if res.HandoffErr != nil {
		return audit.StatusWifiFailed
	}
	return audit.StatusWifiSuccess
}

func (p *Provisioner) finish(r *run, runErr error) {
	r.res.Status = Status(r.res, runErr)

	r.tracker.Begin(StepWriteAudit)
	entry := audit.Entry{Serial: r.res.Serial, Bundle: r.res.Bundle, Status: r.res.Status}
	if err := p.deps.Audit.Append(entry); err != nil {
		r.res.AuditErr = err
		r.logger.Error("writing audit entry failed", "error", err)
		p.event(r, r.tracker.Finish(StepWriteAudit, StepFailed, err.Error()))
	} else {
		p.ok(r, StepWriteAudit, string(r.res.Status))
	}

	if r.record == nil || p.deps.Recorder == nil {
		return
	}
	r.record.Status = string(r.res.Status)
	r.record.Bundle = r.res.Bundle
	r.record.Port = r.res.Port
	r.record.Encrypted = r.res.EncryptionEnabled
	r.record.Compression = string(r.res.Compression)
	r.record.EndTime = time.Now()
	if runErr != nil {
		r.record.ErrorMessage = runErr.Error()
	} else if r.res.HandoffErr != nil {
		r.record.ErrorMessage = r.res.HandoffErr.Error()
	}
	if err := p.deps.Recorder.UpdateRun(r.record); err != nil {
		r.logger.Warn("updating run history", "error", err)
	}
}

func (p *Provisioner) createRecord(r *run) {
	if p.deps.Recorder == nil {
		return
	}
	rec := &store.Run{
		ID:            r.res.RunID,
		Serial:        r.res.Serial,
		Bundle:        r.res.Bundle,
		Port:          r.opts.Port,
		Status:        "running",
		Encrypted:     r.res.EncryptionEnabled,
		WifiRequested: r.opts.Wifi,
		StartTime:     time.Now(),
	}
	if err := p.deps.Recorder.CreateRun(rec); err != nil {
		r.logger.Warn("recording run history", "error", err)
		return
	}
	r.record = rec
}

func (p *Provisioner) ok(r *run, step, msg string) {
	p.event(r, r.tracker.Finish(step, StepOK, msg))
}

func (p *Provisioner) fail(r *run, step string, err *fault.Error) error {
	r.logger.Error("step failed", "step", step, "kind", string(err.Kind), "error", err.Err)
	p.event(r, r.tracker.Finish(step, StepFailed, err.Error()))
	return err
}

func (p *Provisioner) event(r *run, s StepRecord) {
	if r.record == nil || p.deps.Recorder == nil {
		return
	}
	ev := &store.RunEvent{RunID: r.record.ID, Step: s.Step, Status: string(s.Status), Message: s.Message, Time: s.Started.Add(s.Duration)}
	if err := p.deps.Recorder.AddEvent(ev); err != nil {
		r.logger.Debug("recording run event", "error", err)
	}
}

// asFault keeps an existing classification or wraps err as kind.
func asFault(err error, kind fault.Kind, step, hint string) *fault.Error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		hint = "run interrupted"
	}
	return &fault.Error{Kind: kind, Step: step, Hint: hint, Err: err}
}
