package flashplan

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeSized(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLayoutHasNoOverlaps(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{}
	for _, r := range Layout {
		files[r.Name] = writeSized(t, dir, r.Name+".bin", 16)
	}
	p, err := New(files)
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(p); err != nil {
		t.Errorf("Validate(full layout) error = %v", err)
	}
}

func TestValidateRejectsOverlappingRegions(t *testing.T) {
	dir := t.TempDir()
	p := &Plan{Segments: []Segment{
		{Region: Region{Name: "b", Offset: 0x8000, Capacity: 0x1000}, Path: writeSized(t, dir, "b.bin", 16)},
		{Region: Region{Name: "a", Offset: 0x1000, Capacity: 0x8000}, Path: writeSized(t, dir, "a.bin", 16)},
	}}

	err := Validate(p)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Validate() error = %v, want *ValidationError", err)
	}
	if len(verr.Violations) != 1 {
		t.Fatalf("violations = %v, want one", verr.Violations)
	}
	v := verr.Violations[0]
	if v.Kind != ViolationOverlap || v.Region != "a" || v.Other != "b" {
		t.Errorf("violation = %+v", v)
	}
	if !strings.Contains(v.String(), "spills into region b") {
		t.Errorf("String() = %q", v.String())
	}
}

func TestNewOrdersByOffset(t *testing.T) {
	p, err := New(map[string]string{
		RegionFactoryConfig: "cfg.bin",
		RegionFirmware:      "fw.bin",
		RegionBootloader:    "boot.bin",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	want := []string{"0x1000", "boot.bin", "0x10000", "fw.bin", "0x3F0000", "cfg.bin"}
	if got := p.Args(); !reflect.DeepEqual(got, want) {
		t.Errorf("Args() = %v, want %v", got, want)
	}
}

func TestNewRejectsUnknownRegion(t *testing.T) {
	if _, err := New(map[string]string{"nvs": "nvs.bin"}); err == nil {
		t.Error("expected error for unknown region")
	}
	if _, err := New(map[string]string{RegionFirmware: ""}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestValidatePasses(t *testing.T) {
	dir := t.TempDir()
	p, err := New(map[string]string{
		RegionBootloader: writeSized(t, dir, "boot.bin", 1000),
		RegionFirmware:   writeSized(t, dir, "fw.bin", 100000),
		// exactly at capacity is allowed
		RegionPartitions: writeSized(t, dir, "parts.bin", 0x1000),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(p); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	for _, seg := range p.Segments {
		if seg.Region.Name == RegionFirmware && seg.Size != 100000 {
			t.Errorf("firmware Size = %d, want 100000", seg.Size)
		}
	}
}

func TestValidateReportsAllViolations(t *testing.T) {
	dir := t.TempDir()
	p, err := New(map[string]string{
		RegionBootloader: writeSized(t, dir, "boot.bin", 0x7000+1),
		RegionPartitions: filepath.Join(dir, "missing.bin"),
		RegionBootApp0:   writeSized(t, dir, "boot_app0.bin", 0x2000+10),
		RegionFirmware:   writeSized(t, dir, "fw.bin", 100000),
		RegionSPIFFS:     dir,
	})
	if err != nil {
		t.Fatal(err)
	}

	err = Validate(p)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Validate() error = %v, want *ValidationError", err)
	}

	got := map[string]ViolationKind{}
	for _, v := range verr.Violations {
		got[v.Region] = v.Kind
	}
	want := map[string]ViolationKind{
		RegionBootloader: ViolationOversize,
		RegionPartitions: ViolationMissing,
		RegionBootApp0:   ViolationOversize,
		RegionSPIFFS:     ViolationNotRegular,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("violations = %v, want %v", got, want)
	}
	if !strings.Contains(err.Error(), "4 violation(s)") {
		t.Errorf("error text = %q", err.Error())
	}
}

func TestViolationString(t *testing.T) {
	v := Violation{Region: RegionFirmware, Path: "fw.bin", Kind: ViolationOversize, Size: 0x150000, Capacity: 0x140000}
	s := v.String()
	if !strings.Contains(s, "firmware") || !strings.Contains(s, "1.3 MiB") {
		t.Errorf("String() = %q", s)
	}
}
