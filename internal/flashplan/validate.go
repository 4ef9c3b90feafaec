package flashplan

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

// ViolationKind describes why a segment cannot be written.
type ViolationKind string

const (
	ViolationMissing    ViolationKind = "missing file"
	ViolationOversize   ViolationKind = "oversize"
	ViolationNotRegular ViolationKind = "not a regular file"
	ViolationUnreadable ViolationKind = "unreadable"
	ViolationOverlap    ViolationKind = "overlaps"
)

// Violation is one problem found while checking a plan.
type Violation struct {
	Region   string
	Path     string
	Kind     ViolationKind
	Size     int64
	Capacity int64
	// Other names the region an overlapping segment runs into.
	Other    string
	Err      error
}

func (v Violation) String() string {
	switch v.Kind {
	case ViolationOversize:
		return fmt.Sprintf("%s: %s is %s (%d bytes), region holds %s (%d bytes)",
			v.Region, v.Path, humanize.IBytes(uint64(v.Size)), v.Size, humanize.IBytes(uint64(v.Capacity)), v.Capacity)
	case ViolationOverlap:
		return fmt.Sprintf("%s: %s spills into region %s", v.Region, v.Path, v.Other)
	case ViolationUnreadable:
		return fmt.Sprintf("%s: %s: %v", v.Region, v.Path, v.Err)
	default:
		return fmt.Sprintf("%s: %s: %s", v.Region, v.Path, v.Kind)
	}
}

// ValidationError carries every violation found in a plan.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	lines := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		lines[i] = v.String()
	}
	return fmt.Sprintf("flash plan has %d violation(s): %s", len(e.Violations), strings.Join(lines, "; "))
}

// Validate checks that no two segments share flash and every segment's file
// fits its region, recording each file's size on its segment. All segments
// are checked; the returned *ValidationError lists every problem.
func Validate(p *Plan) error {
	violations := overlaps(p.Segments)
	for i := range p.Segments {
		v, ok := checkSegment(p.Segments[i])
		p.Segments[i].Size = v.Size
		if !ok {
			violations = append(violations, v)
		}
	}
	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

func overlaps(segs []Segment) []Violation {
	sorted := append([]Segment(nil), segs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Region.Offset < sorted[j].Region.Offset })

	var out []Violation
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev.Region.End() > cur.Region.Offset {
			out = append(out, Violation{
				Region:   prev.Region.Name,
				Path:     prev.Path,
				Kind:     ViolationOverlap,
				Capacity: int64(prev.Region.Capacity),
				Other:    cur.Region.Name,
			})
		}
	}
	return out
}

func checkSegment(seg Segment) (Violation, bool) {
	v := Violation{
		Region:   seg.Region.Name,
		Path:     seg.Path,
		Capacity: int64(seg.Region.Capacity),
	}

	fi, err := os.Stat(seg.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			v.Kind = ViolationMissing
		} else {
			v.Kind = ViolationUnreadable
			v.Err = err
		}
		return v, false
	}
	if !fi.Mode().IsRegular() {
		v.Kind = ViolationNotRegular
		return v, false
	}

	v.Size = fi.Size()
	if v.Size > v.Capacity {
		v.Kind = ViolationOversize
		return v, false
	}
	return v, true
}
