package flashplan

import (
	"fmt"
	"sort"
)

// Region names, shared with the manifest artifact keys.
const (
	RegionBootloader    = "bootloader"
	RegionPartitions    = "partitions"
	RegionBootApp0      = "boot_app0"
	RegionFirmware      = "firmware"
	RegionSPIFFS        = "spiffs"
	RegionFactoryConfig = "factory_cfg"
)

// Region is a fixed window of device flash reserved for one artifact.
type Region struct {
	Name     string
	Offset   uint32
	Capacity uint32
}

// End returns the first offset past the region.
func (r Region) End() uint32 { return r.Offset + r.Capacity }

// Layout is the Main Hub partition layout in flash order.
var Layout = []Region{
	{Name: RegionBootloader, Offset: 0x1000, Capacity: 0x7000},
	{Name: RegionPartitions, Offset: 0x8000, Capacity: 0x1000},
	{Name: RegionBootApp0, Offset: 0xE000, Capacity: 0x2000},
	{Name: RegionFirmware, Offset: 0x10000, Capacity: 0x140000},
	{Name: RegionSPIFFS, Offset: 0x290000, Capacity: 0x160000},
	{Name: RegionFactoryConfig, Offset: 0x3F0000, Capacity: 0x10000},
}

// ImageRegions are the regions that ship in a release bundle. The factory
// config region is generated per unit.
var ImageRegions = []string{
	RegionBootloader,
	RegionPartitions,
	RegionBootApp0,
	RegionFirmware,
	RegionSPIFFS,
}

// LookupRegion returns the layout entry for name.
func LookupRegion(name string) (Region, bool) {
	for _, r := range Layout {
		if r.Name == name {
			return r, true
		}
	}
	return Region{}, false
}

// Segment is one (offset, file) pair handed to the flashing tool. Size is
// filled in by Validate.
type Segment struct {
	Region Region
	Path   string
	Size   int64
}

// Plan is the ordered set of segments for one flashing run.
type Plan struct {
	Segments []Segment
}

// New builds a plan from region name to file path. Segments are ordered by
// flash offset regardless of map iteration order.
func New(files map[string]string) (*Plan, error) {
	p := &Plan{}
	for name, path := range files {
		region, ok := LookupRegion(name)
		if !ok {
			return nil, fmt.Errorf("unknown flash region %q", name)
		}
		if path == "" {
			return nil, fmt.Errorf("no file for flash region %q", name)
		}
		p.Segments = append(p.Segments, Segment{Region: region, Path: path})
	}
	sort.Slice(p.Segments, func(i, j int) bool {
		return p.Segments[i].Region.Offset < p.Segments[j].Region.Offset
	})
	return p, nil
}

// Args renders the plan as alternating offset and path arguments.
func (p *Plan) Args() []string {
	args := make([]string, 0, len(p.Segments)*2)
	for _, s := range p.Segments {
		args = append(args, fmt.Sprintf("0x%X", s.Region.Offset), s.Path)
	}
	return args
}
