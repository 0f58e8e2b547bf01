package layout

import (
	"fmt"
	"strings"

	"github.com/KevoDB/persist/pkg/common/status"
)

// SectorType names one logical partition of the persistence volume.
type SectorType uint32

const (
	SectorInvalid SectorType = iota
	SectorSEPObjects
	SectorSEPEdges
	SectorSEPAdminConversion
	SectorESPObjects
	SectorSystemGlobalData
	SectorScratchPad
	SectorDIEHRecord
	SectorLast
)

// ErrInvalidSectorType is returned for SectorInvalid, SectorLast and anything beyond.
var ErrInvalidSectorType = fmt.Errorf("%w: invalid sector type", status.ErrConfiguration)

var sectorNames = [SectorLast]string{
	SectorInvalid:            "invalid",
	SectorSEPObjects:         "sep_objects",
	SectorSEPEdges:           "sep_edges",
	SectorSEPAdminConversion: "sep_admin_conversion",
	SectorESPObjects:         "esp_objects",
	SectorSystemGlobalData:   "system_global_data",
	SectorScratchPad:         "scratch_pad",
	SectorDIEHRecord:         "dieh_record",
}

// Sectors lists every usable sector type in on-volume region order.
func Sectors() []SectorType {
	out := make([]SectorType, 0, SectorLast-1)
	for t := SectorSEPObjects; t < SectorLast; t++ {
		out = append(out, t)
	}
	return out
}

// Valid reports whether t names a usable sector.
func (t SectorType) Valid() bool {
	return t > SectorInvalid && t < SectorLast
}

func (t SectorType) String() string {
	if t < SectorLast {
		return sectorNames[t]
	}
	return fmt.Sprintf("sector(%d)", uint32(t))
}

// ParseSectorType accepts a sector name ("sep_edges", "SEP_EDGES", "sep-edges")
// or its numeric value.
func ParseSectorType(s string) (SectorType, error) {
	name := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for t := SectorSEPObjects; t < SectorLast; t++ {
		if sectorNames[t] == name {
			return t, nil
		}
	}
	var n uint32
	if _, err := fmt.Sscanf(name, "%d", &n); err == nil && SectorType(n).Valid() {
		return SectorType(n), nil
	}
	return SectorInvalid, fmt.Errorf("%w: %q", ErrInvalidSectorType, s)
}
