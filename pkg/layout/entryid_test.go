package layout

import (
	"errors"
	"testing"
)

func TestEntryIDEncoding(t *testing.T) {
	id := MakeEntryID(SectorSEPEdges, 0)
	if id != 0x200000000 {
		t.Errorf("first sep_edges id = %s, want 0x200000000", id)
	}

	id = MakeEntryID(SectorSEPEdges, 399)
	if id.Sector() != SectorSEPEdges || id.Sequence() != 399 {
		t.Errorf("round trip lost data: sector %s seq %d", id.Sector(), id.Sequence())
	}
	if !id.Valid() {
		t.Errorf("expected %s to be valid", id)
	}

	if MakeEntryID(SectorSEPObjects, 0) != 0x100000000 {
		t.Errorf("sep_objects ids must carry tag 1")
	}

	for _, bad := range []EntryID{EntryIDInvalid, NoMoreEntries, 0x900000001, 0x5} {
		if bad.Valid() {
			t.Errorf("expected %s to be invalid", bad)
		}
	}
}

func TestParseEntryID(t *testing.T) {
	tests := []struct {
		in   string
		want EntryID
	}{
		{"0x200000001", 0x200000001},
		{"0X10", 0x10},
		{"4294967296", 0x100000000},
	}
	for _, tt := range tests {
		got, err := ParseEntryID(tt.in)
		if err != nil {
			t.Errorf("ParseEntryID(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseEntryID(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}

	if _, err := ParseEntryID("0xzz"); err == nil {
		t.Errorf("expected error for bad hex")
	}
}

func TestCursor(t *testing.T) {
	c := MakeCursor(SectorESPObjects, 400)
	if c.Sector() != SectorESPObjects || c.Slot() != 400 {
		t.Errorf("cursor round trip failed: %s", c)
	}
	if CursorStart.String() != "start" || CursorEnd.String() != "end" {
		t.Errorf("unexpected sentinel names")
	}
	if CursorEnd != Cursor(NoMoreEntries) {
		t.Errorf("end cursor must equal the no-more-entries sentinel")
	}
}

func TestParseSectorType(t *testing.T) {
	tests := []struct {
		in   string
		want SectorType
	}{
		{"sep_edges", SectorSEPEdges},
		{"SEP-EDGES", SectorSEPEdges},
		{"dieh_record", SectorDIEHRecord},
		{"5", SectorSystemGlobalData},
	}
	for _, tt := range tests {
		got, err := ParseSectorType(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseSectorType(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}

	for _, bad := range []string{"invalid", "0", "8", "bogus"} {
		if _, err := ParseSectorType(bad); !errors.Is(err, ErrInvalidSectorType) {
			t.Errorf("ParseSectorType(%q) expected ErrInvalidSectorType, got %v", bad, err)
		}
	}

	if len(Sectors()) != 7 {
		t.Errorf("expected 7 usable sectors, got %d", len(Sectors()))
	}
}
