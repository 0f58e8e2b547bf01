package snapshot

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/KevoDB/persist/pkg/layout"
	"github.com/google/go-cmp/cmp"
)

func TestWriterReader(t *testing.T) {
	records := []Record{
		{Sector: layout.SectorSEPObjects, ID: 0x100000000, Data: []byte("object")},
		{Sector: layout.SectorSEPEdges, ID: 0x200000005, Data: bytes.Repeat([]byte{0xab}, 2048)},
		{Sector: layout.SectorDIEHRecord, ID: 0x700000001, Data: []byte{}},
	}

	for _, codec := range []Codec{CodecNone, CodecZstd, CodecSnappy} {
		t.Run(codec.String(), func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewWriter(&buf, codec, 0xabcdef)
			if err != nil {
				t.Fatalf("failed to create writer: %v", err)
			}
			for _, rec := range records {
				if err := w.Write(rec); err != nil {
					t.Fatalf("write failed: %v", err)
				}
			}
			if err := w.Close(); err != nil {
				t.Fatalf("close failed: %v", err)
			}

			r, err := NewReader(&buf)
			if err != nil {
				t.Fatalf("failed to open reader: %v", err)
			}
			defer r.Close()

			h := r.Header()
			if h.ID != w.Header().ID || h.Fingerprint != 0xabcdef || h.Codec != codec {
				t.Errorf("header mismatch: %+v vs %+v", h, w.Header())
			}
			if !h.Created.Equal(w.Header().Created) {
				t.Errorf("created time mismatch: %v vs %v", h.Created, w.Header().Created)
			}

			var got []Record
			for {
				rec, err := r.Next()
				if err == io.EOF {
					break
				}
				if err != nil {
					t.Fatalf("next failed: %v", err)
				}
				got = append(got, rec)
			}
			if diff := cmp.Diff(records, got); diff != "" {
				t.Errorf("records mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReaderRejectsBadInput(t *testing.T) {
	if _, err := NewReader(bytes.NewReader([]byte("NOTASNAPSHOT"))); !errors.Is(err, ErrBadMagic) {
		t.Errorf("expected ErrBadMagic, got %v", err)
	}
	if _, err := NewReader(bytes.NewReader(nil)); !errors.Is(err, ErrBadMagic) {
		t.Errorf("expected ErrBadMagic for empty input, got %v", err)
	}

	var buf bytes.Buffer
	w, _ := NewWriter(&buf, CodecNone, 1)
	w.Write(Record{Sector: layout.SectorScratchPad, ID: 0x600000000, Data: []byte("payload")})
	w.Close()

	truncated := buf.Bytes()[:buf.Len()-recordHeaderSize-3]
	r, err := NewReader(bytes.NewReader(truncated))
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	defer r.Close()
	if _, err := r.Next(); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
}

func TestWriterRejectsMismatchedRecord(t *testing.T) {
	w, _ := NewWriter(io.Discard, CodecNone, 1)
	defer w.Close()
	if err := w.Write(Record{Sector: layout.SectorSEPObjects, ID: 0x200000000}); err == nil {
		t.Errorf("expected an error for an entry tagged with another sector")
	}
}

func TestParseCodec(t *testing.T) {
	for _, c := range []Codec{CodecNone, CodecZstd, CodecSnappy} {
		got, err := ParseCodec(c.String())
		if err != nil || got != c {
			t.Errorf("ParseCodec(%q) = %v, %v", c.String(), got, err)
		}
	}
	if _, err := ParseCodec("lz4"); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("expected ErrUnknownCodec, got %v", err)
	}
}
