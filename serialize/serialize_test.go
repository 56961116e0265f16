package serialize

import (
	"bytes"
	"io"
	"testing"

	"github.com/capwire/capwire"
)

func buildMessage(t *testing.T, arena capwire.Arena) *capwire.Message {
	t.Helper()
	m, err := capwire.NewMessage(arena)
	if err != nil {
		t.Fatal(err)
	}
	root, err := capwire.NewRootStruct(m, capwire.ObjectSize{DataWords: 2, PointerCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	root.SetInt64(0, 123)
	root.SetInt64(8, -456)
	if err := root.SetText(0, "greetings"); err != nil {
		t.Fatal(err)
	}
	tl, err := capwire.NewTextList(root.Segment(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := tl.Set(0, "one"); err != nil {
		t.Fatal(err)
	}
	if err := tl.Set(1, "two"); err != nil {
		t.Fatal(err)
	}
	if err := root.SetPtr(1, tl.ToPtr()); err != nil {
		t.Fatal(err)
	}
	return m
}

func checkMessage(t *testing.T, m *capwire.Message) {
	t.Helper()
	root, err := m.RootStruct()
	if err != nil {
		t.Fatal(err)
	}
	if got := root.Int64(0); got != 123 {
		t.Errorf("Int64(0) = %d, want 123", got)
	}
	if got := root.Int64(8); got != -456 {
		t.Errorf("Int64(8) = %d, want -456", got)
	}
	text, err := root.Text(0)
	if err != nil {
		t.Fatal(err)
	}
	if text != "greetings" {
		t.Errorf("Text(0) = %q", text)
	}
	p, err := root.Ptr(1)
	if err != nil {
		t.Fatal(err)
	}
	tl := p.TextList()
	for i, want := range []string{"one", "two"} {
		got, err := tl.At(i)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("list[%d] = %q, want %q", i, got, want)
		}
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	arenas := map[string]capwire.Arena{
		"single": capwire.SingleSegment(nil),
		"multi":  capwire.MultiSegment(4),
	}
	for name, arena := range arenas {
		t.Run(name, func(t *testing.T) {
			m := buildMessage(t, arena)
			data, err := Marshal(m)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			r, err := Unmarshal(data, capwire.Limits{})
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			checkMessage(t, r)

			// Byte-identical re-encode.
			data2, err := Marshal(r)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(data, data2) {
				t.Error("re-marshal differs from original encoding")
			}
		})
	}
}

func TestReadWriteStream(t *testing.T) {
	var buf bytes.Buffer
	m1 := buildMessage(t, capwire.SingleSegment(nil))
	m2 := buildMessage(t, capwire.MultiSegment(4))
	if err := Write(&buf, m1); err != nil {
		t.Fatal(err)
	}
	if err := Write(&buf, m2); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		m, err := Read(&buf, capwire.Limits{})
		if err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		checkMessage(t, m)
	}
	if _, err := Read(&buf, capwire.Limits{}); err != io.EOF {
		t.Fatalf("Read at end of stream: err = %v, want io.EOF", err)
	}
}

func TestUnmarshalRejectsTruncated(t *testing.T) {
	m := buildMessage(t, capwire.SingleSegment(nil))
	data, err := Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []int{0, 2, 4, 7, len(data) - 8, len(data) - 1} {
		if _, err := Unmarshal(data[:n], capwire.Limits{}); err == nil {
			t.Errorf("Unmarshal of %d/%d bytes succeeded", n, len(data))
		}
	}
}

func TestUnmarshalRejectsHugeSegmentCount(t *testing.T) {
	data := []byte{0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0}
	if _, err := Unmarshal(data, capwire.Limits{}); err == nil {
		t.Fatal("absurd segment count accepted")
	}
}

func TestReadCapsAllocation(t *testing.T) {
	m := buildMessage(t, capwire.SingleSegment(nil))
	data, err := Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	_, err = Read(bytes.NewReader(data), capwire.Limits{TraversalWords: 1, NestingDepth: 64})
	if err == nil {
		t.Fatal("Read allocated more words than the limit allows")
	}
}

func TestPackedRoundTrip(t *testing.T) {
	m := buildMessage(t, capwire.SingleSegment(nil))
	flat, err := Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	packed, err := MarshalPacked(m)
	if err != nil {
		t.Fatal(err)
	}
	if len(packed) >= len(flat) {
		t.Errorf("packed %d bytes, flat %d: no compression on a sparse message", len(packed), len(flat))
	}

	r, err := UnmarshalPacked(packed, capwire.Limits{})
	if err != nil {
		t.Fatalf("UnmarshalPacked: %v", err)
	}
	checkMessage(t, r)

	var buf bytes.Buffer
	if err := WritePacked(&buf, m); err != nil {
		t.Fatal(err)
	}
	r, err = ReadPacked(&buf, capwire.Limits{})
	if err != nil {
		t.Fatalf("ReadPacked: %v", err)
	}
	checkMessage(t, r)
}

func TestPackKnownVectors(t *testing.T) {
	tests := []struct {
		name   string
		flat   []byte
		packed []byte
	}{
		{
			name:   "one zero word",
			flat:   []byte{0, 0, 0, 0, 0, 0, 0, 0},
			packed: []byte{0x00, 0x00},
		},
		{
			name:   "four zero words",
			flat:   make([]byte, 4*8),
			packed: []byte{0x00, 0x03},
		},
		{
			name:   "sparse word",
			flat:   []byte{8, 0, 0, 0, 3, 0, 2, 0},
			packed: []byte{0x51, 8, 3, 2},
		},
		{
			name: "incompressible word",
			flat: []byte{1, 2, 3, 4, 5, 6, 7, 8},
			packed: []byte{
				0xff, 1, 2, 3, 4, 5, 6, 7, 8, 0x00,
			},
		},
		{
			name: "verbatim run",
			flat: []byte{
				1, 2, 3, 4, 5, 6, 7, 8,
				11, 12, 13, 14, 15, 16, 17, 18,
			},
			packed: []byte{
				0xff, 1, 2, 3, 4, 5, 6, 7, 8, 0x01,
				11, 12, 13, 14, 15, 16, 17, 18,
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Pack(nil, tc.flat)
			if !bytes.Equal(got, tc.packed) {
				t.Errorf("Pack = % x, want % x", got, tc.packed)
			}
			back, err := Unpack(nil, tc.packed)
			if err != nil {
				t.Fatalf("Unpack: %v", err)
			}
			if !bytes.Equal(back, tc.flat) {
				t.Errorf("Unpack = % x, want % x", back, tc.flat)
			}
		})
	}
}

func TestUnpackRejectsTruncated(t *testing.T) {
	tests := [][]byte{
		{0x00},                            // zero tag without count
		{0xff},                            // literal tag without word
		{0xff, 1, 2, 3},                   // literal word cut short
		{0xff, 1, 2, 3, 4, 5, 6, 7, 8},    // missing run count
		{0xff, 1, 2, 3, 4, 5, 6, 7, 8, 2}, // missing run words
		{0x51, 8},                         // sparse word cut short
	}
	for _, src := range tests {
		if _, err := Unpack(nil, src); err == nil {
			t.Errorf("Unpack(% x) succeeded", src)
		}
	}
}

func FuzzPackRoundTrip(f *testing.F) {
	f.Add([]byte{})
	f.Add(make([]byte, 64))
	f.Add([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	f.Add([]byte{0, 1, 0, 2, 0, 3, 0, 4, 9, 9, 9, 9, 9, 9, 9, 9})

	f.Fuzz(func(t *testing.T, data []byte) {
		data = data[:len(data)/8*8]
		packed := Pack(nil, data)
		back, err := Unpack(nil, packed)
		if err != nil {
			t.Fatalf("Unpack(Pack(x)): %v", err)
		}
		if !bytes.Equal(back, data) {
			t.Fatalf("round trip mismatch: in % x, out % x", data, back)
		}
	})
}

func FuzzUnpackNeverPanics(f *testing.F) {
	f.Add([]byte{0x00, 0x05})
	f.Add([]byte{0xff, 1, 2, 3, 4, 5, 6, 7, 8, 0x00})
	f.Fuzz(func(t *testing.T, data []byte) {
		// Arbitrary bytes may fail to unpack but must never panic.
		_, _ = Unpack(nil, data)
	})
}
