package capwire

import (
	"testing"
)

func buildTestMessage(t *testing.T, arena Arena) *Message {
	t.Helper()
	m, err := NewMessage(arena)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	root, err := NewRootStruct(m, ObjectSize{DataWords: 2, PointerCount: 2})
	if err != nil {
		t.Fatalf("NewRootStruct: %v", err)
	}
	root.SetUint32(0, 0xdeadbeef)
	root.SetInt64(8, -12345)
	if err := root.SetText(0, "hello world"); err != nil {
		t.Fatalf("SetText: %v", err)
	}

	tl, err := NewTextList(root.Segment(), 3)
	if err != nil {
		t.Fatalf("NewTextList: %v", err)
	}
	for i, s := range []string{"alpha", "", "gamma"} {
		if err := tl.Set(i, s); err != nil {
			t.Fatalf("TextList.Set(%d): %v", i, err)
		}
	}
	if err := root.SetPtr(1, tl.ToPtr()); err != nil {
		t.Fatalf("SetPtr: %v", err)
	}
	return m
}

func checkTestMessage(t *testing.T, m *Message) {
	t.Helper()
	root, err := m.RootStruct()
	if err != nil {
		t.Fatalf("RootStruct: %v", err)
	}
	if !root.IsValid() {
		t.Fatal("root is invalid")
	}
	if got := root.Uint32(0); got != 0xdeadbeef {
		t.Errorf("Uint32(0) = %#x, want 0xdeadbeef", got)
	}
	if got := root.Int64(8); got != -12345 {
		t.Errorf("Int64(8) = %d, want -12345", got)
	}
	text, err := root.Text(0)
	if err != nil {
		t.Fatalf("Text(0): %v", err)
	}
	if text != "hello world" {
		t.Errorf("Text(0) = %q, want %q", text, "hello world")
	}

	p, err := root.Ptr(1)
	if err != nil {
		t.Fatalf("Ptr(1): %v", err)
	}
	tl := p.TextList()
	if tl.Len() != 3 {
		t.Fatalf("text list length = %d, want 3", tl.Len())
	}
	want := []string{"alpha", "", "gamma"}
	for i, w := range want {
		got, err := tl.At(i)
		if err != nil {
			t.Fatalf("TextList.At(%d): %v", i, err)
		}
		if got != w {
			t.Errorf("TextList.At(%d) = %q, want %q", i, got, w)
		}
	}
}

func TestBuildAndReadSingleSegment(t *testing.T) {
	m := buildTestMessage(t, SingleSegment(nil))
	checkTestMessage(t, m)
}

func TestBuildAndReadMultiSegment(t *testing.T) {
	// A tiny nominal segment size forces cross-segment allocations and
	// therefore far pointers.
	m := buildTestMessage(t, MultiSegment(2))
	if m.NumSegments() < 2 {
		t.Fatalf("expected multiple segments, got %d", m.NumSegments())
	}
	checkTestMessage(t, m)
}

func TestReadMessageBorrowsSegments(t *testing.T) {
	m := buildTestMessage(t, SingleSegment(nil))
	segs, err := m.Segments()
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}

	r, err := ReadMessage(segs, Limits{})
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	checkTestMessage(t, r)
}

func TestDefaultValuesForUnwrittenFields(t *testing.T) {
	m, err := NewMessage(SingleSegment(nil))
	if err != nil {
		t.Fatal(err)
	}
	// One data word, no pointers: everything past it is unwritten.
	root, err := NewRootStruct(m, ObjectSize{DataWords: 1})
	if err != nil {
		t.Fatal(err)
	}

	if got := root.Uint64(8); got != 0 {
		t.Errorf("out-of-range Uint64 = %d, want 0", got)
	}
	if got := root.Uint8(100); got != 0 {
		t.Errorf("out-of-range Uint8 = %d, want 0", got)
	}
	if root.Bit(64) {
		t.Error("out-of-range Bit = true, want false")
	}
	if got := root.Uint32Default(8, 77); got != 77 {
		t.Errorf("masked out-of-range Uint32 = %d, want default 77", got)
	}
	if got := root.Uint64Default(8, 0xabcdef); got != 0xabcdef {
		t.Errorf("masked out-of-range Uint64 = %#x, want default", got)
	}
	if !root.BitDefault(64, true) {
		t.Error("masked out-of-range Bit = false, want default true")
	}

	p, err := root.Ptr(0)
	if err != nil {
		t.Fatalf("out-of-range Ptr: %v", err)
	}
	if p.IsValid() {
		t.Error("out-of-range pointer is valid, want null")
	}
	text, err := root.TextDefault(0, "fallback")
	if err != nil {
		t.Fatal(err)
	}
	if text != "fallback" {
		t.Errorf("TextDefault = %q, want %q", text, "fallback")
	}
}

func TestXorDefaultRoundTrip(t *testing.T) {
	m, _ := NewMessage(SingleSegment(nil))
	root, err := NewRootStruct(m, ObjectSize{DataWords: 1})
	if err != nil {
		t.Fatal(err)
	}

	// Writing the default value stores zero bits; reading them back
	// through the mask recovers the default.
	root.SetUint32Default(0, 99, 99)
	if got := root.Uint32(0); got != 0 {
		t.Errorf("stored bits = %#x, want 0", got)
	}
	if got := root.Uint32Default(0, 99); got != 99 {
		t.Errorf("masked read = %d, want 99", got)
	}

	root.SetUint32Default(0, 100, 99)
	if got := root.Uint32Default(0, 99); got != 100 {
		t.Errorf("masked read = %d, want 100", got)
	}
}

func TestCompositeList(t *testing.T) {
	m, _ := NewMessage(SingleSegment(nil))
	root, err := NewRootStruct(m, ObjectSize{PointerCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	sz := ObjectSize{DataWords: 1, PointerCount: 1}
	cl, err := NewCompositeList(root.Segment(), sz, 4)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		el, err := cl.Struct(i)
		if err != nil {
			t.Fatalf("Struct(%d): %v", i, err)
		}
		el.SetUint64(0, uint64(i)*10)
	}
	if err := root.SetPtr(0, cl.ToPtr()); err != nil {
		t.Fatal(err)
	}

	p, err := root.Ptr(0)
	if err != nil {
		t.Fatal(err)
	}
	got := p.List()
	if got.Len() != 4 {
		t.Fatalf("Len = %d, want 4", got.Len())
	}
	if got.ElemSize() != ElemSizeComposite {
		t.Fatalf("ElemSize = %d, want composite", got.ElemSize())
	}
	for i := 0; i < 4; i++ {
		el, err := got.Struct(i)
		if err != nil {
			t.Fatalf("Struct(%d): %v", i, err)
		}
		if v := el.Uint64(0); v != uint64(i)*10 {
			t.Errorf("element %d = %d, want %d", i, v, i*10)
		}
	}
	if _, err := got.Struct(4); err == nil {
		t.Error("Struct(4) succeeded past the element count")
	}
}

func TestScalarLists(t *testing.T) {
	m, _ := NewMessage(SingleSegment(nil))
	root, err := NewRootStruct(m, ObjectSize{PointerCount: 2})
	if err != nil {
		t.Fatal(err)
	}

	nums, err := NewList(root.Segment(), ElemSize4Byte, 5)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := nums.SetUint32(i, uint32(i*i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := root.SetPtr(0, nums.ToPtr()); err != nil {
		t.Fatal(err)
	}

	bits, err := NewList(root.Segment(), ElemSizeBit, 10)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i += 3 {
		if err := bits.SetBit(i, true); err != nil {
			t.Fatal(err)
		}
	}
	if err := root.SetPtr(1, bits.ToPtr()); err != nil {
		t.Fatal(err)
	}

	p, _ := root.Ptr(0)
	rl := p.List()
	for i := 0; i < 5; i++ {
		v, err := rl.Uint32(i)
		if err != nil {
			t.Fatal(err)
		}
		if v != uint32(i*i) {
			t.Errorf("nums[%d] = %d, want %d", i, v, i*i)
		}
	}
	if _, err := rl.Uint32(5); err == nil {
		t.Error("read past list bounds succeeded")
	}
	if _, err := rl.Uint64(0); err == nil {
		t.Error("mismatched element class accepted")
	}

	p, _ = root.Ptr(1)
	bl := p.List()
	for i := 0; i < 10; i++ {
		v, err := bl.Bit(i)
		if err != nil {
			t.Fatal(err)
		}
		if v != (i%3 == 0) {
			t.Errorf("bits[%d] = %v, want %v", i, v, i%3 == 0)
		}
	}
}

func TestDataBlob(t *testing.T) {
	m, _ := NewMessage(SingleSegment(nil))
	root, err := NewRootStruct(m, ObjectSize{PointerCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte{0, 1, 2, 255, 4}
	if err := root.SetData(0, payload); err != nil {
		t.Fatal(err)
	}
	p, err := root.Ptr(0)
	if err != nil {
		t.Fatal(err)
	}
	got := p.Data()
	if len(got) != len(payload) {
		t.Fatalf("Data length = %d, want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Errorf("Data[%d] = %d, want %d", i, got[i], payload[i])
		}
	}
}

func TestReinitOrphansOldPointer(t *testing.T) {
	m, _ := NewMessage(SingleSegment(nil))
	root, err := NewRootStruct(m, ObjectSize{PointerCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := root.SetText(0, "first"); err != nil {
		t.Fatal(err)
	}
	if err := root.SetText(0, "second"); err != nil {
		t.Fatal(err)
	}
	text, err := root.Text(0)
	if err != nil {
		t.Fatal(err)
	}
	if text != "second" {
		t.Errorf("Text = %q, want %q", text, "second")
	}
}

func TestZeroSizedStructIsNotNull(t *testing.T) {
	m, _ := NewMessage(SingleSegment(nil))
	root, err := NewRootStruct(m, ObjectSize{PointerCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	empty, err := NewStruct(root.Segment(), ObjectSize{})
	if err != nil {
		t.Fatal(err)
	}
	if err := root.SetPtr(0, empty.ToPtr()); err != nil {
		t.Fatal(err)
	}
	p, err := root.Ptr(0)
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsValid() || !p.IsStruct() {
		t.Error("zero-sized struct read back as null")
	}
}
