package tds

import (
	"encoding/binary"
	"testing"
)

func TestPLPTextDecoderHandlesSplitSurrogatePair(t *testing.T) {
	// U+1F600 GRINNING FACE as a UTF-16LE surrogate pair: D83D DE00.
	full := []byte{0x3D, 0xD8, 0x00, 0xDE}

	dec := newPLPTextDecoder()
	// Split mid code-unit: first byte of the high surrogate alone.
	if err := dec.feed(full[:1], false); err != nil {
		t.Fatalf("feed chunk 1: %v", err)
	}
	if err := dec.feed(full[1:3], false); err != nil {
		t.Fatalf("feed chunk 2: %v", err)
	}
	if err := dec.feed(full[3:], false); err != nil {
		t.Fatalf("feed chunk 3: %v", err)
	}
	if err := dec.feed(nil, true); err != nil {
		t.Fatalf("final feed: %v", err)
	}

	got := dec.string()
	want := "\U0001F600"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestPLPTextDecoderPlainASCII(t *testing.T) {
	dec := newPLPTextDecoder()
	for _, r := range "hello" {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(r))
		if err := dec.feed(b, false); err != nil {
			t.Fatalf("feed: %v", err)
		}
	}
	if err := dec.feed(nil, true); err != nil {
		t.Fatalf("final feed: %v", err)
	}
	if got := dec.string(); got != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestReadPLPOrLongDecodesMultiChunkNVarCharMax(t *testing.T) {
	col := Column{Type: TypeNVarChar} // NVARCHAR(MAX): falls into the PLP text branch

	var buf []byte
	buf = binary.LittleEndian.AppendUint64(buf, 10) // total length, unused by the reader
	write := func(s string) {
		chunk := stringToUCS2(s)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(chunk)))
		buf = append(buf, chunk...)
	}
	write("hello ")
	write("world")
	buf = binary.LittleEndian.AppendUint32(buf, 0) // terminating zero-length chunk

	c := &cursor{data: buf}
	got, err := readPLPOrLong(c, col)
	if err != nil {
		t.Fatalf("readPLPOrLong: %v", err)
	}
	if got != "hello world" {
		t.Fatalf("got %q, want %q", got, "hello world")
	}
}
