package compress

import (
	"bytes"
	"testing"
)

func TestCompressRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte("a"),
		bytes.Repeat([]byte("entity"), 500),
		{0xFF, 0x00, 0x10, 0x7F},
	}
	for _, in := range cases {
		c, err := Compress(in)
		if err != nil {
			t.Fatalf("Compress: %v", err)
		}
		out, err := Decompress(c, 16384)
		if err != nil {
			t.Fatalf("Decompress: %v", err)
		}
		if !bytes.Equal(in, out) {
			t.Fatalf("round trip mismatch for %d bytes", len(in))
		}
	}
}

func TestDecompressRespectsLimit(t *testing.T) {
	c, err := Compress(bytes.Repeat([]byte{1}, 20000))
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if _, err := Decompress(c, 16384); err == nil {
		t.Fatal("expected error for output over the limit")
	}
}

func TestDecompressRejectsGarbage(t *testing.T) {
	if _, err := Decompress(nil, 16384); err == nil {
		t.Fatal("expected error for empty input")
	}
	if _, err := Decompress([]byte{0xF0, 0x01}, 16384); err == nil {
		t.Fatal("expected error for corrupt input")
	}
}
