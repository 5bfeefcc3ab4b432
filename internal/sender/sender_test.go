package sender

import (
	"bytes"
	"testing"
)

type fakeConn struct {
	buf bytes.Buffer
}

func (f *fakeConn) WriteInt32(v int32) error {
	var b [4]byte
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	f.buf.Write(b[:])
	return nil
}

func (f *fakeConn) WriteString(s string) error {
	f.buf.WriteString(s)
	return nil
}

func TestLiteralWriterChunksAtMaxBurst(t *testing.T) {
	fc := &fakeConn{}
	w := &literalWriter{conn: fc}

	data := bytes.Repeat([]byte{'x'}, maxLiteralBurst+100)
	if err := w.Literal(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	// One full 8KiB chunk auto-flushed during Literal, then a 100-byte
	// remainder flushed explicitly: two length-prefixed chunks.
	b := fc.buf.Bytes()
	if len(b) < 8 {
		t.Fatalf("output too short: %d bytes", len(b))
	}
	firstLen := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
	if firstLen != maxLiteralBurst {
		t.Fatalf("first chunk length = %d, want %d", firstLen, maxLiteralBurst)
	}
	rest := b[4+maxLiteralBurst:]
	secondLen := int32(rest[0]) | int32(rest[1])<<8 | int32(rest[2])<<16 | int32(rest[3])<<24
	if secondLen != 100 {
		t.Fatalf("second chunk length = %d, want 100", secondLen)
	}
}

func TestLiteralWriterMatchEncodesNegativeToken(t *testing.T) {
	fc := &fakeConn{}
	w := &literalWriter{conn: fc}

	if err := w.Literal([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := w.Match(4); err != nil {
		t.Fatal(err)
	}

	b := fc.buf.Bytes()
	// First the pending "abc" literal (length 3 + bytes), then the
	// match token -(4+1) = -5 as a little-endian int32.
	litLen := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
	if litLen != 3 {
		t.Fatalf("literal length = %d, want 3", litLen)
	}
	tokenBytes := b[4+3:]
	token := int32(tokenBytes[0]) | int32(tokenBytes[1])<<8 | int32(tokenBytes[2])<<16 | int32(tokenBytes[3])<<24
	if token != -5 {
		t.Fatalf("match token = %d, want -5", token)
	}
}

func TestTruncatedEqual(t *testing.T) {
	full := []byte{1, 2, 3, 4, 5, 6}
	if !truncatedEqual(full, full[:4]) {
		t.Fatal("expected prefix match to succeed")
	}
	if truncatedEqual(full, []byte{1, 2, 3, 9}) {
		t.Fatal("expected mismatched prefix to fail")
	}
	if truncatedEqual([]byte{1}, full) {
		t.Fatal("truncated longer than full must fail")
	}
}
