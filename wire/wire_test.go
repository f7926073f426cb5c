package wire

import (
	"bytes"
	"testing"

	"github.com/hmbdc-dev/tips/tipsmsg"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	var head tipsmsg.MessageHead
	head.TypeTag = 42
	head.SetSeq48(12345)
	body := []byte("hello")

	buf := make([]byte, FrameHeaderSize+tipsmsg.HeadSize+len(body))
	n := EncodeFrame(buf, FlagNone, head, body)
	if n != len(buf) {
		t.Fatalf("expected %d bytes written, got %d", len(buf), n)
	}

	flag, gotHead, gotBody, consumed, ok := DecodeFrame(buf)
	if !ok {
		t.Fatal("expected DecodeFrame to succeed")
	}
	if flag != FlagNone {
		t.Fatalf("expected flag %d, got %d", FlagNone, flag)
	}
	if consumed != n {
		t.Fatalf("expected consumed %d, got %d", n, consumed)
	}
	if gotHead.TypeTag != head.TypeTag || gotHead.Seq48() != head.Seq48() {
		t.Fatalf("head mismatch: got %+v want %+v", gotHead, head)
	}
	if !bytes.Equal(gotBody, body) {
		t.Fatalf("body mismatch: got %q want %q", gotBody, body)
	}
}

func TestDecodeFrameIncomplete(t *testing.T) {
	if _, _, _, _, ok := DecodeFrame([]byte{0, 1}); ok {
		t.Fatal("expected incomplete header to fail")
	}
	var head tipsmsg.MessageHead
	buf := make([]byte, FrameHeaderSize+tipsmsg.HeadSize+4)
	EncodeFrame(buf, FlagNone, head, []byte("abcd"))
	if _, _, _, _, ok := DecodeFrame(buf[:len(buf)-1]); ok {
		t.Fatal("expected truncated frame to fail")
	}
}

func TestPackDatagramStopsWhenFull(t *testing.T) {
	var head tipsmsg.MessageHead
	heads := []tipsmsg.MessageHead{head, head, head}
	bodies := [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cccc")}

	dst := make([]byte, FrameHeaderSize+tipsmsg.HeadSize+4+2)
	packed, written := PackDatagram(dst, heads, bodies)
	if packed != 1 {
		t.Fatalf("expected 1 message packed into an undersized buffer, got %d", packed)
	}
	if written != FrameHeaderSize+tipsmsg.HeadSize+4 {
		t.Fatalf("unexpected bytes written: %d", written)
	}
}
