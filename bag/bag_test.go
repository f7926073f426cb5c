package bag

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.bag")

	w, err := Create(path, 64)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.Record(1001, []byte("hello"), nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := w.Record(1002, []byte("world"), []byte{1, 2, 3}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if stats := w.Stats(); stats[1001] != 1 || stats[1002] != 1 {
		t.Fatalf("unexpected stats: %v", stats)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if r.Header().BufWidth != 64 {
		t.Fatalf("expected bufWidth 64, got %d", r.Header().BufWidth)
	}

	f1, err := r.Next()
	if err != nil {
		t.Fatalf("Next (1): %v", err)
	}
	if f1.Tag != 1001 || !bytes.Equal(f1.Msg, []byte("hello")) || len(f1.Attachment) != 0 {
		t.Fatalf("unexpected first frame: %+v", f1)
	}

	f2, err := r.Next()
	if err != nil {
		t.Fatalf("Next (2): %v", err)
	}
	if f2.Tag != 1002 || !bytes.Equal(f2.Msg, []byte("world")) || !bytes.Equal(f2.Attachment, []byte{1, 2, 3}) {
		t.Fatalf("unexpected second frame: %+v", f2)
	}
	if f2.RelativeNanos < f1.RelativeNanos {
		t.Fatalf("expected monotonically increasing relative timestamps")
	}

	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF at end of bag, got %v", err)
	}
	if !r.EOF() {
		t.Fatalf("expected EOF() true after clean end of file")
	}
}

func TestOpenRejectsNonBagFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-bag.txt")
	if err := os.WriteFile(path, []byte("not a bag file at all"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Open(path); err == nil {
		t.Fatalf("expected Open to reject a non-bag file")
	}
}
