package zerocopy

import (
	"bytes"
	"os"
	"testing"
)

// round-trips a handful of writes through a real pipe, exercising
// whichever backend this GOOS builds (the vmsplice/memfd fast path on
// Linux, the buffered *os.File fallback elsewhere) against the same
// Writer/Reader interfaces the driver and shim share.
func TestWriterReaderRoundTrip(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()

	writer, err := NewWriter(int(w.Fd()))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	reader, err := NewReader(int(r.Fd()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer reader.Close()

	chunks := [][]byte{
		[]byte("p cnf 2 2\n"),
		[]byte("e 1 0\n"),
		[]byte("a 2 0\n"),
	}

	done := make(chan error, 1)
	go func() {
		for _, c := range chunks {
			if _, err := writer.Write(c); err != nil {
				done <- err
				return
			}
		}
		done <- writer.Flush()
	}()

	var got bytes.Buffer
	for _, c := range chunks {
		b, err := reader.Read(len(c))
		if err != nil {
			t.Fatalf("Read(%d): %v", len(c), err)
		}
		got.Write(b)
	}

	if err := <-done; err != nil {
		t.Fatalf("writer goroutine: %v", err)
	}

	want := "p cnf 2 2\ne 1 0\na 2 0\n"
	if got.String() != want {
		t.Errorf("round-trip: got %q, want %q", got.String(), want)
	}

	if err := writer.Close(); err != nil {
		t.Errorf("writer.Close: %v", err)
	}
}

// PrepareWrite hands back a slice the caller fills in place; a Write call
// on that exact slice must not double-copy or otherwise corrupt the
// buffered data (spec §9 "first-class prepare/commit").
func TestPrepareWriteThenWriteSameSlice(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()

	writer, err := NewWriter(int(w.Fd()))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	reader, err := NewReader(int(r.Fd()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer reader.Close()

	payload := []byte("1 2 0\n")
	done := make(chan error, 1)
	go func() {
		dst, err := writer.PrepareWrite(len(payload))
		if err != nil {
			done <- err
			return
		}
		copy(dst, payload)
		if _, err := writer.Write(dst); err != nil {
			done <- err
			return
		}
		done <- writer.Flush()
	}()

	b, err := reader.Read(len(payload))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("writer goroutine: %v", err)
	}
	if !bytes.Equal(b, payload) {
		t.Errorf("got %q, want %q", b, payload)
	}

	if err := writer.Close(); err != nil {
		t.Errorf("writer.Close: %v", err)
	}
}
