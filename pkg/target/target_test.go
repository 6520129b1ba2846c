package target

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func newBacking(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backing.img")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xff}, size), 0600); err != nil {
		t.Fatalf("failed to create backing file: %v", err)
	}
	return path
}

func TestFileWritesSequentially(t *testing.T) {
	path := newBacking(t, 8192)

	tgt, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if tgt.Size() != 8192 {
		t.Errorf("Size() = %d, want 8192", tgt.Size())
	}

	for _, chunk := range [][]byte{make([]byte, 4096), bytes.Repeat([]byte{7}, 100)} {
		if _, err := tgt.Write(chunk); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := tgt.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if err := tgt.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(got) != 8192 {
		t.Fatalf("file length changed to %d", len(got))
	}
	if !bytes.Equal(got[:4096], make([]byte, 4096)) {
		t.Error("first block not zeroed")
	}
	if got[4096] != 7 || got[4195] != 7 || got[4196] != 0xff {
		t.Error("second write landed in the wrong place")
	}
}

func TestFileRefusesWritePastEnd(t *testing.T) {
	tgt, err := OpenFile(newBacking(t, 4096))
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer tgt.Close()

	if _, err := tgt.Write(make([]byte, 4000)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := tgt.Write(make([]byte, 97)); err == nil {
		t.Error("expected write past end to fail")
	}
}

func TestFileCloseRunsHook(t *testing.T) {
	tgt, err := OpenFile(newBacking(t, 512))
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}

	calls := 0
	tgt.OnClose(func() error {
		calls++
		return nil
	})
	if err := tgt.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("hook ran %d times, want 1", calls)
	}
}

func TestFileImplementsWriteTarget(t *testing.T) {
	var _ WriteTarget = (*File)(nil)
}
