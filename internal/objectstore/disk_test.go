package objectstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
)

func TestDiskPutGetDelete(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDisk(dir)
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	ctx := context.Background()

	data := []byte("dblock contents")
	if err := d.Put(ctx, "dblock/abc", bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r, err := d.Get(ctx, "dblock/abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer r.Close()
	got := make([]byte, len(data))
	if _, err := r.Read(got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("got %q, want %q", got, data)
	}

	if err := d.Delete(ctx, "dblock/abc"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := d.Get(ctx, "dblock/abc"); !errors.Is(err, ErrNotExist) {
		t.Errorf("Get after delete: got %v, want ErrNotExist", err)
	}
}

func TestDiskGetMissingReturnsErrNotExist(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDisk(dir)
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	if _, err := d.Get(context.Background(), "does/not/exist"); !errors.Is(err, ErrNotExist) {
		t.Errorf("got %v, want ErrNotExist", err)
	}
}

func TestDiskDeleteMissingIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDisk(dir)
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	if err := d.Delete(context.Background(), "ghost"); err != nil {
		t.Errorf("Delete of missing object: got %v, want nil", err)
	}
}

func TestDiskListByPrefix(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDisk(dir)
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	ctx := context.Background()
	for _, name := range []string{"dblock/a", "dblock/b", "dindex/a"} {
		if err := d.Put(ctx, name, bytes.NewReader([]byte("x")), 1); err != nil {
			t.Fatalf("Put(%s): %v", name, err)
		}
	}

	got, err := d.List(ctx, "dblock/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(got), got)
	}
}

func TestDiskPutRejectsMissingRoot(t *testing.T) {
	if _, err := NewDisk(os.TempDir() + "/does-not-exist-duplicati-test"); err == nil {
		t.Error("expected an error constructing a Disk backend over a missing root")
	}
}
