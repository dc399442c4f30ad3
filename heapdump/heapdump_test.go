package heapdump

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/tinygo-org/parallelgc/config"
	"github.com/tinygo-org/parallelgc/gc"
)

func newHeap(t *testing.T) (*gc.Collector, []uintptr) {
	t.Helper()
	cfg := config.Default()
	cfg.Arena = 256 << 10
	cfg.Static = 16 << 10
	c, err := gc.New(cfg)
	if err != nil {
		t.Fatalf("gc.New returned %v", err)
	}
	t.Cleanup(func() { c.Close() })

	var objs []uintptr
	for i := 0; i < 10; i++ {
		p, err := c.Alloc(32, nil)
		if err != nil {
			t.Fatalf("Alloc returned %v", err)
		}
		c.Store(p, uintptr(1000+i))
		objs = append(objs, p)
	}
	return c, objs
}

func TestWriteRead(t *testing.T) {
	c, objs := newHeap(t)
	snap := c.Snapshot()
	var buf bytes.Buffer
	if err := Write(&buf, snap); err != nil {
		t.Fatalf("Write returned %v", err)
	}
	if !strings.Contains(buf.String(), "\n...\n:") {
		t.Errorf("dump has no Intel HEX image after the summary:\n%s", buf.String())
	}

	d, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read returned %v", err)
	}
	if d.Summary.Objects != 10 || len(d.Summary.Spans) != 1 {
		t.Errorf("summary has %d objects in %d spans, want 10 in 1", d.Summary.Objects, len(d.Summary.Spans))
	}
	if d.Summary.Base != uint64(snap.Base) {
		t.Errorf("summary base is %#x, want %#x", d.Summary.Base, snap.Base)
	}
	for i, p := range objs {
		off := uint64(p - snap.Base)
		if got := d.Word(off); got != uintptr(1000+i) {
			t.Errorf("word at %#x is %d, want %d", off, got, 1000+i)
		}
		if !d.Allocated(off) {
			t.Errorf("object at %#x is not allocated in the dump", off)
		}
		if d.Allocated(off + 8) {
			t.Errorf("second word of the object at %#x is allocated in the dump", off)
		}
	}
}

func TestReadCorrupt(t *testing.T) {
	c, _ := newHeap(t)
	var buf bytes.Buffer
	if err := Write(&buf, c.Snapshot()); err != nil {
		t.Fatalf("Write returned %v", err)
	}
	d, err := Read(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Read returned %v", err)
	}
	crc := d.Summary.ArenaCRC
	bad := strings.Replace(buf.String(),
		fmt.Sprintf("arenaCRC: %d\n", crc),
		fmt.Sprintf("arenaCRC: %d\n", crc+1), 1)
	if _, err := Read(strings.NewReader(bad)); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Read of a dump with a bad checksum returned %v, want %v", err, ErrCorrupt)
	}

	header := buf.String()[:strings.Index(buf.String(), "...")]
	if _, err := Read(strings.NewReader(header)); err == nil {
		t.Errorf("Read accepted a dump without an image")
	}
}
