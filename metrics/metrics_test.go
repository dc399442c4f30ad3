package metrics

import (
	"strings"
	"testing"

	"github.com/tinygo-org/parallelgc/config"
	"github.com/tinygo-org/parallelgc/gc"
)

func TestAllNames(t *testing.T) {
	seen := make(map[string]bool)
	for _, d := range All() {
		if !strings.HasPrefix(d.Name, "/") || strings.Count(d.Name, ":") != 1 {
			t.Errorf("metric name %q is not of the form /path:unit", d.Name)
		}
		if seen[d.Name] {
			t.Errorf("metric %q listed twice", d.Name)
		}
		seen[d.Name] = true
		if d.Kind == KindBad {
			t.Errorf("metric %q has no kind", d.Name)
		}
	}
}

func TestRead(t *testing.T) {
	cfg := config.Default()
	cfg.Arena = 256 << 10
	cfg.Static = 16 << 10
	c, err := gc.New(cfg)
	if err != nil {
		t.Fatalf("gc.New returned %v", err)
	}
	defer c.Close()
	for i := 0; i < 5; i++ {
		if _, err := c.AllocNoScan(64); err != nil {
			t.Fatalf("AllocNoScan returned %v", err)
		}
	}
	c.GC()
	c.GC()

	samples := []Sample{
		{Name: "/gc/cycles/total:gc-cycles"},
		{Name: "/gc/heap/allocs:objects"},
		{Name: "/gc/heap/frees:objects"},
		{Name: "/gc/heap/objects:objects"},
		{Name: "/gc/pauses:seconds"},
		{Name: "/gc/phases/mark:seconds"},
		{Name: "/no/such:metric"},
	}
	Read(c, samples)
	for i, want := range []uint64{2, 5, 5, 0} {
		if got := samples[i].Value.Uint64(); got != want {
			t.Errorf("%s = %d, want %d", samples[i].Name, got, want)
		}
	}
	h := samples[4].Value.Float64Histogram()
	var total uint64
	for _, n := range h.Counts {
		total += n
	}
	if total != 2 {
		t.Errorf("pause histogram holds %d pauses, want 2", total)
	}
	if s := samples[5].Value.Float64(); s < 0 {
		t.Errorf("mark phase took %v seconds", s)
	}
	if k := samples[6].Value.Kind(); k != KindBad {
		t.Errorf("unknown metric has kind %d, want KindBad", k)
	}
}
