// Command gcstress builds synthetic heaps with concurrent mutators, runs
// collections over them and reports what the collector did.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/inhies/go-bytesize"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/tinygo-org/parallelgc/config"
	"github.com/tinygo-org/parallelgc/debug"
	"github.com/tinygo-org/parallelgc/diagnostics"
	"github.com/tinygo-org/parallelgc/gc"
	"github.com/tinygo-org/parallelgc/internal/gclayout"
)

type options struct {
	configPath string
	workers    int
	tasks      int
	rounds     int
	objects    int
	live       int
	maxSize    config.Size
	gcdebug    string
	dump       string
	seed       uint64
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: gcstress [flags]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Builds synthetic heaps with concurrent mutators and collects them.")
	fmt.Fprintln(os.Stderr, "The GOGC and GCDEBUG environment variables apply on top of the configuration.")
	fmt.Fprintln(os.Stderr)
	flag.PrintDefaults()
}

func main() {
	var opts options
	var maxSize, color string
	flag.Usage = usage
	flag.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	flag.IntVar(&opts.workers, "workers", 0, "number of mark and sweep workers, overriding the configuration")
	flag.IntVar(&opts.tasks, "tasks", 4, "number of concurrent mutators")
	flag.IntVar(&opts.rounds, "rounds", 10, "rounds per mutator, each followed by a collection")
	flag.IntVar(&opts.objects, "objects", 10000, "objects allocated per round and mutator")
	flag.IntVar(&opts.live, "live", 1000, "objects each mutator keeps reachable")
	flag.StringVar(&maxSize, "maxsize", "512B", "size of the largest object")
	flag.StringVar(&opts.gcdebug, "gcdebug", "", "debug options, as in GCDEBUG")
	flag.StringVar(&opts.dump, "dump", "", "write a heap dump to this file at the end")
	flag.Uint64Var(&opts.seed, "seed", uint64(time.Now().UnixNano()), "random seed")
	flag.StringVar(&color, "color", "auto", "colorize errors: auto, always or never")
	flag.Parse()
	if flag.NArg() != 0 {
		usage()
		os.Exit(2)
	}

	stderr := colorable.NewColorableStderr()
	useColor := false
	switch color {
	case "always":
		useColor = true
	case "never":
	case "auto":
		fd := os.Stderr.Fd()
		useColor = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	default:
		fmt.Fprintf(os.Stderr, "invalid -color value %q\n", color)
		os.Exit(2)
	}

	var err error
	opts.maxSize, err = config.ParseSize(maxSize)
	if err == nil {
		var runErr error
		err = diagnostics.Recover(func() {
			runErr = run(&opts, os.Stdout)
		})
		if err == nil {
			err = runErr
		}
	}
	if err != nil {
		diagnostics.CreateDiagnostics(err).WriteTo(stderr, useColor)
		os.Exit(1)
	}
}

func loadConfig(opts *options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if opts.gcdebug != "" {
		if err := cfg.ParseDebug(opts.gcdebug); err != nil {
			return nil, fmt.Errorf("config: -gcdebug: %w", err)
		}
	}
	if opts.workers != 0 {
		cfg.Workers = opts.workers
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(opts *options, out io.Writer) error {
	if opts.tasks < 1 || opts.live < 1 || opts.maxSize < config.Size(8) {
		return errors.New("-tasks, -live and -maxsize must be positive")
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	cfg.Trace = out
	c, err := gc.New(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	start := time.Now()
	keep := make([]uintptr, opts.tasks)
	errs := make([]error, opts.tasks)
	var wg sync.WaitGroup
	for i := 0; i < opts.tasks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keep[i], errs[i] = mutate(c, opts, uint64(i))
		}()
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return err
	}
	elapsed := time.Since(start)

	c.GC()
	if err := verify(c, opts, keep); err != nil {
		return err
	}

	var m gc.MemStats
	c.ReadMemStats(&m)
	fmt.Fprintf(out, "%d mutators, %d workers: %d objects (%s) allocated in %v\n",
		opts.tasks, cfg.Workers, m.Mallocs, bytesize.ByteSize(m.TotalAlloc), elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "%d collections, total pause %v, %d objects (%s) live\n",
		m.NumGC, time.Duration(m.PauseTotalNs), m.HeapObjects, bytesize.ByteSize(m.HeapAlloc))
	fmt.Fprintf(out, "%d handoffs (%d objects), %d steals (%d iterations), %d/%d/%d yields\n",
		m.Handoffs, m.HandoffObjs, m.Steals, m.StealIters, m.ProcYields, m.OSYields, m.Sleeps)

	if opts.dump != "" {
		return writeDump(c, opts.dump)
	}
	return nil
}

// mutate runs one mutator. It keeps an array of live objects on its task
// stack and replaces random entries of it with new objects, which point
// to other random live objects. It returns the address of the array.
func mutate(c *gc.Collector, opts *options, id uint64) (uintptr, error) {
	const wordSize = 8
	rng := rand.New(rand.NewPCG(opts.seed, id))
	tk := c.NewTask()
	// The task stays alive: its stack keeps the array reachable until the
	// collector is closed.
	live := uintptr(opts.live)
	arrayType := gclayout.ArrayOf(live, gclayout.Pointer)
	array, err := c.AllocOn(tk, live*wordSize, arrayType)
	if err != nil {
		return 0, err
	}
	for r := 0; r < opts.rounds; r++ {
		for i := 0; i < opts.objects; i++ {
			size := uintptr(rng.IntN(int(opts.maxSize)/wordSize)+1) * wordSize
			p, err := c.AllocOn(tk, size, nil)
			if err != nil {
				return 0, err
			}
			c.Store(p, c.Load(array+uintptr(rng.IntN(opts.live))*wordSize))
			c.Store(array+uintptr(rng.IntN(opts.live))*wordSize, p)
			if _, err := tk.Pop(); err != nil {
				return 0, err
			}
		}
		c.Collect(false)
	}
	return array, nil
}

// verify checks that everything reachable from the arrays survived.
func verify(c *gc.Collector, opts *options, arrays []uintptr) error {
	snap := c.Snapshot()
	seen := make(map[uintptr]bool)
	var queue []uintptr
	for _, a := range arrays {
		for i := 0; i < opts.live; i++ {
			if p := c.Load(a + uintptr(i)*8); p != 0 {
				queue = append(queue, p)
			}
		}
	}
	for len(queue) > 0 {
		p := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if seen[p] {
			continue
		}
		seen[p] = true
		if !snap.Allocated(p) {
			return fmt.Errorf("reachable object %#x was freed", p)
		}
		if next := c.Load(p); next != 0 {
			queue = append(queue, next)
		}
	}
	return nil
}

func writeDump(c *gc.Collector, path string) error {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return err
	}
	if !locked {
		return fmt.Errorf("%s is being written by another process", path)
	}
	defer lock.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := debug.WriteHeapDump(c, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
