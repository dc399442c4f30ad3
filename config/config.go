// Package config holds the tunables of a collector and loads them from YAML
// files and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"
)

// Size is a byte quantity. In YAML it may be written as a plain number of
// bytes or with a unit, like "64MB".
type Size uint64

// String formats the size with a binary unit.
func (s Size) String() string {
	return bytesize.ByteSize(s).String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n uint64
	if err := unmarshal(&n); err == nil {
		*s = Size(n)
		return nil
	}
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	v, err := ParseSize(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Size) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// ParseSize parses a byte quantity such as "512KB" or "1048576".
func ParseSize(str string) (Size, error) {
	str = strings.TrimSpace(str)
	if n, err := strconv.ParseUint(str, 10, 64); err == nil {
		return Size(n), nil
	}
	b, err := bytesize.Parse(str)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", str, err)
	}
	return Size(b), nil
}

// Encoding names of the tagged pointer layout used by the lock-free work
// stacks.
const (
	EncodingHigh = "high"
	EncodingLow  = "low"
)

// Backoff configures how an idle mark worker waits for work: it spins for
// SpinIterations rounds, then yields the processor for YieldIterations rounds
// and sleeps for Sleep after that.
type Backoff struct {
	SpinIterations  int           `yaml:"spin"`
	YieldIterations int           `yaml:"yield"`
	Sleep           time.Duration `yaml:"sleep"`
}

// Debug are the debugging switches, also settable through GCDEBUG.
type Debug struct {
	// Trace prints one line per collection when > 0, and a heap map after
	// every collection when > 1.
	Trace int `yaml:"gctrace"`

	// Mark re-walks the heap serially after every parallel mark and fails
	// when it finds a reachable object that is not marked.
	Mark bool `yaml:"gcdebugmark"`

	// Poison overwrites freed objects with a recognisable pattern.
	Poison bool `yaml:"poison"`
}

// Config are the tunables of one collector.
type Config struct {
	// Arena is the size of the reserved heap arena. It must be a multiple
	// of 64KB.
	Arena Size `yaml:"arena"`

	// Static is the size of the non-collected region that holds task
	// stacks, finalizer queue arguments and root tables.
	Static Size `yaml:"static"`

	// MinHeap is the smallest heap size that triggers a collection.
	MinHeap Size `yaml:"minHeap"`

	// Percent is the growth percentage that triggers the next collection,
	// like GOGC. A negative value disables the collector.
	Percent int `yaml:"percent"`

	// Workers is the number of mark and sweep workers, including the
	// goroutine that started the collection.
	Workers int `yaml:"workers"`

	// StackSegment is the size of one task stack segment.
	StackSegment Size `yaml:"stackSegment"`

	// Encoding selects the tagged pointer encoding of the work stacks,
	// "high" or "low".
	Encoding string `yaml:"lfstack"`

	// HandoffThreshold is the number of objects a worker must hold before
	// it gives half of them to idle workers.
	HandoffThreshold int `yaml:"handoff"`

	Backoff Backoff `yaml:"backoff"`
	Debug   Debug   `yaml:"debug"`

	// Trace receives gctrace output. It defaults to os.Stderr.
	Trace io.Writer `yaml:"-"`
}

// MaxWorkers is the upper bound on Config.Workers.
const MaxWorkers = 32

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Arena:            64 << 20,
		Static:           1 << 20,
		MinHeap:          4 << 20,
		Percent:          100,
		Workers:          1,
		StackSegment:     4 << 10,
		Encoding:         EncodingHigh,
		HandoffThreshold: 4,
		Backoff: Backoff{
			SpinIterations:  10,
			YieldIterations: 10,
			Sleep:           100 * time.Microsecond,
		},
	}
}

var (
	errArena   = errors.New("arena must be a non-zero multiple of 64KB")
	errStatic  = errors.New("static region must be a non-zero multiple of 4KB")
	errWorkers = fmt.Errorf("workers must be between 1 and %d", MaxWorkers)
)

// Validate checks the configuration for values the collector cannot run
// with.
func (c *Config) Validate() error {
	if c.Arena == 0 || c.Arena%(64<<10) != 0 {
		return fmt.Errorf("config: arena %v: %w", c.Arena, errArena)
	}
	if c.Static == 0 || c.Static%(4<<10) != 0 {
		return fmt.Errorf("config: static %v: %w", c.Static, errStatic)
	}
	if c.Workers < 1 || c.Workers > MaxWorkers {
		return fmt.Errorf("config: %d workers: %w", c.Workers, errWorkers)
	}
	if c.StackSegment < 64 || c.StackSegment%8 != 0 || c.StackSegment > c.Static {
		return fmt.Errorf("config: invalid stack segment size %v", c.StackSegment)
	}
	switch c.Encoding {
	case EncodingHigh, EncodingLow:
	default:
		return fmt.Errorf("config: unknown lfstack encoding %q", c.Encoding)
	}
	if c.HandoffThreshold < 1 {
		return fmt.Errorf("config: handoff threshold must be positive, got %d", c.HandoffThreshold)
	}
	if c.Backoff.SpinIterations < 0 || c.Backoff.YieldIterations < 0 || c.Backoff.Sleep < 0 {
		return errors.New("config: backoff values must not be negative")
	}
	return nil
}

// Load reads a YAML configuration file. Fields missing from the file keep
// their default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse parses a YAML configuration on top of the defaults.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Marshal returns the YAML form of the configuration.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// ApplyEnv applies the GOGC and GCDEBUG environment variables, as returned
// by getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if s := getenv("GOGC"); s != "" {
		p, err := ParsePercent(s)
		if err != nil {
			return fmt.Errorf("GOGC: %w", err)
		}
		c.Percent = p
	}
	if s := getenv("GCDEBUG"); s != "" {
		if err := c.ParseDebug(s); err != nil {
			return fmt.Errorf("GCDEBUG: %w", err)
		}
	}
	return c.Validate()
}

// ParsePercent parses a GOGC value: a percentage or "off".
func ParsePercent(s string) (int, error) {
	if s == "off" {
		return -1, nil
	}
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid percentage %q", s)
	}
	return p, nil
}

// ParseDebug applies a list of key=value debug options. The list is split
// like a shell command line, so both "gctrace=1 poison=1" and
// "gctrace=1,poison=1" are accepted.
func (c *Config) ParseDebug(s string) error {
	fields, err := shlex.Split(strings.ReplaceAll(s, ",", " "))
	if err != nil {
		return err
	}
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return fmt.Errorf("option %q is not of the form key=value", field)
		}
		switch key {
		case "gctrace":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("gctrace: %w", err)
			}
			c.Debug.Trace = n
		case "gcdebugmark", "poison":
			b, err := parseBool(value)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			if key == "poison" {
				c.Debug.Poison = b
			} else {
				c.Debug.Mark = b
			}
		case "workers":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("workers: %w", err)
			}
			c.Workers = n
		case "lfstack":
			c.Encoding = value
		case "minheap":
			n, err := ParseSize(value)
			if err != nil {
				return fmt.Errorf("minheap: %w", err)
			}
			c.MinHeap = n
		default:
			return fmt.Errorf("unknown option %q", key)
		}
	}
	return nil
}

func parseBool(s string) (bool, error) {
	switch s {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return strconv.ParseBool(s)
}
