// Package heapdump writes and reads copies of a collector heap.
//
// A dump is a YAML summary followed by an Intel HEX image of the heap
// bitmap and the used part of the arena. Addresses in the image are offsets
// from the start of the collector's reservation, so that they fit the
// 32-bit address space of the format.
package heapdump

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"unsafe"

	"github.com/marcinbor85/gohex"
	"github.com/sigurn/crc16"
	"gopkg.in/yaml.v2"

	"github.com/tinygo-org/parallelgc/gc"
)

const wordSize = unsafe.Sizeof(uintptr(0))

// Line separating the summary from the image.
const separator = "..."

var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// Summary describes the dumped heap.
type Summary struct {
	WordSize   int    `yaml:"wordSize"`
	Base       uint64 `yaml:"base"`
	ArenaStart uint64 `yaml:"arenaStart"` // offset from Base
	ArenaUsed  uint64 `yaml:"arenaUsed"`  // offset from Base
	BitmapAddr uint64 `yaml:"bitmapAddr"` // offset from Base
	BitmapSize uint64 `yaml:"bitmapSize"`
	BitmapCRC  uint16 `yaml:"bitmapCRC"`
	ArenaCRC   uint16 `yaml:"arenaCRC"`
	NumGC      uint32 `yaml:"numGC"`
	Objects    uint64 `yaml:"objects"`
	Spans      []Span `yaml:"spans"`
}

// Span describes one in-use span of the heap.
type Span struct {
	Offset    uint64 `yaml:"offset"` // from Base
	Pages     uint64 `yaml:"pages"`
	SizeClass uint8  `yaml:"class"`
	ElemSize  uint64 `yaml:"elemSize"`
	Objects   uint64 `yaml:"objects"`
	Allocated uint64 `yaml:"allocated"`
}

// A Dump is a heap dump read back by Read.
type Dump struct {
	Summary Summary
	Bitmap  []byte // little-endian bitmap words
	Arena   []byte // little-endian arena words
}

// ErrCorrupt is returned by Read when the image does not match the summary.
var ErrCorrupt = errors.New("heapdump: checksum mismatch")

// Write writes a dump of snap to w.
func Write(w io.Writer, snap *gc.Snapshot) error {
	if snap.ArenaUsed-snap.Base > math.MaxUint32 {
		return fmt.Errorf("heapdump: heap of %d bytes does not fit in an Intel HEX image", snap.ArenaUsed-snap.Base)
	}
	bitmap := wordBytes(snap.Bitmap.Words)
	arena := wordBytes(snap.Arena.Words)
	sum := Summary{
		WordSize:   int(wordSize),
		Base:       uint64(snap.Base),
		ArenaStart: uint64(snap.ArenaStart - snap.Base),
		ArenaUsed:  uint64(snap.ArenaUsed - snap.Base),
		BitmapSize: uint64(len(bitmap)),
		BitmapCRC:  crc16.Checksum(bitmap, crcTable),
		ArenaCRC:   crc16.Checksum(arena, crcTable),
		NumGC:      snap.NumGC,
	}
	if len(bitmap) > 0 {
		sum.BitmapAddr = uint64(snap.Bitmap.Addr - snap.Base)
	}
	for _, s := range snap.Spans {
		sum.Objects += uint64(s.Allocated)
		sum.Spans = append(sum.Spans, Span{
			Offset:    uint64(s.Base - snap.Base),
			Pages:     uint64(s.Pages),
			SizeClass: s.SizeClass,
			ElemSize:  uint64(s.ElemSize),
			Objects:   uint64(s.Objects),
			Allocated: uint64(s.Allocated),
		})
	}

	header, err := yaml.Marshal(&sum)
	if err != nil {
		return err
	}
	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, separator); err != nil {
		return err
	}

	mem := gohex.NewMemory()
	if len(bitmap) > 0 {
		if err := mem.AddBinary(uint32(sum.BitmapAddr), bitmap); err != nil {
			return err
		}
	}
	if len(arena) > 0 {
		if err := mem.AddBinary(uint32(sum.ArenaStart), arena); err != nil {
			return err
		}
	}
	return mem.DumpIntelHex(w, 16)
}

// Read reads a dump written by Write and verifies its checksums.
func Read(r io.Reader) (*Dump, error) {
	br := bufio.NewReader(r)
	var header strings.Builder
	for {
		line, err := br.ReadString('\n')
		if strings.TrimSpace(line) == separator {
			break
		}
		header.WriteString(line)
		if err == io.EOF {
			return nil, errors.New("heapdump: missing image")
		}
		if err != nil {
			return nil, err
		}
	}

	d := &Dump{}
	if err := yaml.UnmarshalStrict([]byte(header.String()), &d.Summary); err != nil {
		return nil, fmt.Errorf("heapdump: summary: %w", err)
	}
	sum := &d.Summary
	if sum.WordSize != int(wordSize) {
		return nil, fmt.Errorf("heapdump: dump has %d byte words, want %d", sum.WordSize, wordSize)
	}

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(br); err != nil {
		return nil, fmt.Errorf("heapdump: image: %w", err)
	}
	d.Bitmap = mem.ToBinary(uint32(sum.BitmapAddr), uint32(sum.BitmapSize), 0)
	d.Arena = mem.ToBinary(uint32(sum.ArenaStart), uint32(sum.ArenaUsed-sum.ArenaStart), 0)
	if crc16.Checksum(d.Bitmap, crcTable) != sum.BitmapCRC || crc16.Checksum(d.Arena, crcTable) != sum.ArenaCRC {
		return nil, ErrCorrupt
	}
	return d, nil
}

// Word returns the arena word at offset off from the start of the
// reservation.
func (d *Dump) Word(off uint64) uintptr {
	i := off - d.Summary.ArenaStart
	return decodeWord(d.Arena[i : i+uint64(wordSize)])
}

// Allocated reports whether an object starts at offset off.
func (d *Dump) Allocated(off uint64) bool {
	words := (off - d.Summary.ArenaStart) / uint64(wordSize)
	perWord := uint64(wordSize) * 8 / 4
	// The bitmap grows down from the arena.
	b := d.Summary.ArenaStart - (words/perWord+1)*uint64(wordSize) - d.Summary.BitmapAddr
	return decodeWord(d.Bitmap[b:b+uint64(wordSize)])>>(words%perWord)&1 != 0
}

func wordBytes(words []uintptr) []byte {
	b := make([]byte, 0, len(words)*int(wordSize))
	for _, w := range words {
		if wordSize == 8 {
			b = binary.LittleEndian.AppendUint64(b, uint64(w))
		} else {
			b = binary.LittleEndian.AppendUint32(b, uint32(w))
		}
	}
	return b
}

func decodeWord(b []byte) uintptr {
	if wordSize == 8 {
		return uintptr(binary.LittleEndian.Uint64(b))
	}
	return uintptr(binary.LittleEndian.Uint32(b))
}
