package gc

import (
	"fmt"
	"sync"

	"github.com/tinygo-org/parallelgc/internal/gclayout"
)

// typeID identifies a registered scan program. Heap memory refers to types
// by id: the per-span type words and the type word of an interface value
// both hold ids. Id 0 means "no type information".
type typeID uintptr

type typeRegistry struct {
	lock  sync.Mutex
	progs []*gclayout.Program // progs[id-1]
	ids   map[*gclayout.Program]typeID
}

// registerType validates p on first use and returns its id.
func (c *Collector) registerType(p *gclayout.Program) (typeID, error) {
	r := &c.types
	r.lock.Lock()
	defer r.lock.Unlock()
	if id, ok := r.ids[p]; ok {
		return id, nil
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if r.ids == nil {
		r.ids = make(map[*gclayout.Program]typeID)
	}
	r.progs = append(r.progs, p)
	id := typeID(len(r.progs))
	r.ids[p] = id
	return id, nil
}

// TypeID returns the value to store in the type word of an interface value
// holding a p. The program is registered if needed.
func (c *Collector) TypeID(p *gclayout.Program) (uintptr, error) {
	id, err := c.registerType(p)
	if err != nil {
		return 0, fmt.Errorf("registering type %s: %w", p, err)
	}
	return uintptr(id), nil
}

// typeByID returns the program registered as id. An unknown id means the
// heap is corrupt.
func (c *Collector) typeByID(id typeID) *gclayout.Program {
	r := &c.types
	r.lock.Lock()
	defer r.lock.Unlock()
	if id == 0 || uintptr(id) > uintptr(len(r.progs)) {
		throwAt("unknown type id", uintptr(id))
	}
	return r.progs[id-1]
}
