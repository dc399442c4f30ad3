// Package parfor implements a parallel for loop with work stealing.
//
// Each participating thread starts with an equal share of the iteration
// space. A thread that runs out of iterations steals half of the remaining
// range of a random victim. The loop is over when every thread has been idle
// at the same time.
package parfor

import (
	"math/rand/v2"
	"runtime"
	"sync/atomic"
	"time"
)

// A ParFor describes one parallel loop. It is reusable: call Setup before
// every use.
type ParFor struct {
	body   func(desc *ParFor, i uint32)
	done   atomic.Uint32 // number of idle threads
	nthr   uint32        // total number of threads
	thrseq atomic.Uint32 // thread id sequencer
	cnt    uint32        // iteration space [0, cnt)
	wait   bool          // if true, wait while all threads finish processing
	thr    []thread

	// Statistics, accumulated over all threads.
	nsteal     atomic.Uint64
	nstealcnt  atomic.Uint64
	nprocyield atomic.Uint64
	nosyield   atomic.Uint64
	nsleep     atomic.Uint64
}

type thread struct {
	// begin in the low 32 bits, end in the high 32 bits.
	pos atomic.Uint64

	nsteal     uint64
	nstealcnt  uint64
	nprocyield uint64
	nosyield   uint64
	nsleep     uint64
}

// Stats are counters describing how much balancing a loop needed.
type Stats struct {
	Steals     uint64
	StealCount uint64
	ProcYields uint64
	OSYields   uint64
	Sleeps     uint64
}

// New allocates a descriptor for up to nthrmax threads.
func New(nthrmax uint32) *ParFor {
	return &ParFor{thr: make([]thread, nthrmax)}
}

// Setup prepares desc for running body over n iterations on nthr threads.
// If wait is false a thread may exit before every iteration has completed,
// once it could not find more work for a while.
func (desc *ParFor) Setup(nthr, n uint32, wait bool, body func(*ParFor, uint32)) {
	if nthr == 0 || nthr > uint32(len(desc.thr)) || body == nil {
		panic("parfor: invalid parameters")
	}
	desc.body = body
	desc.done.Store(0)
	desc.nthr = nthr
	desc.thrseq.Store(0)
	desc.cnt = n
	desc.wait = wait
	desc.nsteal.Store(0)
	desc.nstealcnt.Store(0)
	desc.nprocyield.Store(0)
	desc.nosyield.Store(0)
	desc.nsleep.Store(0)
	for i := uint32(0); i < nthr; i++ {
		begin := uint32(uint64(n) * uint64(i) / uint64(nthr))
		end := uint32(uint64(n) * uint64(i+1) / uint64(nthr))
		t := &desc.thr[i]
		t.pos.Store(uint64(begin) | uint64(end)<<32)
		t.nsteal, t.nstealcnt, t.nprocyield, t.nosyield, t.nsleep = 0, 0, 0, 0, 0
	}
}

// Count returns the number of iterations of the current loop.
func (desc *ParFor) Count() uint32 {
	return desc.cnt
}

// Do participates in the loop. It must be called exactly once by each of the
// nthr threads passed to Setup.
func (desc *ParFor) Do() {
	tid := desc.thrseq.Add(1) - 1
	if tid >= desc.nthr {
		panic("parfor: invalid tid")
	}

	body := desc.body
	if desc.nthr == 1 {
		for i := uint32(0); i < desc.cnt; i++ {
			body(desc, i)
		}
		return
	}

	me := &desc.thr[tid]
	for {
		// While there is local work, bump the low index and execute the
		// iteration.
		for {
			pos := me.pos.Add(1)
			begin := uint32(pos) - 1
			end := uint32(pos >> 32)
			if begin >= end {
				break
			}
			body(desc, begin)
		}

		// Out of work, need to steal something.
		idle := false
		for try := uint32(0); ; try++ {
			// If we don't see any work for long enough, increment the done
			// counter...
			if try > desc.nthr*4 && !idle {
				idle = true
				desc.done.Add(1)
			}

			// ...if all threads have incremented the counter, we are done.
			extra := uint32(0)
			if !idle {
				extra = 1
			}
			if desc.done.Load()+extra == desc.nthr {
				if !idle {
					desc.done.Add(1)
				}
				desc.exit(me)
				return
			}

			// Choose a random victim for stealing.
			var begin, end uint32
			victim := rand.Uint32N(desc.nthr - 1)
			if victim >= tid {
				victim++
			}
			victimpos := &desc.thr[victim].pos
			for {
				// See if it has any work.
				pos := victimpos.Load()
				begin = uint32(pos)
				end = uint32(pos >> 32)
				if begin+1 >= end {
					begin, end = 0, 0
					break
				}
				if idle {
					desc.done.Add(^uint32(0))
					idle = false
				}
				begin2 := begin + (end-begin)/2
				newpos := uint64(begin) | uint64(begin2)<<32
				if victimpos.CompareAndSwap(pos, newpos) {
					begin = begin2
					break
				}
			}
			if begin < end {
				// Has successfully stolen some work.
				if idle {
					panic("parfor: should not be idle")
				}
				me.pos.Store(uint64(begin) | uint64(end)<<32)
				me.nsteal++
				me.nstealcnt += uint64(end) - uint64(begin)
				break
			}

			// Backoff.
			switch {
			case try < desc.nthr:
				// nothing
			case try < 4*desc.nthr:
				me.nprocyield++
				procyield(20)
			case !desc.wait:
				// The caller asked not to wait for the others: exit now,
				// assuming most of the work is already done.
				if !idle {
					desc.done.Add(1)
				}
				desc.exit(me)
				return
			case try < 6*desc.nthr:
				me.nosyield++
				runtime.Gosched()
			default:
				me.nsleep++
				time.Sleep(time.Microsecond)
			}
		}
	}
}

func (desc *ParFor) exit(me *thread) {
	desc.nsteal.Add(me.nsteal)
	desc.nstealcnt.Add(me.nstealcnt)
	desc.nprocyield.Add(me.nprocyield)
	desc.nosyield.Add(me.nosyield)
	desc.nsleep.Add(me.nsleep)
	me.nsteal, me.nstealcnt, me.nprocyield, me.nosyield, me.nsleep = 0, 0, 0, 0, 0
}

// Stats returns the balancing counters of the last completed loop.
func (desc *ParFor) Stats() Stats {
	return Stats{
		Steals:     desc.nsteal.Load(),
		StealCount: desc.nstealcnt.Load(),
		ProcYields: desc.nprocyield.Load(),
		OSYields:   desc.nosyield.Load(),
		Sleeps:     desc.nsleep.Load(),
	}
}

// procyield spins for roughly cycles iterations without giving up the thread.
func procyield(cycles int) {
	var sink uint32
	for i := 0; i < cycles; i++ {
		sink += uint32(i)
	}
	_ = sink
}
