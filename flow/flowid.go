package flow

import "fmt"

// FlowID identifies a flow within a Session. It is VLU-encoded on the
// wire (spec.md GLOSSARY: "identified by a 64-bit non-negative integer").
type FlowID uint64

func (id FlowID) String() string {
	return fmt.Sprintf("flow-%d", uint64(id))
}

// idpool vends locally-originated FlowIDs. Free IDs are drawn from a
// queue replenished in batches from a monotonic counter whenever its
// length drops below a refresh threshold, per spec.md §4.1.
type idpool struct {
	free      []FlowID
	nextFresh FlowID
	batch     int
	refresh   int
}

func newIDPool(batch, refresh int) *idpool {
	return &idpool{batch: batch, refresh: refresh}
}

func (p *idpool) refill() {
	for i := 0; i < p.batch; i++ {
		p.free = append(p.free, p.nextFresh)
		p.nextFresh++
	}
}

// Take returns the next available FlowID, minting a fresh batch first if
// the free queue has run low.
func (p *idpool) Take() FlowID {
	if len(p.free) < p.refresh {
		p.refill()
	}
	id := p.free[0]
	p.free = p.free[1:]
	return id
}

// Release returns id to the free queue, making it eligible for reuse.
func (p *idpool) Release(id FlowID) {
	p.free = append(p.free, id)
}
