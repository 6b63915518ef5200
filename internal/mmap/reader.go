package mmap

import (
	"slices"

	"mmapdisplay/internal/errors"
)

// Reader is the consumer side of a region. Exactly one goroutine, in exactly
// one process, may use a given Reader.
type Reader struct {
	region *Region

	// pending holds descriptors returned by Read and not yet released, in
	// arrival order.
	pending []Descriptor
}

// NewReader returns the consumer for r.
func NewReader(r *Region) *Reader {
	return &Reader{region: r}
}

// Read returns the payload described by d. A single chunk is returned as a
// view into the region, valid only until d or a later descriptor is
// released. A split payload is copied into a new buffer.
func (rd *Reader) Read(d Descriptor) ([]byte, error) {
	r := rd.region
	if r.closed.Load() {
		return nil, errors.Trace(ErrClosed)
	}
	if err := d.Validate(r.size); err != nil {
		return nil, err
	}

	var out []byte
	if len(d) == 1 {
		lo, hi := int(d[0].Offset), int(d[0].end())
		out = r.mem[lo:hi:hi]
	} else {
		out = make([]byte, 0, d.Len())
		for _, c := range d {
			out = append(out, r.mem[c.Offset:c.end()]...)
		}
	}

	if !rd.isPending(d) {
		rd.pending = append(rd.pending, slices.Clone(d))
	}
	return out, nil
}

// Release hands the space used by d, and by every descriptor written before
// it, back to the producer. d need not have been passed to Read: a consumer
// may drop a payload unread, and data_start still moves to its end as long
// as d lies in the unreleased part of the ring. Releasing a descriptor that
// was already released or superseded by a later release is a no-op, so
// data_start only moves forward around the ring.
func (rd *Reader) Release(d Descriptor) error {
	r := rd.region
	if r.closed.Load() {
		return errors.Trace(ErrClosed)
	}
	if err := d.Validate(r.size); err != nil {
		return err
	}
	if i := slices.IndexFunc(rd.pending, d.Equal); i >= 0 {
		rd.pending = slices.Delete(rd.pending, 0, i+1)
		r.store(dataStartOffset, d.End())
		return nil
	}

	start, err := r.dataStart()
	if err != nil {
		return err
	}
	end, err := r.dataEnd()
	if err != nil {
		return err
	}
	frontier := start
	if n := len(rd.pending); n > 0 {
		frontier = rd.pending[n-1].End()
	}
	if !rd.unreleased(d, start, frontier, end) {
		return nil
	}
	rd.pending = rd.pending[:0]
	r.store(dataStartOffset, d.End())
	return nil
}

// unreleased reports whether d lies between frontier and end, measured
// forward around the ring from start. Anything before frontier was either
// released or is covered by a pending descriptor.
func (rd *Reader) unreleased(d Descriptor, start, frontier, end int) bool {
	lap := rd.region.size - HeaderSize
	dist := func(pos int) int {
		return ((pos-start)%lap + lap) % lap
	}
	limit := dist(end)
	if limit == 0 {
		return false
	}
	lo, hi := dist(int(d[0].Offset)), dist(d.End())
	return lo >= dist(frontier) && lo < hi && hi <= limit
}

// ReadCopy reads d into a new buffer and releases it.
func (rd *Reader) ReadCopy(d Descriptor) ([]byte, error) {
	b, err := rd.Read(d)
	if err != nil {
		return nil, err
	}
	if len(d) == 1 {
		b = slices.Clone(b)
	}
	if err := rd.Release(d); err != nil {
		return nil, err
	}
	return b, nil
}

// Pending returns the number of descriptors read but not released.
func (rd *Reader) Pending() int {
	return len(rd.pending)
}

func (rd *Reader) isPending(d Descriptor) bool {
	return slices.IndexFunc(rd.pending, d.Equal) >= 0
}
