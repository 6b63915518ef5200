package mmap

import (
	"sync/atomic"

	"mmapdisplay/internal/errors"
)

// WriterStats counts placement decisions.
type WriterStats struct {
	Writes     uint64
	Contiguous uint64
	Restarts   uint64
	Splits     uint64
	Full       uint64
	TooLarge   uint64
	Bytes      uint64
}

// Writer is the producer side of a region. Exactly one goroutine, in exactly
// one process, may call Write on a given region.
type Writer struct {
	region *Region

	writes, contiguous, restarts, splits, full, tooLarge, bytes atomic.Uint64
}

// NewWriter returns the producer for r.
func NewWriter(r *Region) *Writer {
	return &Writer{region: r}
}

// Write copies p into free space and publishes the new write cursor. It
// returns the descriptor for p and the free space that remains, which is
// also returned, possibly negative, when the write fails. Write never blocks
// and never writes partially.
func (w *Writer) Write(p []byte) (Descriptor, int, error) {
	r := w.region
	if r.closed.Load() {
		return nil, 0, errors.Trace(ErrClosed)
	}

	size := r.size
	start, err := r.dataStart()
	if err != nil {
		return nil, 0, err
	}
	end, err := r.dataEnd()
	if err != nil {
		return nil, 0, err
	}

	l := len(p)
	var chunk, available int
	if end < start {
		// Wrapped, the consumer has not: one free span from end to start.
		//   [++++E-----------S+++++]
		available = start - end
		chunk = available
	} else {
		// Not wrapped, or both wrapped: free from end to the top of the
		// area, then from HeaderSize up to start.
		//   [-----S+++++++E--------]
		chunk = size - end
		available = chunk + (start - HeaderSize)
	}
	free := available - l

	if l > size-HeaderSize {
		w.tooLarge.Add(1)
		return nil, free, errors.Tracef("%d bytes, limit %d: %w", l, size-HeaderSize, ErrPayloadTooLarge)
	}
	if free <= 0 {
		w.full.Add(1)
		return nil, free, errors.Tracef("%d bytes, %d available: %w", l, available, ErrBufferFull)
	}

	mem := r.mem
	var (
		d      Descriptor
		newEnd int
	)
	switch {
	case l < chunk:
		copy(mem[end:end+l], p)
		d = Descriptor{newChunk(end, l)}
		newEnd = end + l
		w.contiguous.Add(1)
	case available >= size/2 && available >= 3*l && l < start-HeaderSize:
		// Plenty of room below start: give up the tail instead of
		// fragmenting the payload.
		copy(mem[HeaderSize:HeaderSize+l], p)
		d = Descriptor{newChunk(HeaderSize, l)}
		newEnd = HeaderSize + l
		w.restarts.Add(1)
	default:
		rest := l - chunk
		copy(mem[end:size], p[:chunk])
		copy(mem[HeaderSize:HeaderSize+rest], p[chunk:])
		d = Descriptor{newChunk(end, chunk), newChunk(HeaderSize, rest)}
		newEnd = HeaderSize + rest
		w.splits.Add(1)
	}

	// The atomic store orders the copies above before the cursor becomes
	// visible to the consumer.
	r.store(dataEndOffset, newEnd)

	w.writes.Add(1)
	w.bytes.Add(uint64(l))
	return d, free, nil
}

// Free returns the space currently available to Write.
func (w *Writer) Free() int {
	r := w.region
	if r.closed.Load() {
		return 0
	}
	start, err := r.dataStart()
	if err != nil {
		return 0
	}
	end, err := r.dataEnd()
	if err != nil {
		return 0
	}
	if end < start {
		return start - end
	}
	return r.size - end + start - HeaderSize
}

// Stats returns a snapshot of the placement counters.
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Writes:     w.writes.Load(),
		Contiguous: w.contiguous.Load(),
		Restarts:   w.restarts.Load(),
		Splits:     w.splits.Load(),
		Full:       w.full.Load(),
		TooLarge:   w.tooLarge.Load(),
		Bytes:      w.bytes.Load(),
	}
}
