// Package mmap implements the shared-memory side channel used to move bulk
// frame data between a display server and a client running on the same host.
//
// A Region is a file-backed MAP_SHARED mapping laid out as:
//
//	[0,4)  data_start  read cursor, stored only by the consumer
//	[4,8)  data_end    write cursor, stored only by the producer
//	[8,N)  data area
//
// The producer (Writer) copies an opaque payload into free space and returns
// a Descriptor listing where the bytes landed: one chunk, or two when the
// payload was split across the end of the area. The descriptor travels over
// the control connection; the consumer (Reader) turns it back into bytes and
// releases the space by advancing data_start.
//
// There are no locks. Each cursor has a single writer and both are accessed
// with 32-bit atomic loads and stores on page-aligned words. Nothing blocks:
// a full ring returns ErrBufferFull and the caller routes the payload through
// the control connection instead.
package mmap
