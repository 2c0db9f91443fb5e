// Package circbuf implements a circular byte buffer backed by a single
// physical page from mem.Physmem_t. No other package in this core imports
// it; it is exercised by its own tests. Adapted from
// biscuit's circbuf package; retargeted from the custom fdops.Userio_i
// interface (no file-system/device package survives into this core) to the
// standard library's io.Reader/io.Writer, which carry the exact same
// "read into my region"/"write my region out" shape.
package circbuf

import (
	"io"

	"exokernel/defs"
	"exokernel/mem"
)

// / Circbuf_t is a single-page circular buffer. Not safe for concurrent use.
type Circbuf_t struct {
	pm    *mem.Physmem_t
	buf   []uint8
	bufsz int
	head  int
	tail  int
	p_pg  mem.Pa_t
}

// / Bufsz returns the configured buffer size.
func (cb *Circbuf_t) Bufsz() int { return cb.bufsz }

// / Cb_init configures the buffer's size and allocator; the backing page is
// / allocated lazily on first use so an allocation failure surfaces at
// / read/write time rather than at construction.
func (cb *Circbuf_t) Cb_init(sz int, pm *mem.Physmem_t) defs.Err_t {
	if sz <= 0 || sz > mem.PGSIZE {
		panic("bad circbuf size")
	}
	cb.pm = pm
	cb.bufsz = sz
	cb.head, cb.tail = 0, 0
	return 0
}

// / Cb_ensure guarantees the backing page is allocated, returning ENOMEM on
// / failure.
func (cb *Circbuf_t) Cb_ensure() defs.Err_t {
	if cb.buf != nil {
		return 0
	}
	if cb.bufsz == 0 {
		panic("not initted")
	}
	pa, ok := cb.pm.Refpg_new()
	if !ok {
		return -defs.ENOMEM
	}
	cb.p_pg = pa
	cb.buf = cb.pm.Bytes(pa)[:cb.bufsz]
	return 0
}

// / Cb_release drops the reference to the backing page.
func (cb *Circbuf_t) Cb_release() {
	if cb.buf == nil {
		return
	}
	cb.pm.Refdown(cb.p_pg)
	cb.p_pg = 0
	cb.buf = nil
	cb.head, cb.tail = 0, 0
}

// / Full returns true when the buffer cannot accept more data.
func (cb *Circbuf_t) Full() bool { return cb.head-cb.tail == cb.bufsz }

// / Empty reports whether the buffer contains any data.
func (cb *Circbuf_t) Empty() bool { return cb.head == cb.tail }

// / Left returns the remaining capacity in bytes.
func (cb *Circbuf_t) Left() int { return cb.bufsz - (cb.head - cb.tail) }

// / Used returns the current number of bytes in the buffer.
func (cb *Circbuf_t) Used() int { return cb.head - cb.tail }

// / Copyin reads from src into the circular buffer, wrapping at the end of
// / the backing page.
func (cb *Circbuf_t) Copyin(src io.Reader) (int, defs.Err_t) {
	if err := cb.Cb_ensure(); err != 0 {
		return 0, err
	}
	if cb.Full() {
		return 0, 0
	}
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	c := 0
	if ti <= hi {
		dst := cb.buf[hi:]
		n, err := src.Read(dst)
		if err != nil && err != io.EOF {
			return c, -defs.EFAULT
		}
		if n != len(dst) {
			cb.head += n
			return n, 0
		}
		c += n
		hi = (cb.head + n) % cb.bufsz
	}
	if hi > ti {
		panic("wut?")
	}
	dst := cb.buf[hi:ti]
	n, err := src.Read(dst)
	c += n
	if err != nil && err != io.EOF {
		return c, -defs.EFAULT
	}
	cb.head += c
	return c, 0
}

// / Copyout writes the entire buffer contents to dst.
func (cb *Circbuf_t) Copyout(dst io.Writer) (int, defs.Err_t) {
	return cb.Copyout_n(dst, 0)
}

// / Copyout_n writes up to max bytes of the buffer to dst (all of it when
// / max is 0).
func (cb *Circbuf_t) Copyout_n(dst io.Writer, max int) (int, defs.Err_t) {
	if err := cb.Cb_ensure(); err != 0 {
		return 0, err
	}
	if cb.Empty() {
		return 0, 0
	}
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	c := 0
	if hi <= ti {
		src := cb.buf[ti:]
		if max != 0 && max < len(src) {
			src = src[:max]
		}
		n, err := dst.Write(src)
		if err != nil {
			return c, -defs.EFAULT
		}
		if n != len(src) || n == max {
			cb.tail += n
			return n, 0
		}
		c += n
		if max != 0 {
			max -= c
		}
		ti = (cb.tail + n) % cb.bufsz
	}
	if ti > hi {
		panic("wut?")
	}
	src := cb.buf[ti:hi]
	if max != 0 && max < len(src) {
		src = src[:max]
	}
	n, err := dst.Write(src)
	if err != nil {
		return c, -defs.EFAULT
	}
	c += n
	cb.tail += c
	return c, 0
}

// / Advhead advances the head index, exposing previously written bytes to
// / the reader side.
func (cb *Circbuf_t) Advhead(sz int) {
	if cb.Full() || cb.Left() < sz {
		panic("advancing full cb")
	}
	cb.head += sz
}

// / Advtail advances the tail index after data has been consumed.
func (cb *Circbuf_t) Advtail(sz int) {
	if sz != 0 && (cb.Empty() || cb.Used() < sz) {
		panic("advancing empty cb")
	}
	cb.tail += sz
}
