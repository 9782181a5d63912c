//go:build linux

package zerocopy

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"
)

// splicePipe is the Linux vmsplice/splice fast path described in spec
// §4.2, grounded directly on
// original_source/common/src/zero-copy-pipes-linux.c: a writer double-
// buffers into page-aligned memory and gifts full buffers to the pipe via
// vmsplice(SPLICE_F_GIFT); a reader splices pipe data into a memfd-backed
// mmap and returns pointers into it.
type splicePipeWriter struct {
	fd   int
	bufs [2][]byte
	cur  int
	off  int

	// lastPrep is the slice the most recent PrepareWrite call handed
	// back, so Write can recognize "the caller filled this in place"
	// without re-preparing (which would advance off a second time).
	lastPrep []byte
}

// NewWriter opens the write side of the zero-copy transport over fd,
// allocating the double buffer and advising MADV_HUGEPAGE on each half
// (best-effort; failure to advise is not fatal).
func NewWriter(fd int) (Writer, error) {
	w := &splicePipeWriter{fd: fd}
	for i := range w.bufs {
		b, err := unix.Mmap(-1, 0, BufSize, unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, fmt.Errorf("zerocopy: mmap writer buffer: %w", err)
		}
		if err := unix.Madvise(b, unix.MADV_HUGEPAGE); err != nil {
			glog.V(2).Infof("zerocopy: MADV_HUGEPAGE not honored: %v", err)
		}
		w.bufs[i] = b
	}
	return w, nil
}

func (w *splicePipeWriter) Write(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	// If the caller is handing back the exact slice the prior
	// PrepareWrite returned, it has already filled the buffer in place
	// and the offset already accounts for it — preparing again would
	// advance past it a second time. Compare by address, not content
	// (spec §9's "first-class prepare/commit" replaces the source's
	// magic-pointer-equality trick, but the trick itself is still how
	// Write recognizes an in-place fill).
	if len(data) == len(w.lastPrep) && &data[0] == &w.lastPrep[0] {
		w.lastPrep = nil
		return len(data), nil
	}
	dst, err := w.PrepareWrite(len(data))
	if err != nil {
		return 0, err
	}
	copy(dst, data)
	w.lastPrep = nil
	return len(data), nil
}

func (w *splicePipeWriter) PrepareWrite(n int) ([]byte, error) {
	if n > BufSize {
		return nil, fmt.Errorf("zerocopy: write of %d exceeds buffer size %d", n, BufSize)
	}
	if w.off+n > BufSize {
		if err := w.giftCurrent(); err != nil {
			return nil, err
		}
	}
	start := w.off
	w.off += n
	w.lastPrep = w.bufs[w.cur][start:w.off]
	return w.lastPrep, nil
}

func (w *splicePipeWriter) Flush() error {
	if w.off == 0 {
		return nil
	}
	return w.giftCurrent()
}

// giftCurrent gifts the current buffer's written prefix to the pipe via
// vmsplice(SPLICE_F_GIFT), retrying on EAGAIN by waiting for POLLOUT, and
// treating EPIPE as fatal (the reader went away).
func (w *splicePipeWriter) giftCurrent() error {
	buf := w.bufs[w.cur][:w.off]
	for len(buf) > 0 {
		n, err := vmsplice(w.fd, buf)
		if err == unix.EAGAIN {
			if perr := waitPollout(w.fd); perr != nil {
				return perr
			}
			continue
		}
		if err == unix.EPIPE {
			return fmt.Errorf("zerocopy: vmsplice: %w (reader gone)", err)
		}
		if err != nil {
			return fmt.Errorf("zerocopy: vmsplice: %w", err)
		}
		buf = buf[n:]
	}
	w.cur = 1 - w.cur
	w.off = 0
	return nil
}

func (w *splicePipeWriter) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	var firstErr error
	for _, b := range w.bufs {
		if err := unix.Munmap(b); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func vmsplice(fd int, buf []byte) (int, error) {
	iov := unix.Iovec{Base: &buf[0]}
	iov.SetLen(len(buf))
	n, _, errno := unix.Syscall6(unix.SYS_VMSPLICE, uintptr(fd),
		uintptr(unsafe.Pointer(&iov)), uintptr(1), uintptr(unix.SPLICE_F_GIFT), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

func waitPollout(fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// splicePipeReader reads by splicing pipe data into a memfd-backed mmap,
// returning pointers directly into that mapping.
type splicePipeReader struct {
	fd     int
	memfd  int
	buf    []byte
	pos    int
	filled int
}

// NewReader opens the read side of the zero-copy transport over fd,
// backing its buffer with an anonymous memfd so splice(2) can move pages
// into it without a copy.
func NewReader(fd int) (Reader, error) {
	memfd, err := unix.MemfdCreate("quapi-zerocopy", 0)
	if err != nil {
		return nil, fmt.Errorf("zerocopy: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(memfd, BufSize); err != nil {
		unix.Close(memfd)
		return nil, fmt.Errorf("zerocopy: ftruncate memfd: %w", err)
	}
	buf, err := unix.Mmap(memfd, 0, BufSize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Close(memfd)
		return nil, fmt.Errorf("zerocopy: mmap memfd: %w", err)
	}
	return &splicePipeReader{fd: fd, memfd: memfd, buf: buf}, nil
}

func (r *splicePipeReader) Read(n int) ([]byte, error) {
	if n > BufSize {
		return nil, fmt.Errorf("zerocopy: read of %d exceeds buffer size %d", n, BufSize)
	}
	if r.pos+n > r.filled {
		if err := r.refill(); err != nil {
			return nil, err
		}
		if n > r.filled {
			return nil, io.ErrUnexpectedEOF
		}
	}
	start := r.pos
	r.pos += n
	return r.buf[start:r.pos], nil
}

func (r *splicePipeReader) refill() error {
	if err := unix.Ftruncate(r.memfd, 0); err != nil {
		return fmt.Errorf("zerocopy: ftruncate memfd: %w", err)
	}
	if err := unix.Ftruncate(r.memfd, BufSize); err != nil {
		return fmt.Errorf("zerocopy: ftruncate memfd: %w", err)
	}
	n, err := splice(r.fd, r.memfd, BufSize)
	if err != nil {
		return fmt.Errorf("zerocopy: splice: %w", err)
	}
	if n == 0 {
		return io.EOF
	}
	r.pos = 0
	r.filled = n
	return nil
}

// splice moves up to n bytes from fdIn into fdOut and returns however
// many came across, same short-transfer semantics as read(2): it
// returns as soon as any data is available rather than blocking until n
// bytes have accumulated, since a peer writing one small message at a
// time (HEADER, one LITERAL, ...) may never produce a full n-byte
// splice in one go. Only EAGAIN (fdIn is non-blocking and has nothing
// queued yet) is retried.
func splice(fdIn, fdOut, n int) (int, error) {
	for {
		r, _, errno := unix.Syscall6(unix.SYS_SPLICE,
			uintptr(fdIn), 0,
			uintptr(fdOut), 0,
			uintptr(n), uintptr(unix.SPLICE_F_MOVE))
		if errno != 0 {
			if errno == unix.EAGAIN {
				if perr := waitPollin(fdIn); perr != nil {
					return 0, perr
				}
				continue
			}
			return 0, errno
		}
		return int(r), nil
	}
}

func waitPollin(fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

func (r *splicePipeReader) Close() error {
	if err := unix.Munmap(r.buf); err != nil {
		return err
	}
	return unix.Close(r.memfd)
}
