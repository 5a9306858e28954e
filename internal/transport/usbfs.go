package transport

import (
	"errors"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// usbfs ioctl numbers from linux/usbdevice_fs.h.
const (
	usbdevfsClaimInterface   = 0x8004550f
	usbdevfsReleaseInterface = 0x80045510
	// bulkPollMS bounds how long a read blocks before rechecking for Close.
	bulkPollMS = 100
)

type usbdevfsBulkTransfer struct {
	Ep      uint32
	Len     uint32
	Timeout uint32
	Data    unsafe.Pointer
}

// usbdevfsBulk is _IOWR('U', 2, struct usbdevfs_bulktransfer).
var usbdevfsBulk = uintptr(3<<30 | uint32(unsafe.Sizeof(usbdevfsBulkTransfer{}))<<16 | 'U'<<8 | 2)

type usbConn struct {
	fd      int
	iface   uint32
	epIn    uint8
	epOut   uint8
	mu      sync.RWMutex
	closed  atomic.Bool
	readBuf []byte
	pending []byte
}

func openUSB(node string, iface uint32, in, out uint8) (*usbConn, error) {
	fd, err := unix.Open(node, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	if err := ioctlUint(fd, usbdevfsClaimInterface, iface); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &usbConn{fd: fd, iface: iface, epIn: in, epOut: out, readBuf: make([]byte, 512)}, nil
}

func (c *usbConn) Read(p []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	for {
		if c.closed.Load() {
			return 0, io.EOF
		}
		n, err := c.bulk(c.epIn, c.readBuf, bulkPollMS)
		if errors.Is(err, unix.ETIMEDOUT) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			continue
		}
		copied := copy(p, c.readBuf[:n])
		c.pending = append(c.pending[:0], c.readBuf[copied:n]...)
		return copied, nil
	}
}

func (c *usbConn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		if c.closed.Load() {
			return written, io.ErrClosedPipe
		}
		n, err := c.bulk(c.epOut, p[written:], 1000)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (c *usbConn) bulk(ep uint8, buf []byte, timeoutMS uint32) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	xfer := usbdevfsBulkTransfer{
		Ep:      uint32(ep),
		Len:     uint32(len(buf)),
		Timeout: timeoutMS,
		Data:    unsafe.Pointer(&buf[0]),
	}
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), usbdevfsBulk, uintptr(unsafe.Pointer(&xfer)))
	runtime.KeepAlive(buf)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

// Close waits for an in-flight transfer (at most one poll interval), then
// releases the interface.
func (c *usbConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = ioctlUint(c.fd, usbdevfsReleaseInterface, c.iface)
	return unix.Close(c.fd)
}

func ioctlUint(fd int, req uintptr, value uint32) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(unsafe.Pointer(&value)))
	if errno != 0 {
		return errno
	}
	return nil
}
