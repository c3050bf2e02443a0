package link

import (
	"sync/atomic"
	"syscall"
	"time"

	"github.com/daedaluz/fdev/poll"
)

// DefaultReadTimeout is the per-byte read deadline used by the codec to
// detect peer loss.
const DefaultReadTimeout = 200 * time.Millisecond

// Link is the byte-level serial transport to the bridge microcontroller.
// It is opened once per Orchestrator action and owned exclusively by the
// worker for the duration of that action.
type Link struct {
	fd     int
	closed atomic.Bool
}

// Open opens tty and configures it for 9600 8N1, no flow control, raw mode.
func Open(tty string) (*Link, error) {
	fd, err := syscall.Open(tty, syscall.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, wrapErr("open "+tty, err)
	}

	attrs, err := getAttr(fd)
	if err != nil {
		syscall.Close(fd)
		return nil, wrapErr("tcgetattr", err)
	}
	attrs.makeRaw()
	attrs.setSpeed9600()
	if err := setAttr(fd, attrs); err != nil {
		syscall.Close(fd)
		return nil, wrapErr("tcsetattr", err)
	}

	return &Link{fd: fd}, nil
}

// Close releases the underlying file descriptor. Close is idempotent:
// calling it twice returns ErrClosed the second time but is otherwise safe.
func (l *Link) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return syscall.Close(l.fd)
}

// Write blocks until every byte in data has been handed to the kernel.
func (l *Link) Write(data []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	for len(data) > 0 {
		n, err := syscall.Write(l.fd, data)
		if err != nil {
			return wrapErr("write", err)
		}
		data = data[n:]
	}
	return nil
}

// ReadByte blocks for at most timeout waiting for one byte. It returns
// ErrTimeout if the deadline elapses with no data — the codec's signal that
// the peer has gone away.
func (l *Link) ReadByte(timeout time.Duration) (byte, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}
	if err := poll.WaitInput(l.fd, timeout); err != nil {
		// poll(2) returning an error here means no byte arrived before the
		// deadline; any real I/O fault on the descriptor would otherwise
		// surface from the syscall.Read below.
		return 0, ErrTimeout
	}
	var buf [1]byte
	n, err := syscall.Read(l.fd, buf[:])
	if err != nil {
		return 0, wrapErr("read", err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return buf[0], nil
}

// DrainInput discards any bytes the peer has already sent but that have not
// yet been read, so a fresh handshake does not trip over stale traffic.
func (l *Link) DrainInput() error {
	if l.closed.Load() {
		return ErrClosed
	}
	return wrapErr("flush input", flushInput(l.fd))
}
