//go:build linux || darwin

package mqttloop

import (
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// PosixNet is a NetBSP over non-blocking BSD sockets multiplexed with
// poll(2). Sockets are created when Connect resolves the address family.
// Wakeup writes to a self-pipe watched by every Select.
type PosixNet struct {
	resolve func(host string) ([]net.IP, error)

	next  Socket
	socks map[Socket]int

	wakeMu sync.Mutex
	wakeR  int
	wakeW  int
}

// NewPosixNet creates a socket BSP with its wake pipe.
func NewPosixNet() (*PosixNet, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, err
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, err
		}
	}
	return &PosixNet{
		resolve: net.LookupIP,
		socks:   make(map[Socket]int),
		wakeR:   p[0],
		wakeW:   p[1],
	}, nil
}

// Shutdown closes every socket and the wake pipe.
func (n *PosixNet) Shutdown() {
	for s, fd := range n.socks {
		if fd >= 0 {
			unix.Close(fd)
		}
		delete(n.socks, s)
	}

	n.wakeMu.Lock()
	defer n.wakeMu.Unlock()
	if n.wakeW >= 0 {
		unix.Close(n.wakeR)
		unix.Close(n.wakeW)
		n.wakeR, n.wakeW = -1, -1
	}
}

// CreateSocket reserves a socket; the descriptor is opened by Connect.
func (n *PosixNet) CreateSocket() (Socket, Status) {
	s := n.next
	n.next++
	n.socks[s] = -1
	return s, StatusOK
}

func (n *PosixNet) sockaddr(host string, port uint16) (unix.Sockaddr, int, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := n.resolve(host)
		if err != nil {
			return nil, 0, err
		}
		if len(ips) == 0 {
			return nil, 0, errors.New("no address for host")
		}
		ip = ips[0]
		for _, cand := range ips {
			if cand.To4() != nil {
				ip = cand
				break
			}
		}
	}

	if v4 := ip.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: int(port)}
		copy(sa.Addr[:], v4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: int(port)}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6, nil
}

// Connect resolves host, opens a non-blocking socket and starts
// connecting. Name resolution itself blocks.
func (n *PosixNet) Connect(s Socket, host string, port uint16) Status {
	fd, ok := n.socks[s]
	if !ok {
		return StatusInvalidParameter
	}
	if fd >= 0 {
		return StatusSocketConnectionError
	}

	sa, family, err := n.sockaddr(host, port)
	if err != nil {
		return StatusSocketConnectionError
	}
	fd, err = unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return StatusSocketError
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return StatusSocketError
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	n.socks[s] = fd

	switch err := unix.Connect(fd, sa); {
	case err == nil:
		return StatusOK
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR):
		return StatusWantWrite
	default:
		return StatusSocketConnectionError
	}
}

// ConnectionCheck reads the pending socket error of a finished connect.
func (n *PosixNet) ConnectionCheck(s Socket, _ string, _ uint16) Status {
	fd, ok := n.socks[s]
	if !ok || fd < 0 {
		return StatusInvalidParameter
	}
	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return StatusSocketConnectionError
	}
	switch unix.Errno(code) {
	case 0:
		return StatusOK
	case unix.EINPROGRESS, unix.EALREADY:
		return StatusWantWrite
	default:
		return StatusSocketConnectionError
	}
}

// Write sends p without blocking.
func (n *PosixNet) Write(s Socket, p []byte) (int, Status) {
	fd, ok := n.socks[s]
	if !ok || fd < 0 {
		return 0, StatusInvalidParameter
	}
	written, err := unix.Write(fd, p)
	switch {
	case err == nil:
		return written, StatusOK
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return 0, StatusWantWrite
	case errors.Is(err, unix.EPIPE), errors.Is(err, unix.ECONNRESET):
		return 0, StatusConnectionResetByPeer
	default:
		return 0, StatusSocketWriteError
	}
}

// Read receives into p without blocking. End of stream is reported as
// StatusConnectionResetByPeer.
func (n *PosixNet) Read(s Socket, p []byte) (int, Status) {
	fd, ok := n.socks[s]
	if !ok || fd < 0 {
		return 0, StatusInvalidParameter
	}
	read, err := unix.Read(fd, p)
	switch {
	case err == nil && read == 0 && len(p) > 0:
		return 0, StatusConnectionResetByPeer
	case err == nil:
		return read, StatusOK
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return 0, StatusWantRead
	case errors.Is(err, unix.ECONNRESET):
		return 0, StatusConnectionResetByPeer
	default:
		return 0, StatusSocketReadError
	}
}

// Close closes the socket.
func (n *PosixNet) Close(s Socket) Status {
	fd, ok := n.socks[s]
	if !ok {
		return StatusElementNotFound
	}
	delete(n.socks, s)
	if fd < 0 {
		return StatusOK
	}
	if err := unix.Close(fd); err != nil {
		return StatusSocketError
	}
	return StatusOK
}

// Select polls the requested sockets and the wake pipe.
func (n *PosixNet) Select(reqs []SelectRequest, timeout time.Duration) Status {
	fds := make([]unix.PollFd, 0, len(reqs)+1)
	index := make([]int, 0, len(reqs))

	for i := range reqs {
		reqs[i].Ready = 0
		fd, ok := n.socks[reqs[i].Socket]
		if !ok || fd < 0 {
			continue
		}
		var events int16
		if reqs[i].Events&EventRead != 0 {
			events |= unix.POLLIN
		}
		if reqs[i].Events&(EventWrite|EventConnect) != 0 {
			events |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
		index = append(index, i)
	}

	n.wakeMu.Lock()
	wakeR := n.wakeR
	n.wakeMu.Unlock()
	if wakeR >= 0 {
		fds = append(fds, unix.PollFd{Fd: int32(wakeR), Events: unix.POLLIN})
	}

	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	_, err := unix.Poll(fds, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return StatusOK
		}
		return StatusSocketError
	}

	for j, i := range index {
		rev := fds[j].Revents
		req := &reqs[i]
		if rev&unix.POLLIN != 0 {
			req.Ready |= EventRead
		}
		if rev&unix.POLLOUT != 0 {
			req.Ready |= req.Events & (EventWrite | EventConnect)
		}
		if rev&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			req.Ready |= EventError
		}
	}

	if wakeR >= 0 && fds[len(fds)-1].Revents&unix.POLLIN != 0 {
		var buf [64]byte
		for {
			if k, err := unix.Read(wakeR, buf[:]); err != nil || k < len(buf) {
				break
			}
		}
	}
	return StatusOK
}

// Wakeup interrupts a Select in progress.
func (n *PosixNet) Wakeup() {
	n.wakeMu.Lock()
	defer n.wakeMu.Unlock()
	if n.wakeW >= 0 {
		_, _ = unix.Write(n.wakeW, []byte{1})
	}
}

func newDefaultNet() (NetBSP, error) {
	n, err := NewPosixNet()
	if err != nil {
		return nil, err
	}
	return n, nil
}
