//go:build linux

package supervisor

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const (
	readBufSize = 1 << 16
	// reads per descriptor in one wait, so a chatty probe cannot hold the
	// loop away from its deadline and toggle checks
	readsPerWait = 4
	// reads of the final drain after a process exited
	readsPerDrain = 64
)

// epollMux waits for readiness on raw pipe descriptors. Descriptors are
// switched to non-blocking mode so a drain never stalls on a pipe that a
// grandchild still holds open.
type epollMux struct {
	epfd   int
	buf    []byte
	events []unix.EpollEvent
	fds    map[int]bool // fd -> still in the epoll set
}

func newMux() (multiplexer, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create epoll instance: %w", err)
	}
	return &epollMux{
		epfd:   epfd,
		buf:    make([]byte, readBufSize),
		events: make([]unix.EpollEvent, 64),
		fds:    make(map[int]bool),
	}, nil
}

func (m *epollMux) add(f *os.File) (int, error) {
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return 0, fmt.Errorf("failed to set non-blocking mode: %w", err)
	}
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLERR,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return 0, fmt.Errorf("failed to register fd %d: %w", fd, err)
	}
	m.fds[fd] = true
	return fd, nil
}

func (m *epollMux) remove(token int) {
	registered, ok := m.fds[token]
	if !ok {
		return
	}
	if registered {
		_ = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, token, nil)
	}
	delete(m.fds, token)
}

func (m *epollMux) wait(timeout time.Duration) ([]chunk, error) {
	if timeout < 0 {
		timeout = 0
	}
	// round up so a wake-up never comes before the requested time
	ms := int((timeout + time.Millisecond - 1) / time.Millisecond)
	n, err := unix.EpollWait(m.epfd, m.events, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll wait failed: %w", err)
	}

	var chunks []chunk
	for i := 0; i < n; i++ {
		fd := int(m.events[i].Fd)
		if !m.fds[fd] {
			continue
		}
		data, eof := m.read(fd, readsPerWait)
		if eof {
			// a closed pipe reports HUP on every wait; stop watching it
			_ = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			m.fds[fd] = false
		}
		if len(data) > 0 {
			chunks = append(chunks, chunk{token: fd, data: data})
		}
	}
	return chunks, nil
}

func (m *epollMux) drain(token int) []byte {
	if _, ok := m.fds[token]; !ok {
		return nil
	}
	data, _ := m.read(token, readsPerDrain)
	return data
}

// read takes at most limit buffers from fd. Whatever is left stays ready
// for the next wait. eof is true once every writer has gone.
func (m *epollMux) read(fd, limit int) (data []byte, eof bool) {
	for reads := 0; reads < limit; {
		n, err := unix.Read(fd, m.buf)
		if n > 0 {
			data = append(data, m.buf[:n]...)
			reads++
			continue
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return data, err == nil && n == 0
	}
	return data, false
}

func (m *epollMux) close() error {
	m.fds = make(map[int]bool)
	return unix.Close(m.epfd)
}
