//go:build !linux

package supervisor

import (
	"os"
	"time"
)

// chanMux is the portable fallback: one reader goroutine per pipe feeding a
// shared channel.
type chanMux struct {
	ch      chan chunk
	next    int
	readers map[int]chan struct{}
	pending []chunk
}

func newMux() (multiplexer, error) {
	return &chanMux{
		ch:      make(chan chunk, 64),
		readers: make(map[int]chan struct{}),
	}, nil
}

func (m *chanMux) add(f *os.File) (int, error) {
	m.next++
	token := m.next
	quit := make(chan struct{})
	m.readers[token] = quit

	go func() {
		buf := make([]byte, 1<<16)
		for {
			n, err := f.Read(buf)
			if n > 0 {
				data := append([]byte(nil), buf[:n]...)
				select {
				case m.ch <- chunk{token: token, data: data}:
				case <-quit:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return token, nil
}

func (m *chanMux) remove(token int) {
	if quit, ok := m.readers[token]; ok {
		close(quit)
		delete(m.readers, token)
	}
}

func (m *chanMux) wait(timeout time.Duration) ([]chunk, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	chunks := m.pending
	m.pending = nil
	if len(chunks) > 0 {
		return m.live(chunks), nil
	}
	select {
	case c := <-m.ch:
		chunks = append(chunks, c)
	case <-timer.C:
		return nil, nil
	}
	// one channel's worth at most, so continuous output cannot hold the loop
	for len(chunks) < cap(m.ch) {
		select {
		case c := <-m.ch:
			chunks = append(chunks, c)
		default:
			return m.live(chunks), nil
		}
	}
	return m.live(chunks), nil
}

func (m *chanMux) live(chunks []chunk) []chunk {
	out := chunks[:0]
	for _, c := range chunks {
		if _, ok := m.readers[c.token]; ok {
			out = append(out, c)
		}
	}
	return out
}

// drain is best effort here; whatever the reader has not forwarded yet is
// lost when the pipe is closed.
func (m *chanMux) drain(token int) []byte {
	var data []byte
	for {
		select {
		case c := <-m.ch:
			if c.token == token {
				data = append(data, c.data...)
			} else {
				m.pending = append(m.pending, c)
			}
		default:
			return data
		}
	}
}

func (m *chanMux) close() error {
	for token := range m.readers {
		m.remove(token)
	}
	return nil
}
