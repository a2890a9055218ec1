package wmii

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// link wraps the console connection. Serial ports opened by goserial have no
// read deadline, so a pump goroutine feeds received bytes into a channel and
// reads select on it with a timer.
type link struct {
	rwc    io.ReadWriteCloser
	data   chan []byte
	done   chan struct{}
	err    error // set by the pump before data is closed
	buf    []byte
	debug  bool
	logger *zap.SugaredLogger
}

func newLink(rwc io.ReadWriteCloser, debug bool, logger *zap.SugaredLogger) *link {
	l := &link{
		rwc:    rwc,
		data:   make(chan []byte, 64),
		done:   make(chan struct{}),
		debug:  debug,
		logger: logger,
	}
	go l.pump()
	return l
}

func (l *link) pump() {
	defer close(l.data)
	for {
		b := make([]byte, 64)
		n, err := l.rwc.Read(b)
		if n > 0 {
			if l.debug {
				l.logger.Debugf("read from console: %s", hex.EncodeToString(b[:n]))
			}
			select {
			case l.data <- b[:n]:
			case <-l.done:
				return
			}
		}
		if err != nil {
			l.err = err
			return
		}
	}
}

func (l *link) write(p []byte) error {
	if l.debug {
		l.logger.Debugf("writing to console: %s", hex.EncodeToString(p))
	}
	if _, err := l.rwc.Write(p); err != nil {
		return fmt.Errorf("error writing to console: %w", err)
	}
	return nil
}

// read returns exactly n bytes, or whatever arrived before the timeout
// together with an error wrapping ErrTimeout
func (l *link) read(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for len(l.buf) < n {
		select {
		case b, ok := <-l.data:
			if !ok {
				err := l.err
				if err == nil {
					err = io.EOF
				}
				return l.take(len(l.buf)), fmt.Errorf("console connection closed: %w", err)
			}
			l.buf = append(l.buf, b...)
		case <-timer.C:
			got := len(l.buf)
			return l.take(got), fmt.Errorf("%w after %v (%d of %d bytes)", ErrTimeout, timeout, got, n)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return l.take(n), nil
}

func (l *link) take(n int) []byte {
	out := make([]byte, n)
	copy(out, l.buf[:n])
	l.buf = l.buf[n:]
	return out
}

// flush discards anything left over from an earlier exchange
func (l *link) flush() {
	if len(l.buf) > 0 && l.debug {
		l.logger.Debugf("discarding %d stale bytes", len(l.buf))
	}
	l.buf = nil
	for {
		select {
		case _, ok := <-l.data:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (l *link) close() error {
	select {
	case <-l.done:
		return nil
	default:
		close(l.done)
	}
	return l.rwc.Close()
}
