package emulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/chrissnell/wmii/internal/log"
	"github.com/panjf2000/gnet/v2"
)

// server exposes a Console over TCP, the way a serial-to-ethernet bridge
// would expose real hardware
type server struct {
	gnet.BuiltinEventEngine

	console *Console
	addr    string
	booted  chan gnet.Engine
}

func (s *server) OnBoot(eng gnet.Engine) gnet.Action {
	log.Infof("console emulator listening on %s", s.addr)
	s.booted <- eng
	return gnet.None
}

func (s *server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	log.Infof("new connection from %s", c.RemoteAddr())
	c.SetContext(s.console.NewSession())
	return nil, gnet.None
}

func (s *server) OnClose(c gnet.Conn, err error) gnet.Action {
	if err != nil {
		log.Infof("connection from %s closed: %v", c.RemoteAddr(), err)
	}
	return gnet.None
}

func (s *server) OnTraffic(c gnet.Conn) gnet.Action {
	buf, err := c.Next(-1)
	if err != nil {
		log.Errorf("error reading from %s: %v", c.RemoteAddr(), err)
		return gnet.Close
	}

	session, ok := c.Context().(*Session)
	if !ok {
		return gnet.Close
	}

	if out := session.Feed(buf); len(out) > 0 {
		if _, err := c.Write(out); err != nil {
			log.Errorf("error writing to %s: %v", c.RemoteAddr(), err)
			return gnet.Close
		}
	}
	return gnet.None
}

// Serve runs a TCP server for console on addr until ctx is cancelled
func Serve(ctx context.Context, console *Console, addr string) error {
	s := &server{
		console: console,
		addr:    addr,
		booted:  make(chan gnet.Engine, 1),
	}

	go func() {
		select {
		case eng := <-s.booted:
			<-ctx.Done()
			log.Info("stopping console emulator")
			if err := eng.Stop(context.Background()); err != nil {
				log.Errorf("error stopping console emulator: %v", err)
			}
		case <-ctx.Done():
		}
	}()

	err := gnet.Run(s, fmt.Sprintf("tcp://%s", addr), gnet.WithMulticore(false), gnet.WithReusePort(true))
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("console emulator: %w", err)
	}
	return nil
}

// Pipe connects an in-process client to the console. Closing the returned
// connection ends the session.
func (c *Console) Pipe() net.Conn {
	client, srv := net.Pipe()
	session := c.NewSession()

	go func() {
		defer srv.Close()
		buf := make([]byte, 256)
		for {
			n, err := srv.Read(buf)
			if n > 0 {
				if out := session.Feed(buf[:n]); len(out) > 0 {
					if _, werr := srv.Write(out); werr != nil {
						return
					}
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
					log.Debugf("emulator pipe closed: %v", err)
				}
				return
			}
		}
	}()

	return client
}
