// Package tunnel dials out to the public relay and exposes the yamux
// streams it hands back as an ordinary net.Listener. A server behind NAT
// serves its websocket endpoints through this listener while the relay
// terminates the public side.
package tunnel

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("tunnel: listener closed")

type Config struct {
	RelayAddr string
	Token     string
}

type Listener struct {
	config *Config
	logger zerolog.Logger
	connc  chan net.Conn
	stopc  chan struct{}
}

// Listen starts the relay dial loop. The returned listener blocks in
// Accept until the relay forwards a connection, redialling with backoff
// whenever the session drops.
func Listen(config *Config) *Listener {
	o := &Listener{}
	o.config = config
	o.logger = log.With().Str("module", "tunnel").Logger()
	o.connc = make(chan net.Conn)
	o.stopc = make(chan struct{})
	go o.dialLoop()
	return o
}

func (l *Listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.connc:
		return conn, nil
	case <-l.stopc:
		return nil, ErrClosed
	}
}

func (l *Listener) Close() error {
	select {
	case <-l.stopc:
	default:
		close(l.stopc)
	}
	return nil
}

func (l *Listener) Addr() net.Addr {
	return tunnelAddr(l.config.RelayAddr)
}

func (l *Listener) dialLoop() {
	for {
		select {
		case <-l.stopc:
			return
		default:
		}
		t0 := time.Now()
		l.runSession()
		d := time.Since(t0)
		if d > 10*time.Second {
			time.Sleep(1 * time.Second)
		} else {
			time.Sleep(5 * time.Second)
		}
	}
}

// runSession holds one relay session: dial, authenticate with the shared
// token, then surface accepted yamux streams until the session dies.
func (l *Listener) runSession() {
	l.logger.Info().Msgf("dialling tunnel relay %s", l.config.RelayAddr)
	yconn, err := net.Dial("tcp", l.config.RelayAddr)
	if err != nil {
		l.logger.Err(err).Msg("unable to dial relay")
		return
	}
	_, err = yconn.Write([]byte(l.config.Token))
	if err != nil {
		yconn.Close()
		l.logger.Err(err).Msg("unable to authenticate with relay")
		return
	}
	status := []byte{0}
	_, err = yconn.Read(status)
	if err != nil {
		yconn.Close()
		l.logger.Err(err).Msg("unable to authenticate with relay")
		return
	}
	if status[0] != '+' {
		yconn.Close()
		l.logger.Error().Msg("tunnel rejected")
		return
	}
	l.logger.Info().Msg("tunnel accepted")
	session, err := yamux.Client(yconn, nil)
	if err != nil {
		yconn.Close()
		l.logger.Err(err)
		return
	}
	defer session.Close()
	for {
		tconn, err := session.Accept()
		if err != nil {
			l.logger.Err(err).Msg("tunnel session ended")
			return
		}
		// the relay prefixes each stream with the original remote address
		r := bufio.NewReader(tconn)
		raddr, err := r.ReadString('\n')
		if err != nil {
			l.logger.Err(err)
			tconn.Close()
			continue
		}
		conn := &streamConn{Conn: tconn, reader: r, raddr: strings.TrimSpace(raddr)}
		select {
		case l.connc <- conn:
		case <-l.stopc:
			tconn.Close()
			return
		}
	}
}

// streamConn is a yamux stream with the buffered reader that consumed the
// address prefix and the relayed remote address in place of the stream's.
type streamConn struct {
	net.Conn
	reader *bufio.Reader
	raddr  string
}

func (c *streamConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

func (c *streamConn) RemoteAddr() net.Addr {
	return tunnelAddr(c.raddr)
}

type tunnelAddr string

func (a tunnelAddr) Network() string { return "tunnel" }
func (a tunnelAddr) String() string  { return string(a) }
