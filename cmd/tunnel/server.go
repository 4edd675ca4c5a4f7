// tunnel is the public relay for servers running behind NAT. The hidden
// server dials the tunnel address, authenticates with a shared token and
// keeps a yamux session open. Every connection arriving on the external
// address is forwarded through a yamux stream, prefixed with one line
// carrying the original remote address.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	yamux "github.com/hashicorp/yamux"
)

var eaddr = flag.String("eaddr", ":5555", "address for external connections")
var taddr = flag.String("taddr", ":5556", "address for the tunnel connection")
var secret = flag.String("token", "token", "token for tunnel auth")
var certfile = flag.String("cert", "", "tls certificate file")
var keyfile = flag.String("key", "", "tls key file")

func main() {
	flag.Parse()
	log.Printf("using external addr %s and tunnel addr %s", *eaddr, *taddr)

	var ylistener net.Listener
	var err error
	if *certfile == "" && *keyfile == "" {
		log.Println("starting non-tls tunnel listener")
		ylistener, err = net.Listen("tcp", *taddr)
	} else {
		log.Println("starting tls tunnel listener")
		var cert tls.Certificate
		cert, err = tls.LoadX509KeyPair(*certfile, *keyfile)
		if err != nil {
			panic(err)
		}
		tc := &tls.Config{Certificates: []tls.Certificate{cert}}
		ylistener, err = tls.Listen("tcp", *taddr, tc)
	}
	if err != nil {
		panic(err)
	}

	for {
		yconn, err := ylistener.Accept()
		if err != nil {
			log.Print(err)
			time.Sleep(time.Second)
			continue
		}
		log.Printf("tunnel connection from %s", yconn.RemoteAddr())
		if !authenticate(yconn) {
			log.Printf("rejected tunnel from %s", yconn.RemoteAddr())
			continue
		}
		runSession(yconn)
		time.Sleep(2 * time.Second)
		log.Println("waiting for next tunnel")
	}
}

func authenticate(yconn net.Conn) bool {
	token := make([]byte, 64)
	_ = yconn.SetReadDeadline(time.Now().Add(10 * time.Second))
	n, err := yconn.Read(token)
	if err != nil {
		yconn.Close()
		return false
	}
	_ = yconn.SetReadDeadline(time.Time{})
	if *secret != string(token[:n]) {
		_, _ = yconn.Write([]byte{'-'})
		yconn.Close()
		return false
	}
	_, _ = yconn.Write([]byte{'+'})
	return true
}

// runSession serves external connections through one tunnel session. When
// the session dies the external listener closes with it, clients get a
// refusal instead of a dead forward.
func runSession(yconn net.Conn) {
	session, err := yamux.Server(yconn, nil)
	if err != nil {
		log.Printf("error creating session: %q", err)
		yconn.Close()
		return
	}
	defer session.Close()

	listener, err := net.Listen("tcp", *eaddr)
	if err != nil {
		log.Printf("unable to open external listener: %q", err)
		return
	}
	defer func() {
		log.Print("closing external listener")
		listener.Close()
	}()

	go func() {
		// unblocks the accept loop as soon as the hidden side goes away
		<-session.CloseChan()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Println(err)
			return
		}
		if session.IsClosed() {
			conn.Close()
			log.Printf("session is closed, retrying...")
			return
		}
		log.Printf("new connection from %s", conn.RemoteAddr())
		go forward(session, conn)
	}
}

func forward(session *yamux.Session, conn net.Conn) {
	defer conn.Close()
	tstream, err := session.OpenStream()
	if err != nil {
		log.Printf("error opening stream: %q", err)
		return
	}
	log.Printf("new stream %d for %s", tstream.StreamID(), conn.RemoteAddr())
	c := make(chan struct{})
	go func() {
		fmt.Fprintf(tstream, "%s\n", conn.RemoteAddr())
		_, err := io.Copy(tstream, conn)
		if err != nil {
			log.Printf("error copying to stream %d from %s: %q", tstream.StreamID(), conn.RemoteAddr(), err)
		}
		tstream.Close()
		close(c)
	}()
	_, err = io.Copy(conn, tstream)
	if err != nil {
		log.Printf("error copying to %s from stream %d: %q", conn.RemoteAddr(), tstream.StreamID(), err)
	}
	conn.Close()
	<-c
}
