// fakegpsd is a development stand in for a positioning daemon. It speaks
// the newline delimited JSON protocol the agent's gpsd provider expects
// and produces drifting fixes around a starting point, with knobs to
// inject errors and permission denials.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"log"
	"math"
	"math/rand"
	"net"
	"time"
)

var addr = flag.String("addr", ":2947", "listen address")
var lat = flag.Float64("lat", -6.1754, "starting latitude")
var lon = flag.Float64("lon", 106.8272, "starting longitude")
var accuracy = flag.Float64("accuracy", 15, "base accuracy in meters")
var jitter = flag.Float64("jitter", 10, "accuracy wobble in meters")
var drift = flag.Float64("drift", 25, "meters of random walk per update")
var interval = flag.Duration("interval", 2*time.Second, "watch update interval")
var delay = flag.Duration("delay", 0, "artificial delay before answering a request")
var failRate = flag.Float64("fail-rate", 0, "fraction of answers replaced by an error, 0..1")
var failCode = flag.Int("fail-code", 2, "error code injected by fail-rate: 1 permission, 2 unavailable, 3 timeout")
var deny = flag.Bool("deny", false, "deny permission to everything")
var seed = flag.Int64("seed", 0, "random seed, 0 picks one from the clock")

type message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type fixData struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Time      time.Time `json:"time"`
}

type errorData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type walker struct {
	rng *rand.Rand
	lat float64
	lon float64
}

func (w *walker) next() fixData {
	// ~111320 meters per degree of latitude
	dlat := (w.rng.Float64() - 0.5) * 2 * *drift / 111320
	dlon := (w.rng.Float64() - 0.5) * 2 * *drift / (111320 * math.Cos(w.lat*math.Pi/180))
	w.lat += dlat
	w.lon += dlon
	acc := *accuracy + w.rng.Float64()**jitter
	return fixData{Latitude: w.lat, Longitude: w.lon, Accuracy: acc, Time: time.Now()}
}

func main() {
	flag.Parse()
	s := *seed
	if s == 0 {
		s = time.Now().UnixNano()
	}
	log.Printf("fakegpsd listening on %s (seed %d)", *addr, s)

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatal(err)
	}
	var cid int
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Fatal(err)
		}
		cid++
		go serve(conn, cid, rand.New(rand.NewSource(s+int64(cid))))
	}
}

// serve handles one connection. The provider dials per command, so a
// single line is read and answered, a watch keeps the connection busy
// until the client goes away.
func serve(conn net.Conn, cid int, rng *rand.Rand) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	line, err := r.ReadBytes('\n')
	if err != nil {
		return
	}
	m := message{}
	if err := json.Unmarshal(line, &m); err != nil {
		log.Printf("[%d] malformed command: %v", cid, err)
		return
	}
	log.Printf("[%d] %s", cid, m.Type)
	w := &walker{rng: rng, lat: *lat, lon: *lon}

	switch m.Type {
	case "permission":
		state := "granted"
		if *deny {
			state = "denied"
		}
		write(conn, message{Type: "permission", Data: map[string]string{"state": state}})
	case "request":
		if *delay > 0 {
			time.Sleep(*delay)
		}
		if *deny {
			write(conn, errMsg(1, "permission denied"))
			return
		}
		if rng.Float64() < *failRate {
			write(conn, errMsg(*failCode, "injected failure"))
			return
		}
		write(conn, message{Type: "fix", Data: w.next()})
	case "watch":
		if *deny {
			write(conn, errMsg(1, "permission denied"))
			return
		}
		for {
			var out message
			if rng.Float64() < *failRate {
				out = errMsg(*failCode, "injected failure")
			} else {
				out = message{Type: "fix", Data: w.next()}
			}
			if !write(conn, out) {
				log.Printf("[%d] watch ended", cid)
				return
			}
			time.Sleep(*interval)
		}
	default:
		log.Printf("[%d] unknown command %q", cid, m.Type)
	}
}

func errMsg(code int, msg string) message {
	return message{Type: "error", Data: errorData{Code: code, Message: msg}}
}

func write(conn net.Conn, m message) bool {
	d, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err = conn.Write(append(d, '\n'))
	return err == nil
}
