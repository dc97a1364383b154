package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ziutek/telnet"
)

// loadharness opens a number of telnet sessions against a running termmux
// with the echo device and pushes random payloads through every line,
// checking that each byte comes back unchanged. It reports throughput and
// round-trip latency so buffer and poll-interval changes can be compared.
func main() {
	var (
		addr     = flag.String("addr", "127.0.0.1:2323", "termmux listener address")
		sessions = flag.Int("sessions", 8, "concurrent telnet sessions")
		chunk    = flag.Int("chunk", 64, "bytes per write")
		runFor   = flag.Duration("duration", 30*time.Second, "how long to run the load")
		binary   = flag.Bool("iac", true, "include 0xFF bytes in payloads")
	)
	flag.Parse()

	if *sessions <= 0 || *chunk <= 0 {
		log.Fatalf("sessions and chunk must be >0 (got %d, %d)", *sessions, *chunk)
	}
	log.Printf("loadharness: %d sessions to %s, chunk=%d duration=%s", *sessions, *addr, *chunk, *runFor)

	ctx, cancel := context.WithTimeout(context.Background(), *runFor)
	defer cancel()

	var (
		echoed     atomic.Uint64
		mismatches atomic.Uint64
		failures   atomic.Uint64
		latencyNs  atomic.Int64
		roundTrips atomic.Uint64
	)
	var wg sync.WaitGroup
	for i := 0; i < *sessions; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			conn, err := telnet.DialTimeout("tcp", *addr, 5*time.Second)
			if err != nil {
				log.Printf("session %d: dial: %v", id, err)
				failures.Add(1)
				return
			}
			defer conn.Close()
			// Discard the connect banner before measuring.
			conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
			io.Copy(io.Discard, conn)

			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
			out := make([]byte, *chunk)
			in := make([]byte, *chunk)
			for ctx.Err() == nil {
				fillPayload(rng, out, *binary)
				start := time.Now()
				if _, err := conn.Write(out); err != nil {
					log.Printf("session %d: write: %v", id, err)
					failures.Add(1)
					return
				}
				conn.SetReadDeadline(time.Now().Add(5 * time.Second))
				if _, err := io.ReadFull(conn, in); err != nil {
					log.Printf("session %d: read: %v", id, err)
					failures.Add(1)
					return
				}
				latencyNs.Add(int64(time.Since(start)))
				roundTrips.Add(1)
				echoed.Add(uint64(len(in)))
				if !bytes.Equal(in, out) {
					mismatches.Add(1)
				}
			}
		}(i)
	}
	wg.Wait()

	elapsed := runFor.Seconds()
	trips := roundTrips.Load()
	var avg time.Duration
	if trips > 0 {
		avg = time.Duration(latencyNs.Load() / int64(trips))
	}
	log.Println("loadharness: complete")
	log.Printf("echoed=%s round_trips=%d mismatches=%d failed_sessions=%d",
		humanize.Bytes(echoed.Load()), trips, mismatches.Load(), failures.Load())
	log.Printf("throughput=%s/s avg_rtt=%s", humanize.Bytes(uint64(float64(echoed.Load())/elapsed)), avg)
}

// fillPayload writes printable bytes, plus IAC when withIAC is set. CR is
// avoided so a prompting echo device does not expand the stream.
func fillPayload(rng *rand.Rand, p []byte, withIAC bool) {
	for i := range p {
		if withIAC && rng.Intn(16) == 0 {
			p[i] = 0xFF
			continue
		}
		p[i] = byte('!' + rng.Intn('~'-'!'))
	}
}
