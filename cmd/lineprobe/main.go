package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/ziutek/telnet"
	"golang.org/x/term"
)

// escapeByte is Ctrl-], the conventional telnet client escape.
const escapeByte = 0x1d

// lineprobe is a small interactive telnet client for poking at a single
// termmux line. The local terminal is put in raw mode so control keys reach
// the line unchanged; Ctrl-] closes the session.
func main() {
	addr := flag.String("addr", "127.0.0.1:2323", "termmux listener address")
	timeout := flag.Duration("timeout", 5*time.Second, "dial timeout")
	flag.Parse()

	conn, err := telnet.DialTimeout("tcp", *addr, *timeout)
	if err != nil {
		log.Fatalf("dial %s: %v", *addr, err)
	}
	defer conn.Close()
	fmt.Fprintf(os.Stderr, "Connected to %s. Escape character is '^]'.\r\n", *addr)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			log.Fatalf("raw mode: %v", err)
		}
		defer term.Restore(fd, state)
	}

	remoteDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(os.Stdout, conn)
		remoteDone <- err
	}()
	localDone := make(chan error, 1)
	go func() {
		localDone <- copyUntilEscape(conn, os.Stdin)
	}()

	select {
	case err := <-remoteDone:
		if err != nil {
			fmt.Fprintf(os.Stderr, "\r\nConnection lost: %v\r\n", err)
			return
		}
		fmt.Fprint(os.Stderr, "\r\nConnection closed by foreign host.\r\n")
	case err := <-localDone:
		if err != nil {
			fmt.Fprintf(os.Stderr, "\r\nWrite failed: %v\r\n", err)
			return
		}
		fmt.Fprint(os.Stderr, "\r\nConnection closed.\r\n")
	}
}

// copyUntilEscape forwards src to dst until the escape byte or EOF.
func copyUntilEscape(dst io.Writer, src io.Reader) error {
	buf := make([]byte, 256)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			stop := false
			for i, b := range chunk {
				if b == escapeByte {
					chunk = chunk[:i]
					stop = true
					break
				}
			}
			if len(chunk) > 0 {
				if _, werr := dst.Write(chunk); werr != nil {
					return werr
				}
			}
			if stop {
				return nil
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
