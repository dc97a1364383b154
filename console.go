package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"termmux/commands"
)

// Purpose: Read operator commands from stdin when no dashboard owns input.
// Key aspects: Replies go to the UI surface when one is active, otherwise to
// stdout; EOF ends the reader but leaves the multiplexer running.
// Upstream: main for headless and ansi modes.
// Downstream: host.submit.
func runStdinConsole(ctx context.Context, r io.Reader, h *host, cancel context.CancelFunc) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		cmd := strings.TrimSpace(scanner.Text())
		if cmd == "" {
			continue
		}
		reply := h.submit(cmd)
		if reply == commands.Bye {
			cancel()
			return
		}
		if h.surface != nil {
			h.surface.AppendCommand("> " + cmd)
			for _, line := range strings.Split(strings.TrimRight(reply, "\n"), "\n") {
				h.surface.AppendCommand(line)
			}
			continue
		}
		fmt.Fprint(os.Stdout, reply)
	}
}
