//go:build windows

package transport

import (
	"errors"
	"syscall"
)

// wsaeAddrInUse is WSAEADDRINUSE; the syscall package does not name it.
const wsaeAddrInUse = syscall.Errno(10048)

// setReuseAddr enables SO_REUSEADDR on Windows sockets.
func setReuseAddr(fd uintptr) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, wsaeAddrInUse) || errors.Is(err, syscall.EADDRINUSE)
}
