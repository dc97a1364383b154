//go:build !unix && !windows

package transport

// setReuseAddr is a no-op where the option is not exposed.
func setReuseAddr(fd uintptr) error {
	return nil
}

func isAddrInUse(err error) bool {
	return false
}
