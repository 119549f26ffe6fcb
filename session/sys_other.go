//go:build !unix

package session

import (
	"errors"
	"os"
	"syscall"
)

// SO_REUSEADDR has different semantics off unix; the port is bound as is.
func reuseAddr(network, address string, c syscall.RawConn) error { return nil }

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

func terminate(p *os.Process) error {
	return p.Kill()
}
