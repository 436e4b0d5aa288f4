package server

import (
	"context"
	"net"
	"syscall"
)

// listen opens a TCP listener with SO_REUSEADDR so a restarted server can
// bind while old connections sit in TIME_WAIT
func listen(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = setSocketOptions(fd)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}
