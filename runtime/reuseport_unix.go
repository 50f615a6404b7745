//go:build unix

package runtime

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// reusePortListenConfig returns a net.ListenConfig whose Control hook
// sets SO_REUSEPORT on the socket before bind, mirroring what
// miekg/dns's own dns.Server{ReusePort: true} does internally. This
// runtime binds its own sockets directly instead of going through
// dns.Server, so it needs the same hook itself: spec.md §4.8 step 2
// requires a modified block's replacement runtime to bind the same
// address "via SO_REUSEPORT where available" while the old runtime is
// still draining its grace period on that same address.
func reusePortListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
}
