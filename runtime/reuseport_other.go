//go:build !unix

package runtime

import "net"

// reusePortListenConfig has no SO_REUSEPORT equivalent wired up on
// non-unix platforms; see reuseport_unix.go.
func reusePortListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
