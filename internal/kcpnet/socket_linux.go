//go:build linux

package kcpnet

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/1ureka/kcpnet/internal/util"
)

// suppressUnreachable turns off extended error reporting so ICMP errors are
// never queued on the socket. Failures are not fatal: the default is already off.
func suppressUnreachable(network, address string, c syscall.RawConn) error {
	return c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_RECVERR, 0); err != nil {
			util.LogDebug("IP_RECVERR on %s %s: %v", network, address, err)
		}
		if network == "udp6" || network == "udp" {
			if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_RECVERR, 0); err != nil {
				util.LogDebug("IPV6_RECVERR on %s %s: %v", network, address, err)
			}
		}
	})
}
