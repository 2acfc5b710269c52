//go:build windows

package kcpnet

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// sioUDPConnReset is SIO_UDP_CONNRESET (IOC_IN | IOC_VENDOR | 12).
const sioUDPConnReset = 0x9800000C

// suppressUnreachable stops WSAECONNRESET from surfacing on receive after
// an ICMP port-unreachable for a previous send.
func suppressUnreachable(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		enable := uint32(0)
		var ret uint32
		serr = windows.WSAIoctl(windows.Handle(fd), sioUDPConnReset,
			(*byte)(unsafe.Pointer(&enable)), uint32(unsafe.Sizeof(enable)),
			nil, 0, &ret, nil, 0)
	})
	if err != nil {
		return err
	}
	return serr
}
