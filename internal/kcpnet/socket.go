package kcpnet

import (
	"context"
	"fmt"
	"net"
)

// listenUDP binds a UDP socket on addr with ICMP port-unreachable reports
// suppressed, so a vanished peer cannot abort the shared socket.
func listenUDP(network, addr string, readBuffer int) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: suppressUnreachable}
	pc, err := lc.ListenPacket(context.Background(), network, addr)
	if err != nil {
		return nil, err
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("unexpected packet conn type %T", pc)
	}

	if readBuffer > 0 {
		if err := conn.SetReadBuffer(readBuffer); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set read buffer to %d: %w", readBuffer, err)
		}
	}
	return conn, nil
}

// sameAddr reports whether a and b name the same UDP endpoint. IPv4 and
// IPv4-mapped IPv6 forms of one address compare equal.
func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Port == b.Port && a.IP.Equal(b.IP) && a.Zone == b.Zone
}

// cloneAddr detaches addr from the receive buffer it may alias.
func cloneAddr(addr *net.UDPAddr) *net.UDPAddr {
	if addr == nil {
		return nil
	}
	ip := make(net.IP, len(addr.IP))
	copy(ip, addr.IP)
	return &net.UDPAddr{IP: ip, Port: addr.Port, Zone: addr.Zone}
}
