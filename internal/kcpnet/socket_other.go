//go:build !linux && !windows

package kcpnet

import "syscall"

func suppressUnreachable(network, address string, c syscall.RawConn) error {
	return nil
}
