//go:build !linux

package md5sig

import (
	"errors"
	"net/netip"
)

// Supported reports whether the host exposes the TCP-MD5 socket option.
func Supported() bool { return false }

// Set always returns an error: this platform has no TCP-MD5 socket option.
func Set(fd int, remote netip.Addr, key string) error {
	return errors.New("md5sig: tcp md5 signatures unsupported on this platform")
}
