// Package md5sig configures TCP-MD5 segment authentication (RFC 2385) where
// the operating system supports it. The capability probe lets configuration
// validation reject password-protected peers early on unsupported hosts.
package md5sig

import (
	"errors"
	"fmt"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

// https://github.com/torvalds/linux/blob/v5.11-rc7/include/uapi/linux/tcp.h#L326
type tcpMD5Sig struct {
	ssFamily  uint16
	ss        [126]byte
	flags     uint8
	prefixLen uint8
	keyLen    uint16
	ifIndex   uint32
	key       [80]byte
}

// Supported reports whether the host exposes the TCP-MD5 socket option.
func Supported() bool { return true }

// Set installs a TCP-MD5 key on the socket for the given remote address.
// Works on both connected sockets and listeners (per-remote pre-binding for
// inbound flows). An empty key removes the signature.
func Set(fd int, remote netip.Addr, key string) error {
	if len(key) > unix.TCP_MD5SIG_MAXKEYLEN {
		return fmt.Errorf("md5sig: key longer than %d bytes", unix.TCP_MD5SIG_MAXKEYLEN)
	}
	t := tcpMD5Sig{flags: unix.TCP_MD5SIG_FLAG_PREFIX}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return err
	}
	switch sa.(type) {
	case *unix.SockaddrInet4:
		if !remote.Is4() && !remote.Is4In6() {
			return errors.New("md5sig: ipv4 socket requires ipv4 remote")
		}
		t.ssFamily = unix.AF_INET
		a := remote.Unmap().As4()
		copy(t.ss[2:], a[:])
		t.prefixLen = 32
	case *unix.SockaddrInet6:
		t.ssFamily = unix.AF_INET6
		// IPv4-mapped IPv6 is valid on an AF_INET6 wildcard socket.
		a := netip.AddrFrom16(remote.As16()).As16()
		copy(t.ss[6:], a[:])
		t.prefixLen = 128
	default:
		return errors.New("md5sig: unknown socket family")
	}
	t.keyLen = uint16(len(key))
	copy(t.key[:], key)
	b := *(*[unsafe.Sizeof(t)]byte)(unsafe.Pointer(&t))
	return unix.SetsockoptString(fd, unix.IPPROTO_TCP, unix.TCP_MD5SIG_EXT, string(b[:]))
}
