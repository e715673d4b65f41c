// Package ipassign assigns an IPv4 address and netmask to a named interface
// via socket ioctls (SIOCSIFADDR, SIOCSIFNETMASK), never via netlink.
package ipassign

import (
	"encoding/binary"
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

const ifnamsiz = 16

// sockaddrIn mirrors struct sockaddr_in as embedded inside struct ifreq's
// ifr_addr member.
type sockaddrIn struct {
	family uint16
	port   uint16
	addr   [4]byte
	zero   [8]byte
}

// ifreqAddr mirrors struct ifreq with an ifr_addr (sockaddr) union member.
type ifreqAddr struct {
	name [ifnamsiz]byte
	addr sockaddrIn
	_    [8]byte // pad to struct ifreq size
}

func nameBytes(name string) ([ifnamsiz]byte, error) {
	var b [ifnamsiz]byte
	if len(name) == 0 || len(name) >= ifnamsiz {
		return b, fmt.Errorf("ipassign: interface name %q too long (max %d)", name, ifnamsiz-1)
	}
	copy(b[:], name)
	return b, nil
}

func toSockaddrIn(ip net.IP) (sockaddrIn, error) {
	v4 := ip.To4()
	if v4 == nil {
		return sockaddrIn{}, fmt.Errorf("ipassign: %s is not an IPv4 address", ip)
	}
	var s sockaddrIn
	s.family = unix.AF_INET
	copy(s.addr[:], v4)
	return s, nil
}

// PrefixToMask expands a CIDR prefix length to a dotted-quad netmask.
// Prefix 0 yields the all-zeros mask; prefix >= 32 yields the all-ones mask.
func PrefixToMask(prefixLen int) net.IP {
	var bits uint32
	switch {
	case prefixLen <= 0:
		bits = 0
	case prefixLen >= 32:
		bits = 0xffffffff
	default:
		bits = ^uint32(0) << uint(32-prefixLen)
	}
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, bits)
	return net.IP(b)
}

// Assign sets the IPv4 address and the netmask derived from prefixLen on the
// named interface.
func Assign(ifaceName string, addr net.IP, prefixLen int) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("ipassign: socket: %w", err)
	}
	defer unix.Close(fd)

	nb, err := nameBytes(ifaceName)
	if err != nil {
		return err
	}

	sIP, err := toSockaddrIn(addr)
	if err != nil {
		return err
	}
	reqAddr := ifreqAddr{name: nb, addr: sIP}
	if err := ioctl(uintptr(fd), unix.SIOCSIFADDR, uintptr(unsafe.Pointer(&reqAddr))); err != nil {
		return fmt.Errorf("ipassign: SIOCSIFADDR %s %s: %w", ifaceName, addr, err)
	}

	sMask, err := toSockaddrIn(PrefixToMask(prefixLen))
	if err != nil {
		return err
	}
	reqMask := ifreqAddr{name: nb, addr: sMask}
	if err := ioctl(uintptr(fd), unix.SIOCSIFNETMASK, uintptr(unsafe.Pointer(&reqMask))); err != nil {
		return fmt.Errorf("ipassign: SIOCSIFNETMASK %s /%d: %w", ifaceName, prefixLen, err)
	}
	return nil
}

func ioctl(fd uintptr, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}
