// Package tapdev creates and destroys persistent Linux TAP devices via
// /dev/net/tun ioctls, and brings interfaces up via a datagram-socket ioctl.
// It never shells out to `ip` and never speaks netlink.
package tapdev

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ifnamsiz = 16

	// from linux/if_tun.h
	tunsetiff     = 0x400454ca
	tunsetpersist = 0x400454cb

	// from linux/if_tun.h
	iffTap  = 0x0002
	iffNoPI = 0x1000
)

// ifreqFlags mirrors struct ifreq's TAP-relevant prefix: a 16-byte interface name
// followed by a union whose first member (for TUNSETIFF) is a 16-bit flags
// field. The kernel ignores the padding beyond what each ioctl reads.
type ifreqFlags struct {
	name  [ifnamsiz]byte
	flags uint16
	_     [22]byte // pad to the full struct ifreq size (40 bytes on amd64)
}

func nameBytes(name string) ([ifnamsiz]byte, error) {
	var b [ifnamsiz]byte
	if len(name) == 0 || len(name) >= ifnamsiz {
		return b, fmt.Errorf("tapdev: interface name %q too long (max %d)", name, ifnamsiz-1)
	}
	copy(b[:], name)
	return b, nil
}

// Create opens /dev/net/tun and attaches a persistent TAP device named
// `name`, without packet-info framing. The /dev/net/tun descriptor is closed
// before Create returns; TUNSETPERSIST keeps the device alive after close.
func Create(name string) error {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("tapdev: open /dev/net/tun: %w", err)
	}
	defer unix.Close(fd)

	nb, err := nameBytes(name)
	if err != nil {
		return err
	}
	req := ifreqFlags{name: nb, flags: iffTap | iffNoPI}
	if err := ioctl(uintptr(fd), tunsetiff, uintptr(unsafe.Pointer(&req))); err != nil {
		return fmt.Errorf("tapdev: TUNSETIFF %s: %w", name, err)
	}
	if err := ioctl(uintptr(fd), tunsetpersist, 1); err != nil {
		return fmt.Errorf("tapdev: TUNSETPERSIST(1) %s: %w", name, err)
	}
	return nil
}

// Destroy removes a persistent TAP device. A "no such device" failure from
// the kernel is treated as success (idempotent destroy).
func Destroy(name string) error {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("tapdev: open /dev/net/tun: %w", err)
	}
	defer unix.Close(fd)

	nb, err := nameBytes(name)
	if err != nil {
		return err
	}
	req := ifreqFlags{name: nb, flags: iffTap | iffNoPI}
	if err := ioctl(uintptr(fd), tunsetiff, uintptr(unsafe.Pointer(&req))); err != nil {
		if !errors.Is(err, unix.ENODEV) {
			return fmt.Errorf("tapdev: TUNSETIFF %s: %w", name, err)
		}
		return nil
	}
	if err := ioctl(uintptr(fd), tunsetpersist, 0); err != nil {
		if errors.Is(err, unix.ENODEV) {
			return nil
		}
		return fmt.Errorf("tapdev: TUNSETPERSIST(0) %s: %w", name, err)
	}
	return nil
}

// ifreqShort mirrors struct ifreq's short-flags union member, used for
// SIOCGIFFLAGS/SIOCSIFFLAGS.
type ifreqShort struct {
	name  [ifnamsiz]byte
	flags int16
	_     [22]byte
}

// LinkUp brings the named interface up by OR-ing IFF_UP into its current
// flags, read and written via a throwaway datagram socket.
func LinkUp(name string) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("tapdev: socket: %w", err)
	}
	defer unix.Close(fd)

	nb, err := nameBytes(name)
	if err != nil {
		return err
	}

	var req ifreqShort
	req.name = nb
	if err := ioctl(uintptr(fd), unix.SIOCGIFFLAGS, uintptr(unsafe.Pointer(&req))); err != nil {
		return fmt.Errorf("tapdev: SIOCGIFFLAGS %s: %w", name, err)
	}
	req.flags |= unix.IFF_UP
	if err := ioctl(uintptr(fd), unix.SIOCSIFFLAGS, uintptr(unsafe.Pointer(&req))); err != nil {
		return fmt.Errorf("tapdev: SIOCSIFFLAGS %s: %w", name, err)
	}
	return nil
}

// ioctl issues a raw ioctl(2) syscall. arg is either a uintptr-encoded small
// integer (e.g. TUNSETPERSIST's 0/1) or a pointer to a request struct,
// matching how each ioctl interprets its third argument.
func ioctl(fd uintptr, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}
