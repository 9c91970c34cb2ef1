package netutil

import (
	"errors"
	"os"
	"strings"
	"syscall"
)

type byteSequence interface {
	~[]byte
}

// CloneAddr returns a copy of addr (for slice-based address types like net.IP or
// net.HardwareAddr). Nil inputs remain nil.
func CloneAddr[T byteSequence](addr T) T {
	if addr == nil {
		return nil
	}

	dup := make(T, len(addr))
	copy(dup, addr)

	return dup
}

// HasNamePrefix reports whether name starts with any of prefixes. Empty
// prefixes never match.
func HasNamePrefix(name string, prefixes ...string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(name, prefix) {
			return true
		}
	}

	return false
}

// IsTemporary reports whether err is a transient socket condition that a
// receive loop should retry: a timeout, an interrupted call, or no data yet.
func IsTemporary(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}

	switch errno {
	case syscall.EAGAIN, syscall.EINTR:
		return true
	default:
		return errno == syscall.EWOULDBLOCK
	}
}

// IsNoDeviceError reports whether err wraps ENODEV.
func IsNoDeviceError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}

	return errno == syscall.ENODEV
}
