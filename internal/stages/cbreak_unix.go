//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package stages

import "golang.org/x/sys/unix"

// enterCbreak clears ICANON and ECHO on fd and returns a function that
// restores the previous settings.
func enterCbreak(fd int) (func() error, error) {
	old, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return nil, err
	}
	t := *old
	t.Lflag &^= unix.ICANON | unix.ECHO
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &t); err != nil {
		return nil, err
	}
	return func() error { return unix.IoctlSetTermios(fd, ioctlSetTermios, old) }, nil
}
