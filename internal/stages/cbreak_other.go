//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package stages

import "github.com/andresmejia3/distguard/internal/errors"

func enterCbreak(int) (func() error, error) {
	return nil, errors.New("key stop is not supported on this platform")
}
