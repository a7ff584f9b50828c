//go:build !linux

package mux

import "errors"

// ErrUnsupportedPlatform is returned by New on platforms without an epoll
// implementation. The proxy core's multiplexer is Linux-only, matching the
// teacher's own io_uring layer (also Linux-only); this stub exists so the
// module still type-checks on other GOOS values, the same role the
// teacher's kernelopcode_stub.go plays for non-Linux builds.
var ErrUnsupportedPlatform = errors.New("mux: epoll selector requires linux")

// Selector is an unusable placeholder on non-Linux platforms.
type Selector struct{}

func New(hint int) (*Selector, error) {
	return nil, ErrUnsupportedPlatform
}

func (s *Selector) Register(fd int, h Handler, mask Mask, userData any) (*Registration, error) {
	return nil, ErrUnsupportedPlatform
}

func (s *Selector) Unregister(fd int) error { return ErrUnsupportedPlatform }

func (s *Selector) SetInterest(fd int, mask Mask) error { return ErrUnsupportedPlatform }

func (s *Selector) Select(timeoutMs int) error { return ErrUnsupportedPlatform }

func (s *Selector) Close() error { return nil }
