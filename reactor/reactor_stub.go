//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import "github.com/momentics/fiberloop/api"

// NewDemux returns an error on platforms without epoll.
func NewDemux(maxEvents int) (api.Demux, error) {
	return nil, api.ErrNotSupported
}

// NewNotifier returns an error on platforms without eventfd.
func NewNotifier() (api.Notifier, error) {
	return nil, api.ErrNotSupported
}
