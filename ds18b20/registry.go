// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"periph.io/x/conn/v3/onewire"
)

const (
	// MaxDevices is the number of devices a Registry holds.
	MaxDevices = 64
	// Broadcast is the index addressing every device on the bus at once. It
	// is never a valid discovery index.
	Broadcast = 255
)

// Registry holds the devices found by the last discovery, indexed in the
// order they were found.
//
// Indices are only stable until the next discovery, which replaces the
// content wholesale.
type Registry struct {
	devs []*Dev
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	return len(r.devs)
}

// Get returns the device at index i.
func (r *Registry) Get(i int) (*Dev, error) {
	if i < 0 || i >= len(r.devs) {
		return nil, ErrInvalidIndex
	}
	return r.devs[i], nil
}

// Select returns the devices addressed by i: every device for Broadcast,
// otherwise the one at index i.
func (r *Registry) Select(i int) ([]*Dev, error) {
	if i == Broadcast {
		return r.Devices(), nil
	}
	d, err := r.Get(i)
	if err != nil {
		return nil, err
	}
	return []*Dev{d}, nil
}

// Devices returns a copy of the registered devices in index order.
func (r *Registry) Devices() []*Dev {
	return append([]*Dev(nil), r.devs...)
}

// Index returns the index of the device with identifier addr.
func (r *Registry) Index(addr onewire.Address) (int, bool) {
	for i, d := range r.devs {
		if d.Addr() == addr {
			return i, true
		}
	}
	return 0, false
}

// replace rebuilds the registry from addrs. Identifiers beyond MaxDevices are
// not registered and ErrTooManyDevices is returned.
func (r *Registry) replace(bus onewire.Bus, addrs []onewire.Address) error {
	var err error
	if len(addrs) > MaxDevices {
		addrs = addrs[:MaxDevices]
		err = ErrTooManyDevices
	}
	r.devs = make([]*Dev, 0, len(addrs))
	for _, a := range addrs {
		r.devs = append(r.devs, newDev(bus, a))
	}
	return err
}
