// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bulk writes to the bulk OUT endpoint of the stimulation FPGA
// through libusb.
package bulk // import "github.com/go-lpc/stim/usb/bulk"

import (
	"fmt"
	"io"

	"github.com/google/gousb"
)

const (
	VendorID  = 0x33ff
	ProductID = 0x1234
	Endpoint  = 1 // bulk OUT endpoint of the command path
)

type endpoint interface {
	Write(p []byte) (int, error)
}

// Device is the bulk OUT endpoint of the instrument.
type Device struct {
	vid uint16
	pid uint16
	ep  endpoint
	rel func() error // releases the interface, the device and the libusb context
}

var (
	usbOpen = usbOpenImpl
)

func usbOpenImpl(vid, pid uint16, num int) (endpoint, func() error, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	switch {
	case err != nil:
		_ = ctx.Close()
		return nil, nil, err
	case dev == nil:
		_ = ctx.Close()
		return nil, nil, fmt.Errorf("no such device")
	}

	err = dev.SetAutoDetach(true)
	if err != nil {
		_ = dev.Close()
		_ = ctx.Close()
		return nil, nil, fmt.Errorf("could not detach kernel driver: %w", err)
	}

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		_ = dev.Close()
		_ = ctx.Close()
		return nil, nil, fmt.Errorf("could not claim interface: %w", err)
	}

	ep, err := intf.OutEndpoint(num)
	if err != nil {
		done()
		_ = dev.Close()
		_ = ctx.Close()
		return nil, nil, fmt.Errorf("could not open endpoint %d: %w", num, err)
	}

	rel := func() error {
		done()
		err := dev.Close()
		if e := ctx.Close(); e != nil && err == nil {
			err = e
		}
		return err
	}
	return ep, rel, nil
}

// Open opens the bulk OUT endpoint of the first device matching (vid, pid).
func Open(vid, pid uint16) (*Device, error) {
	ep, rel, err := usbOpen(vid, pid, Endpoint)
	if err != nil {
		return nil, fmt.Errorf("bulk: could not open device (vid=0x%x, pid=0x%x): %w", vid, pid, err)
	}
	return &Device{vid: vid, pid: pid, ep: ep, rel: rel}, nil
}

// Write sends p as a single bulk transfer.
func (dev *Device) Write(p []byte) (int, error) {
	n, err := dev.ep.Write(p)
	switch {
	case err != nil:
		return n, fmt.Errorf("bulk: could not write transfer: %w", err)
	case n != len(p):
		return n, fmt.Errorf("bulk: could not write transfer: %w", io.ErrShortWrite)
	}
	return n, nil
}

func (dev *Device) Close() error {
	if dev.rel == nil {
		return nil
	}
	err := dev.rel()
	dev.rel = nil
	if err != nil {
		return fmt.Errorf("bulk: could not close device (vid=0x%x, pid=0x%x): %w", dev.vid, dev.pid, err)
	}
	return nil
}
