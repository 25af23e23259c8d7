// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ftdidev drives instruments whose command path goes through an
// FTDI USB bridge (FT232H) set up for synchronous bulk transfers.
package ftdidev // import "github.com/go-lpc/stim/usb/ftdidev"

import (
	"fmt"
	"io"

	"github.com/ziutek/ftdi"
)

const (
	VendorID  = 0x0403
	ProductID = 0x6014
)

type ftdiDevice interface {
	Reset() error

	SetBitmode(iomask byte, mode ftdi.Mode) error
	SetFlowControl(flowctrl ftdi.FlowCtrl) error
	SetLatencyTimer(lt int) error
	SetWriteChunkSize(cs int) error
	SetReadChunkSize(cs int) error
	PurgeBuffers() error

	io.Writer
	io.Reader
	io.Closer
}

// Device is the FTDI bridge in front of the instrument.
type Device struct {
	vid uint16     // vendor ID
	pid uint16     // product ID
	ft  ftdiDevice // handle to the FTDI device
}

var (
	ftdiOpen = ftdiOpenImpl
)

func ftdiOpenImpl(vid, pid uint16) (ftdiDevice, error) {
	dev, err := ftdi.OpenFirst(int(vid), int(pid), ftdi.ChannelAny)
	return dev, err
}

// Open opens the first device matching (vid, pid) and sets it up for
// bulk transfers.
func Open(vid, pid uint16) (*Device, error) {
	ft, err := ftdiOpen(vid, pid)
	if err != nil {
		return nil, fmt.Errorf("ftdidev: could not open device (vid=0x%x, pid=0x%x): %w", vid, pid, err)
	}

	dev := &Device{vid: vid, pid: pid, ft: ft}
	err = dev.init()
	if err != nil {
		ft.Close()
		return nil, fmt.Errorf("ftdidev: could not initialize device (vid=0x%x, pid=0x%x): %w", vid, pid, err)
	}

	return dev, nil
}

func (dev *Device) init() error {
	var err error

	err = dev.ft.Reset()
	if err != nil {
		return fmt.Errorf("could not reset USB: %w", err)
	}

	err = dev.ft.SetBitmode(0, ftdi.ModeReset)
	if err != nil {
		return fmt.Errorf("could not reset bit mode: %w", err)
	}

	err = dev.ft.SetFlowControl(ftdi.FlowCtrlDisable)
	if err != nil {
		return fmt.Errorf("could not disable flow control: %w", err)
	}

	err = dev.ft.SetLatencyTimer(2)
	if err != nil {
		return fmt.Errorf("could not set latency timer to 2: %w", err)
	}

	err = dev.ft.SetWriteChunkSize(0xffff)
	if err != nil {
		return fmt.Errorf("could not set write chunk-size to 0xffff: %w", err)
	}

	err = dev.ft.SetReadChunkSize(0xffff)
	if err != nil {
		return fmt.Errorf("could not set read chunk-size to 0xffff: %w", err)
	}

	err = dev.ft.PurgeBuffers()
	if err != nil {
		return fmt.Errorf("could not purge USB buffers: %w", err)
	}

	return nil
}

// Write sends p as a single bulk transfer.
func (dev *Device) Write(p []byte) (int, error) {
	n, err := dev.ft.Write(p)
	switch {
	case err != nil:
		return n, fmt.Errorf("ftdidev: could not write bulk transfer: %w", err)
	case n != len(p):
		return n, fmt.Errorf("ftdidev: could not write bulk transfer: %w", io.ErrShortWrite)
	}
	return n, nil
}

func (dev *Device) Close() error {
	return dev.ft.Close()
}
