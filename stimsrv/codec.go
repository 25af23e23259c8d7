// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stimsrv

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/stim/clock"
	"github.com/go-lpc/stim/sched"
)

// EncodeEvidence encodes the evidence table of the response window starting
// at start into a TDAQ frame body.
func EncodeEvidence(start clock.Sample, evt sched.Evidence) []byte {
	buf := new(bytes.Buffer)
	enc := tdaq.NewEncoder(buf)
	enc.WriteU32(uint32(start))
	writeEvidence(enc, evt)
	return buf.Bytes()
}

// DecodeEvidence decodes an evidence table and the start of its response
// window from a TDAQ frame body.
func DecodeEvidence(p []byte) (clock.Sample, sched.Evidence, error) {
	dec := tdaq.NewDecoder(bytes.NewReader(p))
	start := clock.Sample(dec.ReadU32())
	evt := readEvidence(dec)
	if err := dec.Err(); err != nil {
		return 0, nil, fmt.Errorf("stimsrv: could not decode evidence: %w", err)
	}
	return start, evt, nil
}

// EncodeWindow encodes the [start, end) bounds of a response window.
func EncodeWindow(start, end clock.Sample) []byte {
	buf := new(bytes.Buffer)
	enc := tdaq.NewEncoder(buf)
	enc.WriteU32(uint32(start))
	enc.WriteU32(uint32(end))
	return buf.Bytes()
}

// DecodeWindow decodes the bounds of a response window.
func DecodeWindow(p []byte) (start, end clock.Sample, err error) {
	dec := tdaq.NewDecoder(bytes.NewReader(p))
	start = clock.Sample(dec.ReadU32())
	end = clock.Sample(dec.ReadU32())
	if err := dec.Err(); err != nil {
		return 0, 0, fmt.Errorf("stimsrv: could not decode window: %w", err)
	}
	return start, end, nil
}

// EncodeTelemetry encodes a completed period into a TDAQ frame body.
func EncodeTelemetry(tlm sched.Telemetry) []byte {
	buf := new(bytes.Buffer)
	enc := tdaq.NewEncoder(buf)
	enc.WriteU64(tlm.Index)
	writeEvidence(enc, tlm.Evidence)
	enc.WriteU32(uint32(len(tlm.Plan)))
	for _, p := range tlm.Plan {
		enc.WriteI32(p.Delay)
		enc.WriteU32(uint32(p.Site.Network))
		enc.WriteU32(uint32(p.Site.Slot))
	}
	return buf.Bytes()
}

// DecodeTelemetry decodes a completed period from a TDAQ frame body.
func DecodeTelemetry(p []byte) (sched.Telemetry, error) {
	var (
		tlm sched.Telemetry
		dec = tdaq.NewDecoder(bytes.NewReader(p))
	)
	tlm.Index = dec.ReadU64()
	tlm.Evidence = readEvidence(dec)
	n := int(dec.ReadU32())
	if dec.Err() == nil && n > 0 {
		tlm.Plan = make(sched.Plan, n)
		for i := range tlm.Plan {
			tlm.Plan[i].Delay = dec.ReadI32()
			tlm.Plan[i].Site.Network = int(dec.ReadU32())
			tlm.Plan[i].Site.Slot = int(dec.ReadU32())
		}
	}
	if err := dec.Err(); err != nil {
		return tlm, fmt.Errorf("stimsrv: could not decode telemetry: %w", err)
	}
	return tlm, nil
}

func writeEvidence(enc *tdaq.Encoder, evt sched.Evidence) {
	sites := make([]sched.Site, 0, len(evt))
	for site := range evt {
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool {
		if sites[i].Network != sites[j].Network {
			return sites[i].Network < sites[j].Network
		}
		return sites[i].Slot < sites[j].Slot
	})

	enc.WriteU32(uint32(len(sites)))
	for _, site := range sites {
		spikes := evt[site]
		enc.WriteU32(uint32(site.Network))
		enc.WriteU32(uint32(site.Slot))
		enc.WriteU32(uint32(len(spikes)))
		for _, v := range spikes {
			enc.WriteI32(v)
		}
	}
}

func readEvidence(dec *tdaq.Decoder) sched.Evidence {
	n := int(dec.ReadU32())
	if dec.Err() != nil {
		return nil
	}
	evt := make(sched.Evidence, n)
	for i := 0; i < n && dec.Err() == nil; i++ {
		site := sched.Site{
			Network: int(dec.ReadU32()),
			Slot:    int(dec.ReadU32()),
		}
		spikes := make([]int32, dec.ReadU32())
		for j := range spikes {
			spikes[j] = dec.ReadI32()
		}
		evt[site] = spikes
	}
	return evt
}
