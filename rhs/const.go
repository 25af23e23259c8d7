// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rhs

const (
	NumMEAs          = 4
	ChipsPerMEA      = 4
	LinesPerChip     = 15
	ElectrodesPerMEA = ChipsPerMEA * LinesPerChip
	NumElectrodes    = NumMEAs * ElectrodesPerMEA

	NumSubCmds = 64
	SlotSize   = (NumSubCmds + 2) * 4 // handshake word + target word + sub-commands
)

const (
	flagWrite = 0xa0 // write, U flag set
	flagRead  = 0xc0
)

var noop = [4]byte{0, 0, 0xfe, flagRead}

// RHS2116 registers.
const (
	RegDigOut        = 1
	RegADCHiCut1     = 4
	RegADCHiCut2     = 5
	RegADCLoCutA     = 6
	RegADCLoCutB     = 7
	RegAmpPower      = 8
	RegFastSettle    = 10
	RegLoCutSelect   = 12 // selects the lower bandpass corner
	RegStimEnableA   = 32
	RegStimEnableB   = 33
	RegStimStep      = 34
	RegStimBias      = 35
	RegRecoveryDAC   = 36
	RegRecoveryLimit = 37
	RegAmpPowerLG    = 38
	RegStimOn        = 42
	RegPolarity      = 44
	RegRecoverySwOn  = 46
	RegRecoveryOn    = 48
	RegNegCurrent    = 64 // 64..79
	RegPosCurrent    = 96 // 96..111
)

const (
	stimEnableA = 0xaaaa
	stimEnableB = 0x00ff
)

// StepSize is the current step of the stimulators.
type StepSize string

const (
	Step10nA  StepSize = "10nA"
	Step200nA StepSize = "200nA"
	Step1uA   StepSize = "1uA"
	Step10uA  StepSize = "10uA"
)

var stepWrites = map[StepSize][2]Write{
	Step10nA:  {{RegStimStep, 0x6941}, {RegStimBias, 0x0066}},
	Step200nA: {{RegStimStep, 0x0519}, {RegStimBias, 0x0088}},
	Step1uA:   {{RegStimStep, 0x00e2}, {RegStimBias, 0x00aa}},
	Step10uA:  {{RegStimStep, 0x000f}, {RegStimBias, 0x00ff}},
}

// Recovery is the charge recovery current limit.
type Recovery string

const (
	Recover1nA   Recovery = "1nA"
	Recover10nA  Recovery = "10nA"
	Recover100nA Recovery = "100nA"
	Recover1uA   Recovery = "1uA"
)

var recoveryWrites = map[Recovery]Write{
	Recover1nA:   {RegRecoveryLimit, 0x4f00},
	Recover10nA:  {RegRecoveryLimit, 0x07b2},
	Recover100nA: {RegRecoveryLimit, 0x00b8},
	Recover1uA:   {RegRecoveryLimit, 0x0009},
}

// sub-phases of a pulse burst.
type subPhase uint8

const (
	onset        subPhase = iota // pole shift of the bandpass, fast settle on
	pulseOn                      // first polarity
	flip                         // second polarity
	pulseOff                     // stimulation off, discharge on
	dischargeOff                 // discharge off, polarity restored
	offset                       // fast settle off, bandpass restored
	numSubPhases
)

var phaseTable = [...][]subPhase{
	Middle: {pulseOn, flip, pulseOff, dischargeOff},
	Start:  {onset, pulseOn, flip, pulseOff, dischargeOff},
	End:    {pulseOn, flip, pulseOff, dischargeOff, offset},
	Single: {onset, pulseOn, flip, pulseOff, dischargeOff, offset},
}
