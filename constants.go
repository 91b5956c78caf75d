package max31856

// ThermocoupleType selects the linearization curve applied by the chip
// (CR1 bits 3:0).
type ThermocoupleType uint8

const (
	TypeB ThermocoupleType = iota
	TypeE
	TypeJ
	TypeK
	TypeN
	TypeR
	TypeS
	TypeT
)

// Averaging sets the number of samples averaged per conversion result
// (CR1 bits 6:4). More samples lengthen the conversion time by roughly
// 33ms each (40ms with the 50Hz filter).
type Averaging uint8

const (
	Avg1 Averaging = iota
	Avg2
	Avg4
	Avg8
	Avg16
)

// FaultMode selects how the chip's FAULT output behaves (CR0 bit 2):
// comparator mode deasserts when the condition clears, interrupt mode
// latches until a fault-clear command.
type FaultMode uint8

const (
	FaultComparator FaultMode = iota
	FaultInterrupt
)

// OpenCircuitMode enables the chip's open-circuit detection and selects
// the test-current timing (CR0 bits 5:4).
type OpenCircuitMode uint8

const (
	OCDisabled OpenCircuitMode = iota
	OCEnabled10ms
	OCEnabled32ms
	OCEnabled100ms
)

// Read addresses; writes use the same address with the top bit set.
const (
	cr0Reg uint8 = iota
	cr1Reg
	maskReg
	cjhfReg
	cjlfReg
	lthfthReg
	lthftlReg
	ltlfthReg
	ltlftlReg
	cjtoReg
	cjthReg
	cjtlReg
	ltcbhReg
	ltcbmReg
	ltcblReg
	faultStatReg
)

const writeBit uint8 = 0x80

const (
	cr0Filter50Hz uint8 = 0x01
	cr0FaultClear uint8 = 0x02
	cr0FaultMode  uint8 = 0x04
	cr0CJDisable  uint8 = 0x08
	cr0OneShot    uint8 = 0x40
	cr0AutoConv   uint8 = 0x80

	cr0OCShift uint8 = 4

	cr1AvgShift uint8 = 4
)

// Fault is the chip's fault status register, a bitmask latched until the
// faults are cleared (or, in comparator mode, until the condition ends).
type Fault uint8

const (
	FaultOpenCircuit      Fault = 0x01
	FaultOverUnderVoltage Fault = 0x02
	FaultTCLowThreshold   Fault = 0x04
	FaultTCHighThreshold  Fault = 0x08
	FaultCJLowThreshold   Fault = 0x10
	FaultCJHighThreshold  Fault = 0x20
	FaultTCRange          Fault = 0x40
	FaultCJRange          Fault = 0x80
)
