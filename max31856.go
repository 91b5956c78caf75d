// Package max31856 interfaces with the Maxim MAX31856 thermocouple-to-digital
// converter over SPI.
//
// The chip linearizes and cold-junction-compensates a thermocouple and exposes
// the result as a 19-bit signed value with 0.0078125°C resolution. Besides
// on-demand and polled reads, the driver can bind the chip's DRDY output to a
// GPIO pin and push a decoded reading to a callback on every completed
// conversion.
//
// Datasheet: https://www.analog.com/media/en/technical-documentation/data-sheets/MAX31856.pdf
package max31856

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

var (
	// ErrConfiguration reports invalid construction parameters. It is fatal
	// to New; the driver makes no attempt to recover.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrBus reports a serial bus transaction that failed to complete. It is
	// surfaced to whichever caller initiated the transaction and never
	// retried internally.
	ErrBus = errors.New("bus transaction failed")
)

// Opts holds the configuration written to the chip by New.
type Opts struct {
	// ContinuousMode leaves the chip converting continuously (~10
	// conversions per second at Avg1). When false the chip idles and Sense
	// triggers a one-shot conversion, which takes 150-200ms depending on
	// averaging.
	ContinuousMode bool
	// 60Hz noise is filtered by default, enable to filter 50Hz noise
	// instead. Only applied at construction, while conversions are off.
	Filter50Hz bool
	// Averaging selects how many samples are averaged into one result.
	Averaging Averaging
	// Type selects the thermocouple linearization curve.
	Type ThermocoupleType
	// FaultMode selects comparator or latching-interrupt behavior for the
	// chip's FAULT output.
	FaultMode FaultMode
	// OpenCircuit enables open-circuit detection of the thermocouple leads.
	OpenCircuit OpenCircuitMode
}

// DefaultOpts returns the configuration for a K-type thermocouple in
// continuous conversion mode without averaging.
func DefaultOpts() *Opts {
	return &Opts{
		ContinuousMode: true,
		Averaging:      Avg1,
		Type:           TypeK,
	}
}

// Reading is one decoded conversion result.
//
// Fault is reported alongside the temperature, not instead of it: the chip
// still produces a numeric value while a fault condition is latched, and
// whether a given fault bit invalidates the reading is the caller's call.
// Err is set when the bus transaction itself failed, in which case the other
// fields are zero.
type Reading struct {
	Temperature physic.Temperature
	Fault       Fault
	Err         error
}

// New opens the chip on the provided SPI port and writes its configuration
// registers. The chip is left in an indeterminate state if any of the writes
// fails.
func New(p spi.Port, opts *Opts) (*Dev, error) {
	c, err := p.Connect(4*physic.MegaHertz, spi.Mode1, 8)
	if err != nil {
		return nil, fmt.Errorf("max31856: %w: %v", ErrConfiguration, err)
	}

	if opts == nil {
		opts = DefaultOpts()
	}
	if opts.Type > TypeT {
		return nil, fmt.Errorf("max31856: %w: thermocouple type %d", ErrConfiguration, opts.Type)
	}
	if opts.Averaging > Avg16 {
		return nil, fmt.Errorf("max31856: %w: averaging %d", ErrConfiguration, opts.Averaging)
	}
	if opts.OpenCircuit > OCEnabled100ms {
		return nil, fmt.Errorf("max31856: %w: open-circuit mode %d", ErrConfiguration, opts.OpenCircuit)
	}

	d := &Dev{
		d:    c,
		opts: *opts,
		name: p.String(),
	}

	// One-shot conversion time per the datasheet, plus margin. Each extra
	// averaged sample adds one rejection-filter period.
	base, per := 155*time.Millisecond, 34*time.Millisecond
	if opts.Filter50Hz {
		base, per = 185*time.Millisecond, 40*time.Millisecond
	}
	d.measDelay = base + time.Duration((1<<opts.Averaging)-1)*per

	if err := d.writeReg(cr1Reg, d.cr1()); err != nil {
		return nil, d.wrap(err)
	}
	// Unmask all fault conditions so the status register and FAULT output
	// reflect them.
	if err := d.writeReg(maskReg, 0x00); err != nil {
		return nil, d.wrap(err)
	}
	if err := d.writeCR0(d.cr0()); err != nil {
		return nil, d.wrap(err)
	}

	return d, nil
}

// Dev represents a MAX31856 device on an SPI port.
type Dev struct {
	d         conn.Conn
	opts      Opts
	measDelay time.Duration
	name      string

	// mu serializes every bus transaction. The DRDY goroutine and
	// foreground calls share the port and must not interleave frames.
	mu     sync.Mutex
	cr0val uint8
	drdy   gpio.PinIn
	stop   chan struct{}
	wg     sync.WaitGroup
}

func (d *Dev) String() string {
	return fmt.Sprintf("%s{%s}", d.name, d.d)
}

// ReadTemperature returns the most recently completed thermocouple
// conversion together with the chip's fault status. It does not trigger a
// conversion; in one-shot mode use Sense instead.
func (d *Dev) ReadTemperature() (physic.Temperature, Fault, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.readLocked()
	return r.Temperature, r.Fault, r.Err
}

// ReadColdJunction returns the chip's internal cold junction temperature,
// including the user offset register, at 0.015625°C resolution.
func (d *Dev) ReadColdJunction() (physic.Temperature, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var buf [3]byte
	if err := d.readReg(cjtoReg, buf[:]); err != nil {
		return 0, d.wrap(err)
	}
	return decodeColdJunction(buf[:]), nil
}

// Sense reads the thermocouple temperature into e. In one-shot mode it
// triggers a conversion and waits for it to complete first.
//
// A latched fault is returned as an error after e.Temperature has been
// filled in, so the value is still available to callers that consider the
// fault tolerable.
func (d *Dev) Sense(e *physic.Env) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return d.wrap(errors.New("already sensing continuously"))
	}
	return d.sense(e)
}

func (d *Dev) sense(e *physic.Env) error {
	if !d.opts.ContinuousMode {
		// 1SHOT self-clears once the conversion completes.
		if err := d.writeReg(cr0Reg, d.cr0val|cr0OneShot); err != nil {
			return d.wrap(err)
		}
		time.Sleep(d.measDelay)
	}

	r := d.readLocked()
	if r.Err != nil {
		return r.Err
	}
	e.Temperature = r.Temperature
	if r.Fault != 0 {
		return d.wrap(fmt.Errorf("fault detected (%#02x): %v", uint8(r.Fault), r.Fault))
	}
	return nil
}

// SenseContinuous returns measurements on a fixed interval by polling the
// chip. For push-based delivery paced by the chip itself, use OnDataReady.
//
// The application must call Halt() to stop the sensing and close the
// channel. It's the responsibility of the caller to retrieve the values from
// the channel as fast as possible, otherwise the interval may not be
// respected.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return nil, d.wrap(errors.New("already sensing continuously"))
	}

	sensing := make(chan physic.Env)
	d.stop = make(chan struct{})
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(sensing)
		d.sensingContinuous(interval, sensing, d.stop)
	}()
	return sensing, nil
}

// Precision implements physic.SenseEnv. The thermocouple channel resolves
// 1/128°C per LSB.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = physic.Kelvin / 128
}

// OnDataReady binds the chip's DRDY output on pin and arms push-based
// delivery: on every falling edge, one conversion result is read, decoded
// and passed to fn, including the fault status latched at that point. A bus
// failure in this path is delivered through the same callback in
// Reading.Err rather than dropped.
//
// fn runs on the pipeline goroutine; it must be fast and non-blocking or
// edges will be serviced late. The chip is switched to continuous
// conversions regardless of Opts.ContinuousMode. Only one binding per
// device is supported, and Sense/SenseContinuous must not be used while it
// is armed. Halt stops delivery.
func (d *Dev) OnDataReady(p gpio.PinIn, fn func(Reading)) error {
	if fn == nil {
		return d.wrap(fmt.Errorf("%w: nil callback", ErrConfiguration))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.drdy != nil {
		return d.wrap(errors.New("drdy interrupt already bound"))
	}
	if d.stop != nil {
		return d.wrap(errors.New("already sensing continuously"))
	}
	if err := p.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		return d.wrap(fmt.Errorf("%w: drdy pin: %v", ErrConfiguration, err))
	}

	// Flush the pending result so DRDY deasserts; the next falling edge
	// then marks a fresh conversion instead of a stale one.
	var junk [2]byte
	if err := d.readReg(ltcbhReg, junk[:]); err != nil {
		return d.wrap(err)
	}
	if err := d.writeCR0(d.cr0val | cr0AutoConv); err != nil {
		return d.wrap(err)
	}

	d.drdy = p
	d.stop = make(chan struct{})
	d.wg.Add(1)
	go d.drdyLoop(p, fn, d.stop)
	return nil
}

func (d *Dev) drdyLoop(p gpio.PinIn, fn func(Reading), stop <-chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case <-stop:
			return
		default:
		}
		// The timeout bounds how long a stop request can go unnoticed.
		if !p.WaitForEdge(time.Second) {
			continue
		}
		select {
		case <-stop:
			return
		default:
		}
		d.mu.Lock()
		r := d.readLocked()
		d.mu.Unlock()
		fn(r)
	}
}

// Halt stops the goroutine started by SenseContinuous or OnDataReady. It
// does not deconfigure the DRDY pin or stop the chip's conversions.
func (d *Dev) Halt() error {
	d.mu.Lock()
	if d.stop == nil {
		d.mu.Unlock()
		return nil
	}
	close(d.stop)
	d.stop = nil
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

// ClearFaults clears faults latched by interrupt fault mode. FAULTCLR
// self-clears on the chip.
func (d *Dev) ClearFaults() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writeReg(cr0Reg, d.cr0val|cr0FaultClear); err != nil {
		return d.wrap(err)
	}
	return nil
}

// SetThresholds sets the thermocouple temperature range outside which the
// chip latches FaultTCLowThreshold/FaultTCHighThreshold. Resolution is
// 0.0625°C per LSB.
func (d *Dev) SetThresholds(low, high physic.Temperature) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	l := thresholdCounts(low, 16)
	h := thresholdCounts(high, 16)
	if err := d.writeReg(lthfthReg, uint8(h>>8)); err != nil {
		return d.wrap(err)
	}
	if err := d.writeReg(lthftlReg, uint8(h)); err != nil {
		return d.wrap(err)
	}
	if err := d.writeReg(ltlfthReg, uint8(l>>8)); err != nil {
		return d.wrap(err)
	}
	if err := d.writeReg(ltlftlReg, uint8(l)); err != nil {
		return d.wrap(err)
	}
	return nil
}

// SetColdJunctionThresholds sets the cold junction range outside which the
// chip latches FaultCJLowThreshold/FaultCJHighThreshold. Resolution is 1°C
// per LSB.
func (d *Dev) SetColdJunctionThresholds(low, high physic.Temperature) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writeReg(cjhfReg, uint8(thresholdCounts(high, 1))); err != nil {
		return d.wrap(err)
	}
	if err := d.writeReg(cjlfReg, uint8(thresholdCounts(low, 1))); err != nil {
		return d.wrap(err)
	}
	return nil
}

// readLocked fetches the three thermocouple result registers in one
// chip-select assertion, then the fault status register. d.mu must be held.
func (d *Dev) readLocked() Reading {
	var buf [3]byte
	if err := d.readReg(ltcbhReg, buf[:]); err != nil {
		return Reading{Err: d.wrap(err)}
	}
	var sr [1]byte
	if err := d.readReg(faultStatReg, sr[:]); err != nil {
		return Reading{Err: d.wrap(err)}
	}
	return Reading{Temperature: decodeThermocouple(buf[:]), Fault: Fault(sr[0])}
}

// readReg reads len(b) consecutive registers starting at reg, relying on the
// chip's auto-increment addressing so the whole sequence is framed by a
// single chip-select assertion. Splitting a multi-byte result across
// transactions risks tearing a value that updates mid-sequence.
func (d *Dev) readReg(reg uint8, b []byte) error {
	read := make([]byte, len(b)+1)
	write := make([]byte, len(read))

	write[0] = reg &^ writeBit
	if err := d.d.Tx(write, read); err != nil {
		return fmt.Errorf("%w: %v", ErrBus, err)
	}
	copy(b, read[1:])

	return nil
}

func (d *Dev) writeReg(reg uint8, value uint8) error {
	if err := d.d.Tx([]byte{reg | writeBit, value}, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrBus, err)
	}
	return nil
}

// writeCR0 keeps a shadow of CR0 so self-clearing bits (1SHOT, FAULTCLR)
// can be ORed in later without rereading the register.
func (d *Dev) writeCR0(v uint8) error {
	if err := d.writeReg(cr0Reg, v); err != nil {
		return err
	}
	d.cr0val = v
	return nil
}

func (d *Dev) cr0() uint8 {
	c := uint8(d.opts.OpenCircuit) << cr0OCShift
	if d.opts.Filter50Hz {
		c |= cr0Filter50Hz
	}
	if d.opts.FaultMode == FaultInterrupt {
		c |= cr0FaultMode
	}
	if d.opts.ContinuousMode {
		c |= cr0AutoConv
	}
	return c
}

func (d *Dev) cr1() uint8 {
	return uint8(d.opts.Averaging)<<cr1AvgShift | uint8(d.opts.Type)
}

// decodeThermocouple converts the three result registers, MSB first, into a
// temperature. The low 5 bits of the last register are reserved/fault flags;
// the arithmetic shift discards them and carries the sign of bit 18 down,
// so the most negative code decodes without overflow and an all-zero word is
// exactly 0°C. One LSB is 1/128°C.
func decodeThermocouple(b []byte) physic.Temperature {
	raw := int32(int8(b[0]))<<16 | int32(b[1])<<8 | int32(b[2])
	raw >>= 5
	return physic.ZeroCelsius + physic.Temperature(raw)*physic.Kelvin/128
}

// decodeColdJunction converts the cold junction offset register plus the
// 14-bit cold junction result, MSB first. One LSB is 1/64°C.
func decodeColdJunction(b []byte) physic.Temperature {
	raw := (int32(int8(b[1]))<<8 | int32(b[2])) >> 2
	raw += int32(int8(b[0]))
	return physic.ZeroCelsius + physic.Temperature(raw)*physic.Kelvin/64
}

func thresholdCounts(t physic.Temperature, lsbPerKelvin int64) int16 {
	return int16(int64(t-physic.ZeroCelsius) * lsbPerKelvin / int64(physic.Kelvin))
}

func (f Fault) String() string {
	if f == 0 {
		return "none"
	}
	var s []string
	for _, c := range faultConditions {
		if f&c.bit != 0 {
			s = append(s, c.name)
		}
	}
	return strings.Join(s, "|")
}

var faultConditions = []struct {
	bit  Fault
	name string
}{
	{FaultOpenCircuit, "thermocouple open circuit"},
	{FaultOverUnderVoltage, "over/under voltage"},
	{FaultTCLowThreshold, "thermocouple below low threshold"},
	{FaultTCHighThreshold, "thermocouple above high threshold"},
	{FaultCJLowThreshold, "cold junction below low threshold"},
	{FaultCJHighThreshold, "cold junction above high threshold"},
	{FaultTCRange, "thermocouple out of range"},
	{FaultCJRange, "cold junction out of range"},
}

func (d *Dev) sensingContinuous(interval time.Duration, sensing chan<- physic.Env, stop <-chan struct{}) {
	// Ensure the interval is at least one conversion period.
	if interval < d.measDelay {
		interval = d.measDelay
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		e := physic.Env{}
		d.mu.Lock()
		err := d.sense(&e)
		d.mu.Unlock()
		if err != nil {
			return
		}
		select {
		case sensing <- e:
		case <-stop:
			return
		}
		select {
		case <-stop:
			return
		case <-t.C:
		}
	}
}

func (d *Dev) wrap(err error) error {
	return fmt.Errorf("%s: %w", strings.ToLower(d.name), err)
}

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
