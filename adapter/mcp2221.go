// Package adapter drives the Microchip MCP2221 USB to I2C/GPIO bridge. Its
// I2C engine carries the sensor bus and its four GP pins can drive reset
// lines.
package adapter

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/karalabe/hid"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/tof"
	"github.com/mklimuk/tof/snsctx"
)

const VendorID = 0x04D8
const ProductID = 0x00DD

const (
	cmdStatus        = 0x10
	cmdSetGPIOOutput = 0x50
	cmdGetGPIOValues = 0x51
	cmdWriteData     = 0x90
	cmdReadData      = 0x91
	cmdGetReadData   = 0x40
	cmdSetSRAM       = 0x60
	cmdGetSRAM       = 0x61

	statusCancelTransfer = 0x10
	statusSetSpeed       = 0x20

	clockRate       = 12 * physic.MegaHertz
	DefaultI2CSpeed = 100 * physic.KiloHertz

	packetSize  = 64
	// largest read the engine hands back in one report
	maxReadSize = 60
)

var ErrCommandUnsupported = errors.New("unsupported command")
var ErrCommandFailed = errors.New("command failed")
var ErrNotFound = errors.New("MCP2221 device not found")

// Device is an open HID handle.
type Device interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

// Opener opens the index-th attached bridge.
type Opener func(index int) (Device, error)

// OpenHID enumerates attached bridges through hidapi.
func OpenHID(index int) (Device, error) {
	devs := hid.Enumerate(VendorID, ProductID)
	if len(devs) == 0 {
		return nil, ErrNotFound
	}
	if index < 0 || index >= len(devs) {
		return nil, fmt.Errorf("no device with id %d (%d attached)", index, len(devs))
	}
	dev, err := devs[index].Open()
	if err != nil {
		return nil, fmt.Errorf("error opening device: %w", err)
	}
	return dev, nil
}

var _ tof.I2CBus = &MCP2221{}

type MCP2221 struct {
	mx           sync.Mutex
	open         Opener
	index        int
	dev          Device
	request      []byte
	response     []byte
	responseWait time.Duration
	logger       *slog.Logger
}

type Option func(*MCP2221)

// WithIndex selects one of several attached bridges.
func WithIndex(i int) Option {
	return func(d *MCP2221) {
		d.index = i
	}
}

func WithOpener(o Opener) Option {
	return func(d *MCP2221) {
		d.open = o
	}
}

// WithResponseWait sets the pause between a request and reading its
// response.
func WithResponseWait(w time.Duration) Option {
	return func(d *MCP2221) {
		d.responseWait = w
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *MCP2221) {
		d.logger = l
	}
}

type MCP2221Status struct {
	I2CDataBufferCounter   int
	I2CSpeedDivider        int
	I2CTimeout             int
	CurrentAddress         string
	LastWriteRequestedSize uint16
	LastWriteSentSize      uint16
	ReadPending            int
}

type GPIOMode byte

const (
	GPIOModeOut         GPIOMode = 0b00000000
	GPIOModeIn          GPIOMode = 0b00001000
	GPIOModeNoOperation GPIOMode = 0xEF
)

func (m GPIOMode) String() string {
	switch m {
	case GPIOModeIn:
		return "INPUT"
	case GPIOModeOut:
		return "OUTPUT"
	default:
		return "NOOP"
	}
}

type GPIODesignation byte

const (
	GPIOOperation GPIODesignation           = 0b00000000
	// dedicated function of GPIO0
	GPIO0SSPND GPIODesignation              = 0b00000010
	// alternate function 2 of GPIO1
	GPIO1InterruptDetection GPIODesignation = 0b00000100
)

const gpioModeMask = 0b00001000
const gpioOperationMask = 0b00000111

type MCP2221GPIOValues struct {
	GPIO0Mode  GPIOMode `yaml:"GP0_mode"`
	GPIO0Value byte     `yaml:"GPIO0"`
	GPIO1Mode  GPIOMode `yaml:"GP1_mode"`
	GPIO1Value byte     `yaml:"GPIO1"`
	GPIO2Mode  GPIOMode `yaml:"GP2_mode"`
	GPIO2Value byte     `yaml:"GPIO2"`
	GPIO3Mode  GPIOMode `yaml:"GP3_mode"`
	GPIO3Value byte     `yaml:"GPIO3"`
}

type MCP2221GPIOParameters struct {
	GPIO0Mode        GPIOMode        `yaml:"GP0_mode"`
	GPIO0Designation GPIODesignation `yaml:"GP0_designation"`
	GPIO1Mode        GPIOMode        `yaml:"GP1_mode"`
	GPIO1Designation GPIODesignation `yaml:"GP1_designation"`
	GPIO2Mode        GPIOMode        `yaml:"GP2_mode"`
	GPIO2Designation GPIODesignation `yaml:"GP2_designation"`
	GPIO3Mode        GPIOMode        `yaml:"GP3_mode"`
	GPIO3Designation GPIODesignation `yaml:"GP3_designation"`
}

func NewMCP2221(opts ...Option) *MCP2221 {
	d := &MCP2221{
		open:         OpenHID,
		request:      make([]byte, packetSize),
		response:     make([]byte, packetSize),
		responseWait: 50 * time.Millisecond,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Init opens the bridge, keeps the handle for later commands and sets the
// I2C clock. Zero speed selects DefaultI2CSpeed.
func (d *MCP2221) Init(ctx context.Context, speed physic.Frequency) error {
	if speed <= 0 {
		speed = DefaultI2CSpeed
	}
	divider := int64(clockRate/speed) - 3
	if divider < 0 || divider > 0xFF {
		return fmt.Errorf("unsupported i2c speed %s", speed)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	if d.dev == nil {
		dev, err := d.open(d.index)
		if err != nil {
			return err
		}
		d.dev = dev
	}
	d.resetBuffers()
	d.request[0] = cmdStatus
	d.request[3] = statusSetSpeed
	d.request[4] = byte(divider)
	if err := d.send(ctx, true); err != nil {
		return fmt.Errorf("set speed command failed: %w", err)
	}
	// 0x20 acknowledges the new divider, 0x21 means a transfer is in progress
	if d.response[3] == 0x21 {
		return fmt.Errorf("could not set speed: %w", tof.ErrBusBusy)
	}
	d.logger.Debug("mcp2221 initialized", "speed", speed.String(), "divider", divider)
	return nil
}

// Close releases a handle kept by Init.
func (d *MCP2221) Close() error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if d.dev == nil {
		return nil
	}
	err := d.dev.Close()
	d.dev = nil
	return err
}

func (d *MCP2221) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdWriteData
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = address << 1
	if len(buffer) > 0 {
		copy(d.request[4:], buffer)
	}
	err := d.send(ctx, true)
	if err != nil {
		return fmt.Errorf("write to %x failed: %w", address, err)
	}
	// write could not be performed
	if d.response[1] == 0x01 {
		d.logger.Debug("adapter busy", "address", fmt.Sprintf("%#x", address))
		return tof.ErrBusBusy
	}
	return nil
}

func (d *MCP2221) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	if len(buffer) > maxReadSize {
		return fmt.Errorf("read of %d bytes exceeds adapter limit of %d", len(buffer), maxReadSize)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdReadData
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = address<<1 + 1
	err := d.send(ctx, true)
	if err != nil {
		return fmt.Errorf("bus read from %x failed: %w", address, err)
	}
	if d.response[1] == 0x01 {
		d.logger.Debug("adapter busy", "address", fmt.Sprintf("%#x", address))
		return tof.ErrBusBusy
	}
	d.resetBuffers()
	d.request[0] = cmdGetReadData
	err = d.send(ctx, true)
	if err != nil {
		return fmt.Errorf("error getting read data from adapter: %w", err)
	}
	if d.response[1] == 0x41 {
		return fmt.Errorf("error reading the I2C slave data from the I2C engine")
	}
	if d.response[3] == 127 || int(d.response[3]) != len(buffer) {
		return fmt.Errorf("invalid data size byte; expected %d, got %d", len(buffer), d.response[3])
	}
	copy(buffer, d.response[4:])
	return nil
}

// SetGPIOOutput switches GP pin n to output and drives it.
func (d *MCP2221) SetGPIOOutput(ctx context.Context, n int, level tof.Level) error {
	if n < 0 || n > 3 {
		return fmt.Errorf("no GP%d on MCP2221", n)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdSetGPIOOutput
	// per pin: alter value, value, alter direction, direction
	base := 2 + 4*n
	d.request[base] = 0x01
	if level == tof.High {
		d.request[base+1] = 0x01
	}
	d.request[base+2] = 0x01
	d.request[base+3] = byte(GPIOModeOut)
	if err := d.send(ctx, true); err != nil {
		return fmt.Errorf("set GP%d output failed: %w", n, err)
	}
	if d.response[1] != 0x00 {
		return ErrCommandFailed
	}
	// 0xEE marks a pin that is not set for GPIO operation
	if d.response[base+1] == 0xEE {
		return fmt.Errorf("GP%d is not a GPIO: %w", n, ErrCommandFailed)
	}
	return nil
}

// Pin returns GP pin n as a reset line.
func (d *MCP2221) Pin(n int) *GPIOPin {
	return &GPIOPin{dev: d, n: n}
}

var _ tof.OutputPin = &GPIOPin{}

type GPIOPin struct {
	dev *MCP2221
	n   int
}

func (p *GPIOPin) Out(ctx context.Context, level tof.Level) error {
	return p.dev.SetGPIOOutput(ctx, p.n, level)
}

func (p *GPIOPin) String() string {
	return fmt.Sprintf("mcp2221:GP%d", p.n)
}

func (d *MCP2221) SetGPIOParameters(ctx context.Context, params MCP2221GPIOParameters) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdSetSRAM
	// alter GP designation
	d.request[7] = 0x80
	d.request[8] = byte(params.GPIO0Designation) | byte(params.GPIO0Mode)
	d.request[9] = byte(params.GPIO1Designation) | byte(params.GPIO1Mode)
	d.request[10] = byte(params.GPIO2Designation) | byte(params.GPIO2Mode)
	d.request[11] = byte(params.GPIO3Designation) | byte(params.GPIO3Mode)
	err := d.send(ctx, true)
	if err != nil {
		return fmt.Errorf("set GP parameters command write failed: %w", err)
	}
	if d.response[1] == 0x01 {
		return ErrCommandFailed
	}
	return nil
}

func (d *MCP2221) ReadGPIO(ctx context.Context) (MCP2221GPIOValues, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdGetGPIOValues
	err := d.send(ctx, true)
	var res MCP2221GPIOValues
	if err != nil {
		return res, fmt.Errorf("read GPIO values command write failed: %w", err)
	}
	if d.response[1] == 0x01 {
		return res, ErrCommandFailed
	}
	mode := func(b byte) GPIOMode {
		if b == byte(GPIOModeNoOperation) {
			return GPIOModeNoOperation
		}
		return GPIOMode(b << 3)
	}
	res.GPIO0Value, res.GPIO0Mode = d.response[2], mode(d.response[3])
	res.GPIO1Value, res.GPIO1Mode = d.response[4], mode(d.response[5])
	res.GPIO2Value, res.GPIO2Mode = d.response[6], mode(d.response[7])
	res.GPIO3Value, res.GPIO3Mode = d.response[8], mode(d.response[9])
	return res, nil
}

func (d *MCP2221) GetGPIOParameters(ctx context.Context) (MCP2221GPIOParameters, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdGetSRAM
	err := d.send(ctx, true)
	if err != nil {
		return MCP2221GPIOParameters{}, fmt.Errorf("get GP parameters command write failed: %w", err)
	}
	if d.response[1] == 0x01 {
		return MCP2221GPIOParameters{}, ErrCommandUnsupported
	}
	// GP settings follow the chip settings at bytes 22 to 25
	return MCP2221GPIOParameters{
		GPIO0Mode:        GPIOMode(d.response[22] & gpioModeMask),
		GPIO0Designation: GPIODesignation(d.response[22] & gpioOperationMask),
		GPIO1Mode:        GPIOMode(d.response[23] & gpioModeMask),
		GPIO1Designation: GPIODesignation(d.response[23] & gpioOperationMask),
		GPIO2Mode:        GPIOMode(d.response[24] & gpioModeMask),
		GPIO2Designation: GPIODesignation(d.response[24] & gpioOperationMask),
		GPIO3Mode:        GPIOMode(d.response[25] & gpioModeMask),
		GPIO3Designation: GPIODesignation(d.response[25] & gpioOperationMask),
	}, nil
}

// UseAsGPIO switches the listed GP pins to GPIO outputs in SRAM, keeping the
// designation of the others. Pins power up with the designation stored in
// flash, which may be a dedicated function.
func (d *MCP2221) UseAsGPIO(ctx context.Context, pins ...int) error {
	if len(pins) == 0 {
		return nil
	}
	params, err := d.GetGPIOParameters(ctx)
	if err != nil {
		return err
	}
	for _, n := range pins {
		mode, designation := params.pin(n)
		if mode == nil {
			return fmt.Errorf("no GP%d on MCP2221", n)
		}
		*mode, *designation = GPIOModeOut, GPIOOperation
	}
	return d.SetGPIOParameters(ctx, params)
}

func (p *MCP2221GPIOParameters) pin(n int) (*GPIOMode, *GPIODesignation) {
	switch n {
	case 0:
		return &p.GPIO0Mode, &p.GPIO0Designation
	case 1:
		return &p.GPIO1Mode, &p.GPIO1Designation
	case 2:
		return &p.GPIO2Mode, &p.GPIO2Designation
	case 3:
		return &p.GPIO3Mode, &p.GPIO3Designation
	}
	return nil, nil
}

func (d *MCP2221) Status(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdStatus
	err := d.send(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

func bufferToStatus(buffer []byte) *MCP2221Status {
	/*
		9-10:  requested I2C transfer length (LE)
		11-12: already transferred number of bytes (LE)
		13:    internal I2C data buffer counter
		14:    current I2C communication speed divider
		15:    current I2C timeout
		16-17: I2C address being used (LE)
		25:    read pending
	*/
	return &MCP2221Status{
		I2CDataBufferCounter:   int(buffer[13]),
		I2CSpeedDivider:        int(buffer[14]),
		I2CTimeout:             int(buffer[15]),
		ReadPending:            int(buffer[25]),
		CurrentAddress:         hex.EncodeToString(buffer[16:18]),
		LastWriteRequestedSize: binary.LittleEndian.Uint16(buffer[9:11]),
		LastWriteSentSize:      binary.LittleEndian.Uint16(buffer[11:13]),
	}
}

// Release cancels the transfer the I2C engine is stuck on.
func (d *MCP2221) Release(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	_, err := d.releaseBus(ctx)
	return err
}

func (d *MCP2221) ReleaseBus(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.releaseBus(ctx)
}

func (d *MCP2221) releaseBus(ctx context.Context) (*MCP2221Status, error) {
	d.resetBuffers()
	d.request[0] = cmdStatus
	d.request[2] = statusCancelTransfer
	err := d.send(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

func (d *MCP2221) send(ctx context.Context, response bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dev := d.dev
	if dev == nil {
		var err error
		dev, err = d.open(d.index)
		if err != nil {
			return err
		}
		defer func() {
			if err := dev.Close(); err != nil {
				d.logger.Warn("could not close adapter", "error", err)
			}
		}()
	}
	verbose := snsctx.IsVerbose(ctx)
	if verbose {
		d.logger.Debug("sending message to adapter", "dump", "\n"+hex.Dump(d.request))
	}
	n, err := dev.Write(d.request)
	if err != nil {
		return fmt.Errorf("could not write request: %w", err)
	}
	if n != packetSize {
		return fmt.Errorf("short write: %d", n)
	}
	if !response {
		return nil
	}
	if d.responseWait > 0 {
		timer := time.NewTimer(d.responseWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	n, err = dev.Read(d.response)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}
	if n != packetSize {
		return fmt.Errorf("short read: %d", n)
	}
	if verbose {
		d.logger.Debug("read message from adapter", "dump", "\n"+hex.Dump(d.response))
	}
	return nil
}

func (d *MCP2221) resetBuffers() {
	clear(d.request)
	clear(d.response)
}
