// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package msc implements the drive and logical unit layer of the USB mass
// storage stack: interface setup, unit lifecycle and block I/O.
package msc

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/siderolabs/go-usbstorage/scsi"
	"github.com/siderolabs/go-usbstorage/usb"
)

// TransferBufferSize is the size of the per-drive transfer buffer. Every
// data phase is bounded by this, so a multi-block command never needs more
// than one buffer pass.
const TransferBufferSize = 32768

// Setup errors.
var (
	// ErrNoEndpoints indicates no usable bulk endpoint pair could be bound.
	ErrNoEndpoints = errors.New("no usable bulk endpoints")

	// ErrPipeMismatch indicates a pipe-usage descriptor disagrees with its
	// endpoint's direction.
	ErrPipeMismatch = errors.New("pipe usage conflicts with endpoint direction")
)

// DeviceDesc identifies the physical device behind a drive.
type DeviceDesc struct {
	VendorID  uint16
	ProductID uint16

	Manufacturer string
	Product      string
	Serial       string
}

// AltSetting is one alternate setting of a mass storage interface, as
// discovered during enumeration.
type AltSetting struct {
	Alt      uint8
	Protocol uint8

	Endpoints []usb.EndpointDesc

	// PipeUsage maps endpoint address to its pipe-usage tag for the
	// alternate high-performance transport.
	PipeUsage map[uint8]uint8
}

// InterfaceDesc describes a mass storage interface and its alternate
// settings.
type InterfaceDesc struct {
	Number      uint8
	AltSettings []AltSetting
}

// Drive owns one physical mass storage interface: its endpoint sessions,
// transfer buffer and logical units.
type Drive struct {
	mu sync.Mutex

	dev   usb.Device
	desc  DeviceDesc
	iface InterfaceDesc

	buffer []byte

	command, status *usb.Session
	dataIn, dataOut *usb.Session
	highPerformance bool

	engine *scsi.Engine
	luns   []*LogicalUnit

	logger *zap.Logger
}

// Options configure a Drive.
type Options struct {
	Logger *zap.Logger
}

// Option is a function that sets some option.
type Option func(*Options)

// WithLogger sets the logger for the drive and its units.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// Open binds the interface's bulk endpoints, queries the logical unit count
// and brings each unit online.
//
// Units that fail their startup sequence are skipped; a drive with zero
// started units is still a valid (empty) drive.
func Open(dev usb.Device, desc DeviceDesc, iface InterfaceDesc, opts ...Option) (*Drive, error) {
	options := Options{
		Logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	d := &Drive{
		dev:    dev,
		desc:   desc,
		iface:  iface,
		buffer: make([]byte, TransferBufferSize),
		logger: options.Logger,
	}

	if err := d.bindEndpoints(); err != nil {
		return nil, err
	}

	engineOpts := []scsi.Option{scsi.WithLogger(d.logger)}
	if d.highPerformance {
		engineOpts = append(engineOpts, scsi.WithDataPipes(d.dataIn, d.dataOut))
	}

	d.engine = scsi.NewEngine(d.status, d.command, d.massStorageReset, len(d.buffer), engineOpts...)

	maxLUN := d.queryMaxLUN()

	for index := uint8(0); index < maxLUN; index++ {
		lun := newLogicalUnit(d, index)

		if err := lun.Start(); err != nil {
			d.logger.Info("logical unit failed to start",
				zap.Uint8("lun", index),
				zap.Error(err))

			continue
		}

		d.luns = append(d.luns, lun)
	}

	return d, nil
}

// Desc returns the device identity record.
func (d *Drive) Desc() DeviceDesc {
	return d.desc
}

// Lock acquires the drive's lock. Callers holding a validated handle must
// lock the drive before issuing any operation against it.
func (d *Drive) Lock() {
	d.mu.Lock()
}

// Unlock releases the drive's lock.
func (d *Drive) Unlock() {
	d.mu.Unlock()
}

// Units returns the drive's started logical units.
func (d *Drive) Units() []*LogicalUnit {
	return d.luns
}

// Close stops all logical units and drops the endpoint sessions. The device
// handle itself belongs to the caller.
func (d *Drive) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, lun := range d.luns {
		lun.Stop()
	}

	d.luns = nil
	d.command, d.status, d.dataIn, d.dataOut = nil, nil, nil, nil
}

// bindEndpoints selects an alternate setting and opens the bulk pipe
// sessions. The alternate high-performance setting is preferred; baseline
// Bulk-Only is the fallback. On any failure all partially-bound state is
// discarded.
func (d *Drive) bindEndpoints() error {
	for _, alt := range d.iface.AltSettings {
		if alt.Protocol != usb.ProtocolUAS {
			continue
		}

		err := d.bindHighPerformance(alt)
		if err == nil {
			d.highPerformance = true

			return nil
		}

		if errors.Is(err, ErrPipeMismatch) {
			// declared pipe usage contradicts the endpoint layout:
			// the descriptor set is broken, not merely absent
			return err
		}

		d.logger.Debug("alternate transport not bound, falling back", zap.Error(err))

		break
	}

	for _, alt := range d.iface.AltSettings {
		if alt.Protocol != usb.ProtocolBulkOnly {
			continue
		}

		if err := d.bindBulkOnly(alt); err == nil {
			return nil
		}
	}

	return ErrNoEndpoints
}

func (d *Drive) bindHighPerformance(alt AltSetting) error {
	var command, status, dataIn, dataOut *usb.EndpointDesc

	for i := range alt.Endpoints {
		ep := &alt.Endpoints[i]

		usage, ok := alt.PipeUsage[ep.Address]
		if !ok {
			continue
		}

		switch usage {
		case usb.PipeUsageCommand:
			if ep.Dir() != usb.DirOut {
				return fmt.Errorf("%w: command pipe %#02x is not OUT", ErrPipeMismatch, ep.Address)
			}

			command = ep
		case usb.PipeUsageStatus:
			if ep.Dir() != usb.DirIn {
				return fmt.Errorf("%w: status pipe %#02x is not IN", ErrPipeMismatch, ep.Address)
			}

			status = ep
		case usb.PipeUsageDataIn:
			if ep.Dir() != usb.DirIn {
				return fmt.Errorf("%w: data-in pipe %#02x is not IN", ErrPipeMismatch, ep.Address)
			}

			dataIn = ep
		case usb.PipeUsageDataOut:
			if ep.Dir() != usb.DirOut {
				return fmt.Errorf("%w: data-out pipe %#02x is not OUT", ErrPipeMismatch, ep.Address)
			}

			dataOut = ep
		}
	}

	if command == nil || status == nil || dataIn == nil || dataOut == nil {
		return fmt.Errorf("%w: incomplete pipe set", ErrNoEndpoints)
	}

	if err := d.dev.SetAltSetting(d.iface.Number, alt.Alt); err != nil {
		return fmt.Errorf("failed to select alternate setting %d: %w", alt.Alt, err)
	}

	d.command = usb.OpenSession(d.dev, *command)
	d.status = usb.OpenSession(d.dev, *status)
	d.dataIn = usb.OpenSession(d.dev, *dataIn)
	d.dataOut = usb.OpenSession(d.dev, *dataOut)

	return nil
}

func (d *Drive) bindBulkOnly(alt AltSetting) error {
	var in, out *usb.EndpointDesc

	for i := range alt.Endpoints {
		ep := &alt.Endpoints[i]

		switch ep.Dir() {
		case usb.DirIn:
			if in == nil {
				in = ep
			}
		case usb.DirOut:
			if out == nil {
				out = ep
			}
		}
	}

	if in == nil || out == nil {
		return ErrNoEndpoints
	}

	if err := d.dev.SetAltSetting(d.iface.Number, alt.Alt); err != nil {
		return fmt.Errorf("failed to select alternate setting %d: %w", alt.Alt, err)
	}

	d.status = usb.OpenSession(d.dev, *in)
	d.command = usb.OpenSession(d.dev, *out)
	d.dataIn, d.dataOut = d.status, d.command

	return nil
}

// queryMaxLUN issues the class-specific Get Max LUN request. A device that
// does not answer is assumed to expose exactly one unit, and the baseline
// pipes get a precautionary halt clear.
func (d *Drive) queryMaxLUN() uint8 {
	buf := make([]byte, 1)

	n, err := d.dev.ControlTransfer(
		usb.RequestDirIn|usb.RequestTypeClass|usb.RequestTypeInterface,
		usb.RequestGetMaxLUN,
		0, uint16(d.iface.Number),
		buf, usb.ControlTimeout)
	if err != nil || n != 1 {
		d.logger.Debug("get max LUN not answered, assuming one unit", zap.Error(err))

		d.status.ClearHalt()  //nolint:errcheck // best-effort
		d.command.ClearHalt() //nolint:errcheck // best-effort

		return 1
	}

	return buf[0] + 1
}

// massStorageReset issues the class-specific reset control request.
func (d *Drive) massStorageReset() error {
	_, err := d.dev.ControlTransfer(
		usb.RequestDirOut|usb.RequestTypeClass|usb.RequestTypeInterface,
		usb.RequestMassStorageReset,
		0, uint16(d.iface.Number),
		nil, usb.ControlTimeout)

	return err
}
