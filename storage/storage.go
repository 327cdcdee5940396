// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package storage is the composition root of the USB mass storage stack: a
// single background worker reacts to device arrival and removal, brings
// drives and their volumes up or down, and publishes the mounted-volume
// list to subscribers.
package storage

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/siderolabs/go-usbstorage/msc"
	"github.com/siderolabs/go-usbstorage/scan"
	"github.com/siderolabs/go-usbstorage/usb"
	"github.com/siderolabs/go-usbstorage/volume"
)

// Manager errors.
var (
	// ErrStaleHandle indicates the drive behind a handle was removed.
	ErrStaleHandle = errors.New("stale drive handle")

	// ErrStopped indicates the manager's worker is no longer running.
	ErrStopped = errors.New("manager is stopped")
)

// Attachment describes one mass storage interface arriving on the bus.
type Attachment struct {
	// ID identifies the physical interface, stable for the duration of
	// the attachment (e.g. a bus/device/interface path).
	ID string

	Device    usb.Device
	Desc      msc.DeviceDesc
	Interface msc.InterfaceDesc
}

// slot is one entry of the drive arena. The generation counter is bumped on
// every reuse, so stale handles are detected in O(1) instead of scanning
// the live list.
type slot struct {
	mu sync.Mutex

	generation uint64
	state      *driveState
}

// driveState is everything the manager tracks per attached drive.
type driveState struct {
	id    string
	dev   usb.Device
	drive *msc.Drive

	// mounted contexts per unit index
	mounts map[uint8][]*volume.FilesystemContext
}

// Manager owns the drive arena and the hotplug worker.
type Manager struct {
	logger   *zap.Logger
	registry *volume.Registry
	flags    volume.MountFlags

	arrivals chan Attachment
	removals chan string
	shutdown chan struct{}
	done     chan struct{}

	// mu is the global registry lock: it guards slot allocation and the
	// published list, and is never held across a blocking USB transfer.
	mu    sync.Mutex
	slots []*slot

	snapshots chan []DeviceRecord
	status    chan struct{}
	callback  func([]DeviceRecord)
}

// Options configure a Manager.
type Options struct {
	Logger     *zap.Logger
	MountFlags volume.MountFlags

	// Callback, if set, is invoked with the full device list after every
	// successful mount or unmount.
	Callback func([]DeviceRecord)
}

// Option is a function that sets some option.
type Option func(*Options)

// WithLogger sets the logger for the manager.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithMountFlags sets the flags used for every mount.
func WithMountFlags(flags volume.MountFlags) Option {
	return func(o *Options) {
		o.MountFlags = flags
	}
}

// WithCallback sets the device-list callback.
func WithCallback(cb func([]DeviceRecord)) Option {
	return func(o *Options) {
		o.Callback = cb
	}
}

// NewManager builds a manager over the given volume registry and starts its
// background worker.
func NewManager(registry *volume.Registry, opts ...Option) *Manager {
	options := Options{
		Logger:     zap.NewNop(),
		MountFlags: volume.MountDefault,
	}

	for _, opt := range opts {
		opt(&options)
	}

	m := &Manager{
		logger:    options.Logger,
		registry:  registry,
		flags:     options.MountFlags,
		arrivals:  make(chan Attachment, 16),
		removals:  make(chan string, 16),
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
		snapshots: make(chan []DeviceRecord, 1),
		status:    make(chan struct{}, 1),
		callback:  options.Callback,
	}

	go m.run()

	return m
}

// Attach queues a device arrival for the worker.
func (m *Manager) Attach(a Attachment) error {
	select {
	case <-m.done:
		return ErrStopped
	default:
	}

	select {
	case m.arrivals <- a:
		return nil
	case <-m.done:
		return ErrStopped
	}
}

// Detach queues a device removal for the worker.
func (m *Manager) Detach(id string) error {
	select {
	case <-m.done:
		return ErrStopped
	default:
	}

	select {
	case m.removals <- id:
		return nil
	case <-m.done:
		return ErrStopped
	}
}

// Stop shuts the worker down, tearing down every attached drive.
func (m *Manager) Stop() {
	close(m.shutdown)
	<-m.done
}

// run is the single hotplug worker: a blocking multi-wait over arrival,
// removal and shutdown signals.
func (m *Manager) run() {
	defer close(m.done)

	for {
		select {
		case a := <-m.arrivals:
			m.attach(a)
		case id := <-m.removals:
			m.detach(id)
		case <-m.shutdown:
			m.teardownAll()

			return
		}
	}
}

// attach opens the drive, scans and mounts its units and inserts it into
// the arena. All blocking USB work happens before the global lock is
// taken.
func (m *Manager) attach(a Attachment) {
	logger := m.logger.With(zap.String("interface", a.ID))

	drive, err := msc.Open(a.Device, a.Desc, a.Interface, msc.WithLogger(logger))
	if err != nil {
		logger.Warn("failed to set up drive", zap.Error(err))

		a.Device.Close() //nolint:errcheck

		return
	}

	state := &driveState{
		id:     a.ID,
		dev:    a.Device,
		drive:  drive,
		mounts: map[uint8][]*volume.FilesystemContext{},
	}

	for _, unit := range drive.Units() {
		volumes, err := scan.Unit(unit, scan.WithLogger(logger))
		if err != nil {
			logger.Warn("scan failed", zap.Uint8("lun", unit.Index()), zap.Error(err))

			continue
		}

		for _, vol := range volumes {
			ctx, err := m.registry.Mount(unit, vol, m.flags)
			if err != nil {
				// local to this candidate volume; keep scanning
				logger.Info("mount failed",
					zap.Uint8("lun", unit.Index()),
					zap.Error(err))

				continue
			}

			state.mounts[unit.Index()] = append(state.mounts[unit.Index()], ctx)
		}
	}

	m.mu.Lock()
	s := m.freeSlotLocked()
	s.generation++
	s.state = state
	m.mu.Unlock()

	logger.Info("drive attached", zap.Int("units", len(drive.Units())))

	m.publish()
}

// detach tears the drive down completely (volumes unmounted, units
// stopped, endpoints dropped) before its slot is freed for reuse. Taking
// the slot lock first means any caller operating on the drive under a
// validated handle finishes before teardown starts.
func (m *Manager) detach(id string) {
	m.mu.Lock()

	var target *slot

	for _, s := range m.slots {
		if s.state != nil && s.state.id == id {
			target = s

			break
		}
	}

	m.mu.Unlock()

	if target == nil {
		m.logger.Debug("removal for unknown interface", zap.String("interface", id))

		return
	}

	target.mu.Lock()

	m.mu.Lock()
	target.generation++
	state := target.state
	target.state = nil
	m.mu.Unlock()

	m.teardown(state)

	target.mu.Unlock()

	m.logger.Info("drive detached", zap.String("interface", id))

	m.publish()
}

func (m *Manager) teardown(state *driveState) {
	for _, contexts := range state.mounts {
		for _, ctx := range contexts {
			m.registry.Unmount(ctx) //nolint:errcheck // logged by the registry
		}
	}

	state.drive.Close()
	state.dev.Close() //nolint:errcheck
}

func (m *Manager) teardownAll() {
	m.mu.Lock()
	slots := make([]*slot, len(m.slots))
	copy(slots, m.slots)
	m.mu.Unlock()

	for _, s := range slots {
		s.mu.Lock()

		m.mu.Lock()
		state := s.state

		if state != nil {
			s.generation++
			s.state = nil
		}
		m.mu.Unlock()

		if state != nil {
			m.teardown(state)
		}

		s.mu.Unlock()
	}
}

// freeSlotLocked returns an empty slot, growing the arena when none is
// free. Callers hold m.mu.
func (m *Manager) freeSlotLocked() *slot {
	for _, s := range m.slots {
		if s.state == nil {
			return s
		}
	}

	s := &slot{}
	m.slots = append(m.slots, s)

	return s
}
