// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package volume

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/siderolabs/gen/maps"
	"go.uber.org/zap"

	"github.com/siderolabs/go-usbstorage/scan"
)

// Registry errors.
var (
	// ErrNoDriver indicates no registered driver handles the volume's
	// filesystem kind.
	ErrNoDriver = errors.New("no driver for filesystem kind")
)

// Registry owns the set of mounted filesystem contexts and the driver
// table.
type Registry struct {
	mu sync.Mutex

	drivers  map[scan.Kind]Driver
	contexts map[int]*FilesystemContext

	logger *zap.Logger
}

// RegistryOptions configure a Registry.
type RegistryOptions struct {
	Logger *zap.Logger
}

// RegistryOption is a function that sets some option.
type RegistryOption func(*RegistryOptions)

// WithRegistryLogger sets the logger for the registry.
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(o *RegistryOptions) {
		o.Logger = logger
	}
}

// NewRegistry builds an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	options := RegistryOptions{
		Logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	return &Registry{
		drivers:  map[scan.Kind]Driver{},
		contexts: map[int]*FilesystemContext{},
		logger:   options.Logger,
	}
}

// RegisterDriver adds a volume driver for its filesystem kind, replacing
// any previous driver for that kind.
func (r *Registry) RegisterDriver(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.drivers[d.Kind()] = d
}

// Mount allocates a filesystem context for the volume and invokes the
// matching driver. On driver failure the context and its device id are
// released; the caller moves on to the next candidate volume.
func (r *Registry) Mount(unit Unit, vol scan.Volume, flags MountFlags) (*FilesystemContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	driver, ok := r.drivers[vol.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDriver, vol.Kind)
	}

	if unit.WriteProtected() {
		flags |= MountReadOnly
	}

	id := r.allocateID()
	name := MountName(id)

	ctx := &FilesystemContext{
		Kind:             vol.Kind,
		Flags:            flags,
		DeviceID:         id,
		MountName:        name,
		WorkingDirectory: "/",
		view:             NewBlockView(unit, vol.FirstBlock, vol.BlockCount),
	}

	handle, err := driver.Mount(ctx.view, name, flags)
	if err != nil {
		return nil, fmt.Errorf("failed to mount %s volume as %s: %w", vol.Kind, name, err)
	}

	ctx.handle = handle
	r.contexts[id] = ctx

	r.logger.Info("volume mounted",
		zap.String("name", name),
		zap.Stringer("kind", vol.Kind),
		zap.Uint64("first_block", vol.FirstBlock),
		zap.Uint64("blocks", vol.BlockCount))

	return ctx, nil
}

// Unmount releases a mounted context and frees its device id for reuse.
func (r *Registry) Unmount(ctx *FilesystemContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.contexts[ctx.DeviceID]; !ok {
		return nil
	}

	delete(r.contexts, ctx.DeviceID)

	if err := ctx.handle.Unmount(); err != nil {
		r.logger.Warn("driver unmount failed",
			zap.String("name", ctx.MountName),
			zap.Error(err))

		return err
	}

	r.logger.Info("volume unmounted", zap.String("name", ctx.MountName))

	return nil
}

// Contexts returns the live filesystem contexts ordered by device id.
func (r *Registry) Contexts() []*FilesystemContext {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := maps.Values(r.contexts)

	sort.Slice(result, func(i, j int) bool {
		return result[i].DeviceID < result[j].DeviceID
	})

	return result
}

// allocateID returns the smallest non-negative id not in use among live
// contexts, so ids are reused after unmount.
func (r *Registry) allocateID() int {
	for id := 0; ; id++ {
		if _, used := r.contexts[id]; !used {
			return id
		}
	}
}

// MountName generates the canonical device prefix for a device id.
func MountName(id int) string {
	return fmt.Sprintf("usb%d:", id)
}
