// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package volume_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-usbstorage/scan"
	"github.com/siderolabs/go-usbstorage/volume"
)

// memVolumeUnit is an in-memory unit for registry tests.
type memVolumeUnit struct {
	data           []byte
	writeProtected bool
}

func (m *memVolumeUnit) ReadBlocks(lba, count uint64, buf []byte) error {
	copy(buf, m.data[lba*512:(lba+count)*512])

	return nil
}

func (m *memVolumeUnit) WriteBlocks(lba, count uint64, buf []byte) error {
	if m.writeProtected {
		return errors.New("write protected")
	}

	copy(m.data[lba*512:(lba+count)*512], buf)

	return nil
}

func (m *memVolumeUnit) BlockSize() uint32 { return 512 }

func (m *memVolumeUnit) BlockCount() uint64 { return uint64(len(m.data)) / 512 }

func (m *memVolumeUnit) WriteProtected() bool { return m.writeProtected }

// recordingDriver remembers its mounts and fails on demand.
type recordingDriver struct {
	kind scan.Kind

	mountErr error

	mounted   []string
	unmounted int
	flags     []volume.MountFlags
}

func (d *recordingDriver) Kind() scan.Kind { return d.kind }

func (d *recordingDriver) Mount(_ *volume.BlockView, name string, flags volume.MountFlags) (volume.Handle, error) {
	if d.mountErr != nil {
		return nil, d.mountErr
	}

	d.mounted = append(d.mounted, name)
	d.flags = append(d.flags, flags)

	return &recordingHandle{driver: d}, nil
}

type recordingHandle struct {
	driver *recordingDriver
}

func (h *recordingHandle) Unmount() error {
	h.driver.unmounted++

	return nil
}

func fatVolume() scan.Volume {
	return scan.Volume{Kind: scan.KindFAT, FirstBlock: 0, BlockCount: 64}
}

func TestMountAssignsSmallestFreeID(t *testing.T) {
	t.Parallel()

	registry := volume.NewRegistry()
	driver := &recordingDriver{kind: scan.KindFAT}
	registry.RegisterDriver(driver)

	unit := &memVolumeUnit{data: make([]byte, 64*512)}

	var contexts []*volume.FilesystemContext

	for range 3 {
		ctx, err := registry.Mount(unit, fatVolume(), volume.MountDefault)
		require.NoError(t, err)

		contexts = append(contexts, ctx)
	}

	assert.Equal(t, []string{"usb0:", "usb1:", "usb2:"}, driver.mounted)

	// freeing the middle id makes it the next allocation
	require.NoError(t, registry.Unmount(contexts[1]))

	ctx, err := registry.Mount(unit, fatVolume(), volume.MountDefault)
	require.NoError(t, err)

	assert.Equal(t, 1, ctx.DeviceID)
	assert.Equal(t, "usb1:", ctx.MountName)
}

func TestMountNoDriver(t *testing.T) {
	t.Parallel()

	registry := volume.NewRegistry()
	unit := &memVolumeUnit{data: make([]byte, 64*512)}

	_, err := registry.Mount(unit, fatVolume(), volume.MountDefault)
	require.ErrorIs(t, err, volume.ErrNoDriver)
}

func TestMountFailureReleasesID(t *testing.T) {
	t.Parallel()

	registry := volume.NewRegistry()
	driver := &recordingDriver{kind: scan.KindFAT, mountErr: errors.New("corrupt fat")}
	registry.RegisterDriver(driver)

	unit := &memVolumeUnit{data: make([]byte, 64*512)}

	_, err := registry.Mount(unit, fatVolume(), volume.MountDefault)
	require.Error(t, err)

	driver.mountErr = nil

	ctx, err := registry.Mount(unit, fatVolume(), volume.MountDefault)
	require.NoError(t, err)

	assert.Equal(t, 0, ctx.DeviceID, "the id of the failed mount is not leaked")
}

func TestMountWriteProtectedForcesReadOnly(t *testing.T) {
	t.Parallel()

	registry := volume.NewRegistry()
	driver := &recordingDriver{kind: scan.KindFAT}
	registry.RegisterDriver(driver)

	unit := &memVolumeUnit{data: make([]byte, 64*512), writeProtected: true}

	ctx, err := registry.Mount(unit, fatVolume(), volume.MountDefault)
	require.NoError(t, err)

	assert.NotZero(t, ctx.Flags&volume.MountReadOnly)
	require.Len(t, driver.flags, 1)
	assert.NotZero(t, driver.flags[0]&volume.MountReadOnly, "the driver sees the forced flag")
}

func TestUnmountIsIdempotent(t *testing.T) {
	t.Parallel()

	registry := volume.NewRegistry()
	driver := &recordingDriver{kind: scan.KindFAT}
	registry.RegisterDriver(driver)

	unit := &memVolumeUnit{data: make([]byte, 64*512)}

	ctx, err := registry.Mount(unit, fatVolume(), volume.MountDefault)
	require.NoError(t, err)

	require.NoError(t, registry.Unmount(ctx))
	require.NoError(t, registry.Unmount(ctx))

	assert.Equal(t, 1, driver.unmounted)
}

func TestContextsOrderedByID(t *testing.T) {
	t.Parallel()

	registry := volume.NewRegistry()
	registry.RegisterDriver(&recordingDriver{kind: scan.KindFAT})
	registry.RegisterDriver(&recordingDriver{kind: scan.KindExt})

	unit := &memVolumeUnit{data: make([]byte, 64*512)}

	for _, kind := range []scan.Kind{scan.KindFAT, scan.KindExt, scan.KindFAT} {
		_, err := registry.Mount(unit, scan.Volume{Kind: kind, BlockCount: 64}, volume.MountDefault)
		require.NoError(t, err)
	}

	contexts := registry.Contexts()
	require.Len(t, contexts, 3)

	for i, ctx := range contexts {
		assert.Equal(t, i, ctx.DeviceID)
	}

	assert.Equal(t, scan.KindExt, contexts[1].Kind)
}

func TestBlockViewWindow(t *testing.T) {
	t.Parallel()

	unit := &memVolumeUnit{data: make([]byte, 64*512)}

	for i := range unit.data {
		unit.data[i] = byte(i / 512)
	}

	view := volume.NewBlockView(unit, 16, 32)

	assert.Equal(t, uint32(512), view.BlockSize())
	assert.Equal(t, uint64(32), view.Blocks())

	buf := make([]byte, 512)
	require.True(t, view.ReadBlocks(0, 1, buf))
	assert.Equal(t, byte(16), buf[0], "view reads are offset by the volume's first block")

	for i := range buf {
		buf[i] = 0xcc
	}

	require.True(t, view.WriteBlocks(1, 1, buf))
	assert.Equal(t, byte(0xcc), unit.data[17*512])

	unit.writeProtected = true
	assert.False(t, view.WriteBlocks(1, 1, buf))
}
