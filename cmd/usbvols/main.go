// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// usbvols attaches USB mass storage devices found under /dev/bus/usb,
// scans their units and lists the volumes discovered.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/siderolabs/go-usbstorage/msc"
	"github.com/siderolabs/go-usbstorage/scan"
	"github.com/siderolabs/go-usbstorage/storage"
	"github.com/siderolabs/go-usbstorage/usb"
	"github.com/siderolabs/go-usbstorage/usb/usbfs"
	"github.com/siderolabs/go-usbstorage/volume"
)

// settleDelay bounds how long the listing waits for attach processing
// after the last published snapshot.
const settleDelay = 3 * time.Second

var opts struct {
	verbose bool
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "usbvols [path...]",
		Short:        "List volumes on attached USB mass storage devices",
		Long:         "Attaches the given usbfs device nodes (all of /dev/bus/usb if none are given), scans their logical units and prints every recognized volume.",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, args []string) error {
			return run(args)
		},
	}

	rootCmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(paths []string) error {
	logger := zap.NewNop()

	if opts.verbose {
		var err error

		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}

	if len(paths) == 0 {
		var err error

		if paths, err = filepath.Glob("/dev/bus/usb/*/*"); err != nil {
			return err
		}
	}

	registry := volume.NewRegistry(volume.WithRegistryLogger(logger))

	for _, kind := range []scan.Kind{scan.KindFAT, scan.KindExFAT, scan.KindNTFS, scan.KindExt} {
		registry.RegisterDriver(nopDriver{kind: kind})
	}

	manager := storage.NewManager(registry, storage.WithLogger(logger))
	defer manager.Stop()

	attached := 0

	for _, path := range paths {
		if err := attach(manager, path, logger); err != nil {
			logger.Debug("skipping device", zap.String("path", path), zap.Error(err))

			continue
		}

		attached++
	}

	if attached == 0 {
		fmt.Println("no mass storage devices found")

		return nil
	}

	// attach is asynchronous; wait for the manager to go quiet before
	// taking the final list
	settle := time.NewTimer(settleDelay)

wait:
	for {
		select {
		case <-manager.Snapshots():
			settle.Reset(settleDelay)
		case <-settle.C:
			break wait
		}
	}

	records := manager.List(-1)

	fmt.Printf("%-8s %-10s %-6s %-24s %10s\n", "NAME", "KIND", "RO", "PRODUCT", "CAPACITY")

	for _, rec := range records {
		fmt.Printf("%-8s %-10s %-6v %-24s %10d\n",
			rec.MountName, rec.Kind, rec.WriteProtected, rec.Product, rec.Capacity)
	}

	return nil
}

// attach parses the device's descriptors and hands any mass storage
// interface to the manager.
func attach(manager *storage.Manager, path string, logger *zap.Logger) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	devInfo, err := usb.ParseDeviceDescriptor(raw)
	if err != nil {
		return err
	}

	if len(raw) < 18+9 {
		return usb.ErrBadDescriptor
	}

	config := raw[18:]

	totalLength := int(binary.LittleEndian.Uint16(config[2:4]))
	if totalLength > len(config) {
		totalLength = len(config)
	}

	interfaces, err := usb.ParseConfigDescriptor(config[:totalLength])
	if err != nil {
		return err
	}

	iface, ok := massStorageInterface(interfaces)
	if !ok {
		return fmt.Errorf("no mass storage interface")
	}

	dev, err := usbfs.OpenPath(path)
	if err != nil {
		return err
	}

	if err := dev.ClaimInterface(iface.Number); err != nil {
		dev.Close() //nolint:errcheck

		return err
	}

	return manager.Attach(storage.Attachment{
		ID:     path,
		Device: dev,
		Desc: msc.DeviceDesc{
			VendorID:  devInfo.VendorID,
			ProductID: devInfo.ProductID,
		},
		Interface: iface,
	})
}

// massStorageInterface collects the alternate settings of the first SCSI
// mass storage interface found.
func massStorageInterface(interfaces []usb.InterfaceInfo) (msc.InterfaceDesc, bool) {
	result := msc.InterfaceDesc{}
	found := false

	for _, info := range interfaces {
		if info.Class != usb.ClassMassStorage || info.SubClass != usb.SubclassSCSI {
			continue
		}

		if info.Protocol != usb.ProtocolBulkOnly && info.Protocol != usb.ProtocolUAS {
			continue
		}

		if !found {
			result.Number = info.Number
			found = true
		}

		if info.Number != result.Number {
			continue
		}

		result.AltSettings = append(result.AltSettings, msc.AltSetting{
			Alt:       info.Alt,
			Protocol:  info.Protocol,
			Endpoints: info.Endpoints,
			PipeUsage: info.PipeUsage,
		})
	}

	return result, found
}

// nopDriver accepts any volume of its kind without interpreting it, enough
// to exercise mounting and listing from the command line.
type nopDriver struct {
	kind scan.Kind
}

func (d nopDriver) Kind() scan.Kind {
	return d.kind
}

func (d nopDriver) Mount(*volume.BlockView, string, volume.MountFlags) (volume.Handle, error) {
	return nopHandle{}, nil
}

type nopHandle struct{}

func (nopHandle) Unmount() error {
	return nil
}
