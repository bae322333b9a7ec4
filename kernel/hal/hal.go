// Package hal probes the registered device drivers in priority order and
// keeps track of which ones initialized successfully.
package hal

import (
	"bytes"
	"nucleus/device"
	"nucleus/kernel/kfmt"
	"sort"
)

var (
	// activeDrivers tracks every driver that probed and initialized
	// successfully, in detection order.
	activeDrivers []device.Driver
	strBuf        bytes.Buffer
)

// ActiveDrivers returns every driver that has successfully initialized.
func ActiveDrivers() []device.Driver {
	return activeDrivers
}

// DetectHardware probes for hardware devices in priority order and
// initializes the ones that are present.
func DetectHardware() {
	drivers := device.DriverList()
	sort.Sort(drivers)

	probe(drivers)
}

// probe executes the probe function for each driver and records the ones
// that report a device is present and initialize cleanly.
func probe(driverInfoList device.DriverInfoList) {
	var w = kfmt.PrefixWriter{Sink: kfmt.GetOutputSink()}

	for _, info := range driverInfoList {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		activeDrivers = append(activeDrivers, drv)
	}
}
