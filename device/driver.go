package device

import (
	"io"
	"nucleus/kernel"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. Diagnostic output is
	// written to w.
	DriverInit(w io.Writer) *kernel.Error
}

// DetectOrder values control the sequence in which registered drivers are
// probed by the hardware abstraction layer. Lower values are probed first.
const (
	DetectOrderEarly = iota
	DetectOrderBeforeACPI
	DetectOrderACPI
	DetectOrderLast
)

// DriverInfo bundles a probe function together with the priority that
// controls when it gets invoked relative to other registered drivers.
type DriverInfo struct {
	// Order controls probe ordering; lower values are probed first.
	Order int

	// Probe attempts to detect the presence of a particular piece of
	// hardware. If detection succeeds it returns a Driver instance ready
	// to have its DriverInit method invoked; otherwise it returns nil.
	Probe func() Driver
}

// DriverInfoList is a sortable list of DriverInfo entries.
type DriverInfoList []*DriverInfo

// Len implements sort.Interface.
func (l DriverInfoList) Len() int { return len(l) }

// Swap implements sort.Interface.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// Less implements sort.Interface.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

var registeredDrivers DriverInfoList

// RegisterDriver adds a new entry to the list of known drivers. It is
// typically invoked via an init() function by each driver package.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the list of currently registered drivers.
func DriverList() DriverInfoList {
	return registeredDrivers
}
