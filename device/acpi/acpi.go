// Package acpi locates and parses the ACPI tables needed to bring up the
// interrupt controllers: the RSDP, the RSDT/XSDT, and the MADT.
package acpi

import (
	"io"
	"nucleus/device"
	"nucleus/device/acpi/table"
	"nucleus/kernel"
	"nucleus/kernel/kfmt"
	"unsafe"
)

const (
	acpiRev1     uint8 = 0
	acpiRev2Plus uint8 = 2
)

var (
	errMissingRSDP           = &kernel.Error{Module: "acpi", Message: "could not locate ACPI RSDP"}
	errTableChecksumMismatch = &kernel.Error{Module: "acpi", Message: "detected checksum mismatch while parsing ACPI table header"}
	errMissingMADT           = &kernel.Error{Module: "acpi", Message: "MADT table not present"}

	rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}
	fadtSignature = "FACP"
	madtSignature = "APIC"

	// rsdpAddr is the physical address of the RSDP as reported by the boot
	// loader. It is set once, before device.DetectHardware runs, since
	// driver probe functions take no arguments.
	rsdpAddr uintptr
)

// SetRSDPAddr records the physical address of the RSDP found in the UEFI
// configuration table. It must be called before the ACPI driver is probed.
func SetRSDPAddr(addr uintptr) {
	rsdpAddr = addr
}

// LocalAPICInfo describes one processor's local APIC as reported by the MADT.
type LocalAPICInfo struct {
	ProcessorID uint8
	APICID      uint8
	Enabled     bool
}

// IOAPICInfo describes the I/O APIC as reported by the MADT.
type IOAPICInfo struct {
	APICID           uint8
	Address          uint32
	SysInterruptBase uint32
}

// Info is the parsed view of the MADT that device/apic consumes to program
// the local and I/O APICs. It is populated once, during the ACPI driver's
// DriverInit.
type Info struct {
	LocalAPICBase uint32
	IOAPIC        IOAPICInfo
	LocalAPICs    []LocalAPICInfo

	// apicIDToIndex maps an APIC id to its dense position in LocalAPICs.
	apicIDToIndex map[uint8]int
}

// IndexForAPICID returns the dense index of the processor with the given
// APIC id and true, or (0, false) if no such processor was reported.
func (i *Info) IndexForAPICID(apicID uint8) (int, bool) {
	idx, ok := i.apicIDToIndex[apicID]
	return idx, ok
}

var apicInfo Info

// GetApicInfo returns the MADT-derived APIC layout. It is only valid after
// the ACPI driver has run.
func GetApicInfo() *Info {
	return &apicInfo
}

type acpiDriver struct {
	rsdtAddr uintptr
	useXSDT  bool

	tableMap map[string]*table.SDTHeader
}

// DriverInit initializes this driver.
func (drv *acpiDriver) DriverInit(w io.Writer) *kernel.Error {
	if err := drv.enumerateTables(w); err != nil {
		return err
	}

	drv.printTableInfo(w)

	madtHeader, found := drv.tableMap[madtSignature]
	if !found {
		return errMissingMADT
	}

	apicInfo = parseMADT((*table.MADT)(unsafe.Pointer(madtHeader)))
	kfmt.Fprintf(w, "local APIC base: 0x%8x, I/O APIC base: 0x%8x\n", apicInfo.LocalAPICBase, apicInfo.IOAPIC.Address)

	return nil
}

// DriverName returns the name of this driver.
func (*acpiDriver) DriverName() string {
	return "ACPI"
}

// DriverVersion returns the version of this driver.
func (*acpiDriver) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

func (drv *acpiDriver) printTableInfo(w io.Writer) {
	for name, header := range drv.tableMap {
		kfmt.Fprintf(w, "%s at 0x%16x %6x (%6s %8s)\n",
			name,
			uintptr(unsafe.Pointer(header)),
			header.Length,
			string(header.OEMID[:]),
			string(header.OEMTableID[:]),
		)
	}
}

// enumerateTables walks the RSDT/XSDT pointer list. Everything is already
// identity-mapped by the time this driver runs, so a table header's
// physical address doubles as a directly dereferenceable pointer.
func (drv *acpiDriver) enumerateTables(w io.Writer) *kernel.Error {
	header, sizeofHeader, err := readACPITable(drv.rsdtAddr)
	if err != nil {
		return err
	}

	drv.tableMap = make(map[string]*table.SDTHeader)

	var (
		acpiRev      = header.Revision
		payloadLen   = header.Length - uint32(sizeofHeader)
		sdtAddresses []uintptr
	)

	switch drv.useXSDT {
	case true:
		sdtAddresses = make([]uintptr, payloadLen>>3)
		for curPtr, i := drv.rsdtAddr+sizeofHeader, 0; i < len(sdtAddresses); curPtr, i = curPtr+8, i+1 {
			sdtAddresses[i] = uintptr(*(*uint64)(unsafe.Pointer(curPtr)))
		}
	default:
		sdtAddresses = make([]uintptr, payloadLen>>2)
		for curPtr, i := drv.rsdtAddr+sizeofHeader, 0; i < len(sdtAddresses); curPtr, i = curPtr+4, i+1 {
			sdtAddresses[i] = uintptr(*(*uint32)(unsafe.Pointer(curPtr)))
		}
	}

	for _, addr := range sdtAddresses {
		if header, _, err = readACPITable(addr); err != nil {
			if err == errTableChecksumMismatch {
				kfmt.Fprintf(w, "table at 0x%16x [checksum mismatch; skipping]\n", addr)
				continue
			}
			return err
		}

		signature := string(header.Signature[:])
		drv.tableMap[signature] = header

		if signature == fadtSignature {
			fadt := (*table.FADT)(unsafe.Pointer(header))

			dsdtAddr := uintptr(fadt.Dsdt)
			if acpiRev >= acpiRev2Plus {
				dsdtAddr = uintptr(fadt.Ext.Dsdt)
			}

			if header, _, err = readACPITable(dsdtAddr); err != nil {
				if err == errTableChecksumMismatch {
					kfmt.Fprintf(w, "table at 0x%16x [checksum mismatch; skipping]\n", dsdtAddr)
					continue
				}
				return err
			}

			drv.tableMap[string(header.Signature[:])] = header
		}
	}

	return nil
}

// readACPITable returns a pointer to the table header starting at tableAddr
// and validates its checksum.
func readACPITable(tableAddr uintptr) (header *table.SDTHeader, sizeofHeader uintptr, err *kernel.Error) {
	sizeofHeader = unsafe.Sizeof(table.SDTHeader{})
	header = (*table.SDTHeader)(unsafe.Pointer(tableAddr))

	if !validTable(tableAddr, header.Length) {
		err = errTableChecksumMismatch
	}

	return header, sizeofHeader, err
}

// parseMADT walks the variable-length entries following the MADT's fixed
// header, recording every local APIC and the (single) I/O APIC it finds.
func parseMADT(madt *table.MADT) Info {
	info := Info{
		LocalAPICBase: madt.LocalControllerAddress,
		apicIDToIndex: make(map[uint8]int),
	}

	entryPtr := uintptr(unsafe.Pointer(madt)) + unsafe.Sizeof(table.MADT{})
	end := uintptr(unsafe.Pointer(madt)) + uintptr(madt.Length)

	for entryPtr < end {
		entry := (*table.MADTEntry)(unsafe.Pointer(entryPtr))
		if entry.Length == 0 {
			break
		}

		switch entry.Type {
		case table.MADTEntryTypeLocalAPIC:
			lapic := (*table.MADTEntryLocalAPIC)(unsafe.Pointer(entryPtr + unsafe.Sizeof(table.MADTEntry{})))
			info.apicIDToIndex[lapic.APICID] = len(info.LocalAPICs)
			info.LocalAPICs = append(info.LocalAPICs, LocalAPICInfo{
				ProcessorID: lapic.ProcessorID,
				APICID:      lapic.APICID,
				Enabled:     lapic.Flags&1 != 0,
			})
		case table.MADTEntryTypeIOAPIC:
			ioapic := (*table.MADTEntryIOAPIC)(unsafe.Pointer(entryPtr + unsafe.Sizeof(table.MADTEntry{})))
			info.IOAPIC = IOAPICInfo{
				APICID:           ioapic.APICID,
				Address:          ioapic.Address,
				SysInterruptBase: ioapic.SysInterruptBase,
			}
		}

		entryPtr += uintptr(entry.Length)
	}

	return info
}

// locateRSDT checks the RSDP at rsdpAddr for its signature and checksum and
// returns the physical address of the RSDT/XSDT it references. It does not
// search memory for an RSDP located elsewhere.
func locateRSDT(rsdpAddr uintptr) (uintptr, bool, *kernel.Error) {
	rsdp := (*table.RSDPDescriptor)(unsafe.Pointer(rsdpAddr))
	for i, b := range rsdpSignature {
		if rsdp.Signature[i] != b {
			return 0, false, errMissingRSDP
		}
	}

	if rsdp.Revision == acpiRev1 {
		if !validTable(rsdpAddr, uint32(unsafe.Sizeof(*rsdp))) {
			return 0, false, errMissingRSDP
		}
		return uintptr(rsdp.RSDTAddr), false, nil
	}

	rsdp2 := (*table.ExtRSDPDescriptor)(unsafe.Pointer(rsdpAddr))
	if !validTable(rsdpAddr, uint32(unsafe.Sizeof(*rsdp2))) {
		return 0, false, errMissingRSDP
	}

	return uintptr(rsdp2.XSDTAddr), true, nil
}

// validTable calculates the checksum for an ACPI table of length tableLength
// that starts at tablePtr and returns true if the table is valid.
func validTable(tablePtr uintptr, tableLength uint32) bool {
	var (
		i   uint32
		sum uint8
	)

	for i = 0; i < tableLength; i++ {
		sum += *(*uint8)(unsafe.Pointer(tablePtr + uintptr(i)))
	}

	return sum == 0
}

func probeForACPI() device.Driver {
	if rsdpAddr == 0 {
		return nil
	}

	if rsdtAddr, useXSDT, err := locateRSDT(rsdpAddr); err == nil {
		return &acpiDriver{
			rsdtAddr: rsdtAddr,
			useXSDT:  useXSDT,
		}
	}

	return nil
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderBeforeACPI,
		Probe: probeForACPI,
	})
}
