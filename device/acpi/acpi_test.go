package acpi

import (
	"nucleus/device/acpi/table"
	"testing"
	"unsafe"
)

func setChecksum(ptr uintptr, length uint32, checksumOffset uintptr) {
	*(*uint8)(unsafe.Pointer(ptr + checksumOffset)) = 0

	var sum uint8
	for i := uint32(0); i < length; i++ {
		sum += *(*uint8)(unsafe.Pointer(ptr + uintptr(i)))
	}

	*(*uint8)(unsafe.Pointer(ptr + checksumOffset)) = uint8(0 - sum)
}

const madtEntryHeaderSize = 2

// newMADTFixture lays out a MADT header followed by one local APIC entry and
// one I/O APIC entry in a flat byte buffer, at the exact offsets parseMADT
// assumes (a 2-byte entry header immediately followed by the entry payload).
// The returned pointer keeps the backing buffer alive for as long as it is
// reachable.
func newMADTFixture() *table.MADT {
	headerSize := int(unsafe.Sizeof(table.MADT{}))
	lapicBodySize := int(unsafe.Sizeof(table.MADTEntryLocalAPIC{}))
	ioapicBodySize := int(unsafe.Sizeof(table.MADTEntryIOAPIC{}))
	lapicEntryLen := madtEntryHeaderSize + lapicBodySize
	ioapicEntryLen := madtEntryHeaderSize + ioapicBodySize
	total := headerSize + lapicEntryLen + ioapicEntryLen

	buf := make([]byte, total)
	base := uintptr(unsafe.Pointer(&buf[0]))

	madt := (*table.MADT)(unsafe.Pointer(base))
	madt.Signature = [4]byte{'A', 'P', 'I', 'C'}
	madt.Length = uint32(total)
	madt.LocalControllerAddress = 0xfee00000

	lapicPtr := base + uintptr(headerSize)
	*(*table.MADTEntry)(unsafe.Pointer(lapicPtr)) = table.MADTEntry{Type: table.MADTEntryTypeLocalAPIC, Length: uint8(lapicEntryLen)}
	*(*table.MADTEntryLocalAPIC)(unsafe.Pointer(lapicPtr + madtEntryHeaderSize)) = table.MADTEntryLocalAPIC{ProcessorID: 0, APICID: 0, Flags: 1}

	ioapicPtr := lapicPtr + uintptr(lapicEntryLen)
	*(*table.MADTEntry)(unsafe.Pointer(ioapicPtr)) = table.MADTEntry{Type: table.MADTEntryTypeIOAPIC, Length: uint8(ioapicEntryLen)}
	*(*table.MADTEntryIOAPIC)(unsafe.Pointer(ioapicPtr + madtEntryHeaderSize)) = table.MADTEntryIOAPIC{APICID: 2, Address: 0xfec00000}

	return madt
}

func TestParseMADT(t *testing.T) {
	madt := newMADTFixture()

	info := parseMADT(madt)

	if info.LocalAPICBase != 0xfee00000 {
		t.Errorf("expected local APIC base 0xfee00000; got 0x%x", info.LocalAPICBase)
	}

	if info.IOAPIC.Address != 0xfec00000 {
		t.Errorf("expected I/O APIC address 0xfec00000; got 0x%x", info.IOAPIC.Address)
	}

	if len(info.LocalAPICs) != 1 || info.LocalAPICs[0].APICID != 0 || !info.LocalAPICs[0].Enabled {
		t.Errorf("expected one enabled local APIC with id 0; got %+v", info.LocalAPICs)
	}

	if idx, ok := info.IndexForAPICID(0); !ok || idx != 0 {
		t.Errorf("expected APIC id 0 to map to index 0; got (%d, %v)", idx, ok)
	}

	if _, ok := info.IndexForAPICID(99); ok {
		t.Error("expected lookup of an unreported APIC id to fail")
	}
}

func TestParseMADTStopsOnZeroLengthEntry(t *testing.T) {
	madt := newMADTFixture()

	// Corrupt the first entry's length so the walk must bail out instead of
	// looping forever.
	entryPtr := uintptr(unsafe.Pointer(madt)) + unsafe.Sizeof(table.MADT{})
	(*table.MADTEntry)(unsafe.Pointer(entryPtr)).Length = 0

	info := parseMADT(madt)
	if len(info.LocalAPICs) != 0 {
		t.Errorf("expected parsing to stop at the zero-length entry; got %d local APICs", len(info.LocalAPICs))
	}
}

func TestLocateRSDTAndEnumerateTables(t *testing.T) {
	madt := newMADTFixture()
	setChecksum(uintptr(unsafe.Pointer(madt)), madt.Length, unsafe.Offsetof(madt.Checksum))

	rsdtBuf := make([]byte, int(unsafe.Sizeof(table.SDTHeader{}))+8)
	rsdtHeader := (*table.SDTHeader)(unsafe.Pointer(&rsdtBuf[0]))
	rsdtHeader.Signature = [4]byte{'X', 'S', 'D', 'T'}
	rsdtHeader.Length = uint32(len(rsdtBuf))
	*(*uint64)(unsafe.Pointer(&rsdtBuf[unsafe.Sizeof(table.SDTHeader{})])) = uint64(uintptr(unsafe.Pointer(madt)))
	setChecksum(uintptr(unsafe.Pointer(&rsdtBuf[0])), rsdtHeader.Length, unsafe.Offsetof(rsdtHeader.Checksum))

	var rsdp table.ExtRSDPDescriptor
	rsdp.Signature = rsdpSignature
	rsdp.Revision = acpiRev2Plus
	rsdp.Length = uint32(unsafe.Sizeof(rsdp))
	rsdp.XSDTAddr = uint64(uintptr(unsafe.Pointer(&rsdtBuf[0])))
	setChecksum(uintptr(unsafe.Pointer(&rsdp)), uint32(unsafe.Sizeof(rsdp)), unsafe.Offsetof(rsdp.ExtendedChecksum))

	rsdtAddr, useXSDT, err := locateRSDT(uintptr(unsafe.Pointer(&rsdp)))
	if err != nil {
		t.Fatalf("locateRSDT returned an error: %v", err)
	}
	if !useXSDT {
		t.Fatal("expected an ACPI 2.0+ RSDP to select the XSDT")
	}

	drv := &acpiDriver{rsdtAddr: rsdtAddr, useXSDT: useXSDT}
	var sink nopWriter
	if err := drv.enumerateTables(sink); err != nil {
		t.Fatalf("enumerateTables returned an error: %v", err)
	}

	if _, ok := drv.tableMap["APIC"]; !ok {
		t.Fatalf("expected the MADT to be discovered; got tables %v", tableKeys(drv.tableMap))
	}
}

func TestLocateRSDTRejectsBadSignature(t *testing.T) {
	var rsdp table.ExtRSDPDescriptor
	rsdp.Signature = [8]byte{'x', 'x', 'x', 'x', 'x', 'x', 'x', 'x'}

	if _, _, err := locateRSDT(uintptr(unsafe.Pointer(&rsdp))); err != errMissingRSDP {
		t.Errorf("expected errMissingRSDP; got %v", err)
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func tableKeys(m map[string]*table.SDTHeader) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
