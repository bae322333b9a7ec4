package ps2

import "testing"

func withMockPorts(t *testing.T, statusByte uint8, dataQueue []uint8) *[]uint8 {
	t.Helper()

	origInb, origOutb := inbFn, outbFn
	writes := make([]uint8, 0)

	t.Cleanup(func() {
		inbFn, outbFn = origInb, origOutb
	})

	queue := append([]uint8(nil), dataQueue...)
	inbFn = func(port uint16) uint8 {
		if port == statusPort {
			return statusByte
		}
		if len(queue) == 0 {
			t.Fatal("data port read with no queued response")
		}
		b := queue[0]
		queue = queue[1:]
		return b
	}
	outbFn = func(port uint16, value uint8) {
		writes = append(writes, value)
	}

	return &writes
}

func TestConfigByteBits(t *testing.T) {
	var cfg configByte

	cfg.setFirstPortInterrupt(true)
	if !cfg.firstPortInterrupt() {
		t.Error("expected first port interrupt bit to be set")
	}

	cfg.setSecondPortClockDisabled(true)
	if !cfg.secondPortClockDisabled() {
		t.Error("expected second port clock-disabled bit to be set")
	}

	cfg.setFirstPortInterrupt(false)
	if cfg.firstPortInterrupt() {
		t.Error("expected first port interrupt bit to be cleared")
	}
	if !cfg.secondPortClockDisabled() {
		t.Error("clearing an unrelated bit should not disturb others")
	}
}

func TestControllerReadDataTimesOutWhenOutputNeverFills(t *testing.T) {
	withMockPorts(t, 0x00, nil)

	c := controller{}
	if _, err := c.readData(); err != errTimeout {
		t.Errorf("expected errTimeout; got %v", err)
	}
}

func TestControllerWriteDataTimesOutWhenInputNeverDrains(t *testing.T) {
	withMockPorts(t, 0x02, nil) // input-full bit always set

	c := controller{}
	if err := c.writeData(0x42); err != errTimeout {
		t.Errorf("expected errTimeout; got %v", err)
	}
}

func TestControllerSelfTestFailure(t *testing.T) {
	writes := withMockPorts(t, 0x01, []uint8{0x00}) // output-full always set; self-test returns a bad byte

	c := controller{}
	if err := c.selfTest(); err != errSelfTestFailed {
		t.Errorf("expected errSelfTestFailed; got %v", err)
	}

	if len(*writes) != 1 || (*writes)[0] != uint8(cmdTestController) {
		t.Errorf("expected the controller test command to be written; got %v", *writes)
	}
}

func TestControllerSelfTestSuccess(t *testing.T) {
	withMockPorts(t, 0x01, []uint8{0x55})

	c := controller{}
	if err := c.selfTest(); err != nil {
		t.Errorf("expected self-test to succeed; got %v", err)
	}
}

func TestDecodePacketLeftButtonTakesPriority(t *testing.T) {
	// bits: left=1, middle=1, right=1
	event := DecodePacket(0x07, 0, 0)
	if event.Button != ButtonLeft {
		t.Errorf("expected left button priority; got %v", event.Button)
	}
}

func TestDecodePacketMiddleBeforeRight(t *testing.T) {
	event := DecodePacket(0x06, 0, 0) // middle + right, no left
	if event.Button != ButtonMiddle {
		t.Errorf("expected middle button priority over right; got %v", event.Button)
	}
}

func TestDecodePacketMovementAndYInversion(t *testing.T) {
	event := DecodePacket(0x00, 10, 20)
	if event.DX != 10 {
		t.Errorf("expected dx=10; got %d", event.DX)
	}
	if event.DY != -20 {
		t.Errorf("expected dy=-20 (Y axis inverted); got %d", event.DY)
	}
}

func TestDecodePacketOverflowSaturates(t *testing.T) {
	// X overflow with positive sign clear -> +127; Y overflow with sign set -> -127 before inversion -> +127 after.
	event := DecodePacket(0x40, 5, 5)
	if event.DX != 127 {
		t.Errorf("expected dx to saturate at 127; got %d", event.DX)
	}

	event = DecodePacket(0xa0, 5, 5) // Y overflow + Y sign set
	if event.DY != 127 {
		t.Errorf("expected dy to saturate at 127 after inversion; got %d", event.DY)
	}
}
