package ps2

import "nucleus/kernel"

const (
	mouseCmdEnableDataReporting command = 0xf4
	mouseCmdResetAndSelfTest    command = 0xff
)

// Mouse drives the second PS/2 port.
type Mouse struct {
	ctrl controller
}

func (m *Mouse) writeCommand(cmd command, data *uint8) *kernel.Error {
	if err := m.ctrl.writeToSecondPort(uint8(cmd)); err != nil {
		return err
	}

	resp, err := m.ctrl.readData()
	if err != nil {
		return err
	}
	if response(resp) != responseAcknowledged {
		return errCommandNotAcked
	}

	if data != nil {
		if err := m.ctrl.writeToSecondPort(*data); err != nil {
			return err
		}
		resp, err := m.ctrl.readData()
		if err != nil {
			return err
		}
		if response(resp) != responseAcknowledged {
			return errCommandNotAcked
		}
	}

	return nil
}

func (m *Mouse) resetAndSelfTest() *kernel.Error {
	if err := m.writeCommand(mouseCmdResetAndSelfTest, nil); err != nil {
		return err
	}

	resp, err := m.ctrl.readData()
	if err != nil {
		return err
	}

	switch response(resp) {
	case responseSelfTestPassed:
		// A device id byte follows a successful mouse self-test; discard it.
		_, err := m.ctrl.readData()
		return err
	case responseSelfTestFail1, responseSelfTestFail2:
		return errSelfTestFailed
	default:
		return errUnexpectedResponse
	}
}

func (m *Mouse) enableDataReporting() *kernel.Error {
	return m.writeCommand(mouseCmdEnableDataReporting, nil)
}

// Button identifies which button (if any) a mouse packet reports as
// pressed. The packet carries one bit per button, but an Event reports only
// one of them, chosen by priority: left, then middle, then right, then plain
// movement.
type Button int

const (
	ButtonNone Button = iota
	ButtonLeft
	ButtonMiddle
	ButtonRight
)

// Event is a decoded 3-byte PS/2 mouse packet.
type Event struct {
	Button Button
	DX, DY int
}

// ReadByte reads one raw packet byte from the data port. It is meant to be
// called from the mouse IRQ handler, which fires once per byte; the caller
// buffers three of these and passes them to DecodePacket once a full packet
// has arrived.
func (m *Mouse) ReadByte() (uint8, *kernel.Error) {
	return m.ctrl.readData()
}

// ReadEvent blocks for the three bytes of a standard PS/2 mouse packet and
// decodes them. The mouse IRQ fires once per byte, so an IRQ handler uses
// ReadByte and DecodePacket instead of blocking here. ReadEvent is provided
// for contexts that can afford to poll, such as tests and synchronous
// bring-up code.
func (m *Mouse) ReadEvent() (Event, *kernel.Error) {
	var buf [3]uint8
	for i := range buf {
		b, err := m.ctrl.readData()
		if err != nil {
			return Event{}, err
		}
		buf[i] = b
	}
	return DecodePacket(buf[0], buf[1], buf[2]), nil
}

// DecodePacket decodes the three status/X/Y bytes of a standard PS/2 mouse
// packet. Bit 4 of the status byte is the X sign, bit 5 the Y sign, bits 6
// and 7 the overflow flags for X and Y respectively; an overflowing axis
// saturates at its signed maximum magnitude (127) rather than wrapping. The
// Y axis is inverted, since PS/2 reports it bottom-up while callers expect
// a top-down coordinate system.
func DecodePacket(status, xMovement, yMovement uint8) Event {
	var (
		leftPressed   = status&0x01 != 0
		rightPressed  = status&0x02 != 0
		middlePressed = status&0x04 != 0
		xSign         = status&0x10 != 0
		ySign         = status&0x20 != 0
		xOverflow     = status&0x40 != 0
		yOverflow     = status&0x80 != 0
	)

	dx := int(int8(xMovement))
	if xOverflow {
		if xSign {
			dx = -127
		} else {
			dx = 127
		}
	}

	dy := int(int8(yMovement))
	if yOverflow {
		if ySign {
			dy = -127
		} else {
			dy = 127
		}
	}
	dy = -dy

	button := ButtonNone
	switch {
	case leftPressed:
		button = ButtonLeft
	case middlePressed:
		button = ButtonMiddle
	case rightPressed:
		button = ButtonRight
	}

	return Event{Button: button, DX: dx, DY: dy}
}
