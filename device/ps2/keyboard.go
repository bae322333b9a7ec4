package ps2

import "nucleus/kernel"

// response enumerates the byte values a PS/2 device sends back for command
// acknowledgement and self-test results.
type response uint8

const (
	responseAcknowledged   response = 0xfa
	responseResend         response = 0xfe
	responseSelfTestPassed response = 0xaa
	responseSelfTestFail1  response = 0xfc
	responseSelfTestFail2  response = 0xfd
)

const (
	keyboardCmdGetSetScanCode   command = 0xf0
	keyboardCmdResetAndSelfTest command = 0xff
)

// Keyboard drives the first PS/2 port, assumed to be a keyboard per the
// legacy PS/2 convention.
type Keyboard struct {
	ctrl controller
}

func (k *Keyboard) writeCommand(cmd command, data *uint8) *kernel.Error {
	if err := k.ctrl.writeData(uint8(cmd)); err != nil {
		return err
	}

	resp, err := k.ctrl.readData()
	if err != nil {
		return err
	}
	if response(resp) != responseAcknowledged {
		return errCommandNotAcked
	}

	if data != nil {
		if err := k.ctrl.writeData(*data); err != nil {
			return err
		}
		resp, err := k.ctrl.readData()
		if err != nil {
			return err
		}
		if response(resp) != responseAcknowledged {
			return errCommandNotAcked
		}
	}

	return nil
}

func (k *Keyboard) resetAndSelfTest() *kernel.Error {
	if err := k.writeCommand(keyboardCmdResetAndSelfTest, nil); err != nil {
		return err
	}

	resp, err := k.ctrl.readData()
	if err != nil {
		return err
	}

	switch response(resp) {
	case responseSelfTestPassed:
		return nil
	case responseSelfTestFail1, responseSelfTestFail2:
		return errSelfTestFailed
	default:
		return errUnexpectedResponse
	}
}

// ReadScancode reads one raw scancode byte from the data port. It is meant
// to be called from the keyboard IRQ handler, where the output-full bit is
// already known to be set.
func (k *Keyboard) ReadScancode() (uint8, *kernel.Error) {
	return k.ctrl.readData()
}
