// Package ps2 drives the 8042 PS/2 controller, bringing up the keyboard and,
// if present, the mouse behind its second port.
package ps2

import (
	"nucleus/kernel"
	"nucleus/kernel/cpu"
)

const (
	dataPort    uint16 = 0x60
	statusPort  uint16 = 0x64
	commandPort uint16 = 0x64

	// loopTimeout bounds how many times the controller polls its status
	// register waiting for the output-full or input-empty bit before giving
	// up and reporting a timeout.
	loopTimeout = 100000
)

var (
	errTimeout              = &kernel.Error{Module: "ps2", Message: "timed out waiting for the PS/2 controller"}
	errSelfTestFailed       = &kernel.Error{Module: "ps2", Message: "PS/2 controller self-test failed"}
	errPortTestFailed       = &kernel.Error{Module: "ps2", Message: "PS/2 port interface test failed"}
	errCommandNotAcked      = &kernel.Error{Module: "ps2", Message: "PS/2 device did not acknowledge the command"}
	errUnexpectedResponse   = &kernel.Error{Module: "ps2", Message: "PS/2 device returned an unexpected response"}
)

type command uint8

const (
	cmdReadConfigByte           command = 0x20
	cmdWriteConfigByte          command = 0x60
	cmdDisableSecondPort        command = 0xa7
	cmdEnableSecondPort         command = 0xa8
	cmdTestSecondPort           command = 0xa9
	cmdTestController           command = 0xaa
	cmdTestFirstPort            command = 0xab
	cmdDisableFirstPort         command = 0xad
	cmdEnableFirstPort          command = 0xae
	cmdWriteSecondPortInputBuf  command = 0xd4
)

// configByte is the PS/2 controller configuration byte (its internal "byte
// 0"). Bit layout per the 8042 reference.
type configByte uint8

func (c configByte) bit(n uint) bool       { return c&(1<<n) != 0 }
func (c *configByte) setBit(n uint, v bool) {
	if v {
		*c |= 1 << n
	} else {
		*c &^= 1 << n
	}
}

func (c configByte) firstPortInterrupt() bool        { return c.bit(0) }
func (c *configByte) setFirstPortInterrupt(v bool)    { c.setBit(0, v) }
func (c configByte) secondPortInterrupt() bool        { return c.bit(1) }
func (c *configByte) setSecondPortInterrupt(v bool)   { c.setBit(1, v) }
func (c configByte) firstPortClockDisabled() bool     { return c.bit(4) }
func (c *configByte) setFirstPortClockDisabled(v bool) { c.setBit(4, v) }
func (c configByte) secondPortClockDisabled() bool    { return c.bit(5) }
func (c *configByte) setSecondPortClockDisabled(v bool) { c.setBit(5, v) }
func (c *configByte) setFirstPortTranslation(v bool)  { c.setBit(6, v) }

type controllerStatus uint8

func (s controllerStatus) outputFull() bool { return s&1 != 0 }
func (s controllerStatus) inputFull() bool  { return s&2 != 0 }

// controller is the low-level port interface shared by the keyboard and
// mouse drivers. Tests substitute inbFn/outbFn to avoid touching real I/O
// ports.
type controller struct{}

var (
	inbFn  = cpu.Inb
	outbFn = cpu.Outb
)

func (controller) readStatus() controllerStatus {
	return controllerStatus(inbFn(statusPort))
}

func (c controller) waitForRead() *kernel.Error {
	for i := 0; i < loopTimeout; i++ {
		if c.readStatus().outputFull() {
			return nil
		}
	}
	return errTimeout
}

func (c controller) waitForWrite() *kernel.Error {
	for i := 0; i < loopTimeout; i++ {
		if !c.readStatus().inputFull() {
			return nil
		}
	}
	return errTimeout
}

func (c controller) readData() (uint8, *kernel.Error) {
	if err := c.waitForRead(); err != nil {
		return 0, err
	}
	return inbFn(dataPort), nil
}

func (c controller) writeData(b uint8) *kernel.Error {
	if err := c.waitForWrite(); err != nil {
		return err
	}
	outbFn(dataPort, b)
	return nil
}

func (c controller) writeCommand(cmd command) *kernel.Error {
	if err := c.waitForWrite(); err != nil {
		return err
	}
	outbFn(commandPort, uint8(cmd))
	return nil
}

func (c controller) writeToSecondPort(b uint8) *kernel.Error {
	if err := c.writeCommand(cmdWriteSecondPortInputBuf); err != nil {
		return err
	}
	return c.writeData(b)
}

func (c controller) flushOutput() {
	for i := 0; i < loopTimeout && c.readStatus().outputFull(); i++ {
		inbFn(dataPort)
	}
}

func (c controller) readConfigByte() (configByte, *kernel.Error) {
	if err := c.writeCommand(cmdReadConfigByte); err != nil {
		return 0, err
	}
	b, err := c.readData()
	return configByte(b), err
}

func (c controller) writeConfigByte(cfg configByte) *kernel.Error {
	if err := c.writeCommand(cmdWriteConfigByte); err != nil {
		return err
	}
	return c.writeData(uint8(cfg))
}

func (c controller) selfTest() *kernel.Error {
	if err := c.writeCommand(cmdTestController); err != nil {
		return err
	}
	resp, err := c.readData()
	if err != nil {
		return err
	}
	if resp != 0x55 {
		return errSelfTestFailed
	}
	return nil
}

func (c controller) testFirstPort() *kernel.Error {
	if err := c.writeCommand(cmdTestFirstPort); err != nil {
		return err
	}
	resp, err := c.readData()
	if err != nil {
		return err
	}
	if resp != 0x00 {
		return errPortTestFailed
	}
	return nil
}

func (c controller) testSecondPort() *kernel.Error {
	if err := c.writeCommand(cmdTestSecondPort); err != nil {
		return err
	}
	resp, err := c.readData()
	if err != nil {
		return err
	}
	if resp != 0x00 {
		return errPortTestFailed
	}
	return nil
}

// Controller owns the shared 8042 state machine plus the keyboard and
// (optional) mouse devices found behind it.
type Controller struct {
	ctrl           controller
	Keyboard       *Keyboard
	Mouse          *Mouse
	secondPortUsed bool
}

// Init runs the PS/2 controller bring-up sequence: disable both ports,
// flush stale output, configure the controller byte with IRQs and
// translation off, self-test the controller, probe for a second port,
// interface-test each usable port, then enable them and reset the attached
// devices.
func Init() (*Controller, *kernel.Error) {
	c := &Controller{ctrl: controller{}}

	c.ctrl.writeCommand(cmdDisableFirstPort)
	c.ctrl.writeCommand(cmdDisableSecondPort)

	c.ctrl.flushOutput()

	cfg, err := c.ctrl.readConfigByte()
	if err != nil {
		return nil, err
	}
	cfg.setFirstPortInterrupt(false)
	cfg.setFirstPortTranslation(false)
	cfg.setFirstPortClockDisabled(false)
	if err := c.ctrl.writeConfigByte(cfg); err != nil {
		return nil, err
	}

	if err := c.ctrl.selfTest(); err != nil {
		return nil, err
	}
	// A self-test can reset the controller on some hardware; restore the
	// configuration byte unconditionally.
	if err := c.ctrl.writeConfigByte(cfg); err != nil {
		return nil, err
	}

	if err := c.ctrl.writeCommand(cmdEnableSecondPort); err != nil {
		return nil, err
	}
	cfg2, err := c.ctrl.readConfigByte()
	if err != nil {
		return nil, err
	}
	hasSecondPort := !cfg2.secondPortClockDisabled()
	if hasSecondPort {
		c.ctrl.writeCommand(cmdDisableSecondPort)
		cfg2.setSecondPortInterrupt(false)
		cfg2.setSecondPortClockDisabled(false)
		if err := c.ctrl.writeConfigByte(cfg2); err != nil {
			return nil, err
		}
	}

	firstPortWorks := c.ctrl.testFirstPort() == nil
	secondPortWorks := hasSecondPort && c.ctrl.testSecondPort() == nil

	cfg3, err := c.ctrl.readConfigByte()
	if err != nil {
		return nil, err
	}
	if firstPortWorks {
		c.ctrl.writeCommand(cmdEnableFirstPort)
		cfg3.setFirstPortInterrupt(true)
	}
	if secondPortWorks {
		c.ctrl.writeCommand(cmdEnableSecondPort)
		cfg3.setSecondPortInterrupt(true)
	}
	if err := c.ctrl.writeConfigByte(cfg3); err != nil {
		return nil, err
	}

	if firstPortWorks {
		kbd := &Keyboard{ctrl: c.ctrl}
		if err := kbd.resetAndSelfTest(); err != nil {
			return nil, err
		}
		c.Keyboard = kbd
	}

	c.secondPortUsed = secondPortWorks
	if secondPortWorks {
		mouse := &Mouse{ctrl: c.ctrl}
		if err := mouse.resetAndSelfTest(); err != nil {
			return nil, err
		}
		c.Mouse = mouse
	}

	return c, nil
}

// EnableMouseReporting asks the mouse to start streaming movement packets.
// It is a no-op if no second port device was detected.
func (c *Controller) EnableMouseReporting() *kernel.Error {
	if c.Mouse == nil {
		return nil
	}
	return c.Mouse.enableDataReporting()
}
