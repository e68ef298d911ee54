package i2c

import "strings"

// Status is the snapshot of controller interrupt flags the engine reacts to.
type Status uint16

const (
	// StatusStart reports that a START or repeated START went out.
	StatusStart Status = 1 << iota
	StatusAck
	StatusNack
	// StatusRxData reports a received byte waiting in the receive buffer.
	StatusRxData
	// StatusStop reports that the STOP condition completed.
	StatusStop
	StatusArbLost
	StatusBusErr
	// StatusTimeout is raised by the controller's bus timeout counter.
	StatusTimeout
)

const faultMask = StatusNack | StatusArbLost | StatusBusErr | StatusTimeout

var statusNames = []struct {
	s    Status
	name string
}{
	{StatusStart, "START"},
	{StatusAck, "ACK"},
	{StatusNack, "NACK"},
	{StatusRxData, "RXDATAV"},
	{StatusStop, "MSTOP"},
	{StatusArbLost, "ARBLOST"},
	{StatusBusErr, "BUSERR"},
	{StatusTimeout, "TIMEOUT"},
}

func (s Status) String() string {
	if s == 0 {
		return "NONE"
	}
	var names []string
	for _, n := range statusNames {
		if s&n.s != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// Controller is the command and flag surface of an I2C master peripheral.
// Commands never block: the outcome of each one is reported later through
// Flags and an interrupt.
type Controller interface {
	Start()
	Transmit(b byte)
	Receive() byte
	Ack()
	Nack()
	Stop()
	// Abort drops the current transfer and returns the bus to idle without
	// raising any flag.
	Abort()
	Flags() Status
	ClearFlags(s Status)
}
