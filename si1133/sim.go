package si1133

import "github.com/mklimuk/sensorloop/i2c/i2csim"

// NewSimulated returns a register model of a freshly powered Si1133.
func NewSimulated() *i2csim.RegisterFile {
	return i2csim.NewRegisterFile(map[byte]byte{
		RegPartID: ExpectedPartID,
		RegHWID:   0x03,
		RegRevID:  0x11,
	})
}
