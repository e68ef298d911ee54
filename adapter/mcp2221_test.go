package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/sensorloop"
)

// fakeHID answers each request with the report built by respond.
type fakeHID struct {
	requests [][]byte
	respond  func(req []byte) []byte
	last     []byte
	closed   int
}

func (f *fakeHID) Write(b []byte) (int, error) {
	req := append([]byte(nil), b...)
	f.requests = append(f.requests, req)
	f.last = req
	return len(b), nil
}

func (f *fakeHID) Read(b []byte) (int, error) {
	resp := make([]byte, reportSize)
	resp[0] = f.last[0]
	if f.respond != nil {
		copy(resp, f.respond(f.last))
	}
	return copy(b, resp), nil
}

func (f *fakeHID) Close() error {
	f.closed++
	return nil
}

func newFake(t *testing.T, respond func(req []byte) []byte) (*MCP2221, *fakeHID) {
	t.Helper()
	fake := &fakeHID{respond: respond}
	d := NewMCP2221(
		WithOpener(func() (Transport, error) { return fake, nil }),
		WithResponseWait(0))
	return d, fake
}

func report(b ...byte) []byte {
	r := make([]byte, reportSize)
	copy(r, b)
	return r
}

// partID answers a part id read with 0x33.
func partID(req []byte) []byte {
	if req[0] == cmdI2CReadData {
		return report(cmdI2CReadData, 0x00, 0x00, 0x01, 0x33)
	}
	return report(req[0], 0x00)
}

func TestMCP2221_WriteToAddr(t *testing.T) {
	d, fake := newFake(t, partID)
	require.NoError(t, d.WriteToAddr(context.Background(), 0x55, []byte{0x00, 0x17}))
	require.Len(t, fake.requests, 1)
	assert.Equal(t, []byte{cmdI2CWrite, 0x02, 0x00, 0xAA, 0x00, 0x17}, fake.requests[0][:6])
	assert.Equal(t, 1, fake.closed)
}

func TestMCP2221_WriteBusy(t *testing.T) {
	d, _ := newFake(t, func(req []byte) []byte { return report(req[0], 0x01) })
	err := d.WriteToAddr(context.Background(), 0x55, []byte{0x00})
	assert.ErrorIs(t, err, sensorloop.ErrBusBusy)
}

func TestMCP2221_ReadFromAddr(t *testing.T) {
	d, fake := newFake(t, partID)
	buf := make([]byte, 1)
	require.NoError(t, d.ReadFromAddr(context.Background(), 0x55, buf))
	assert.Equal(t, byte(0x33), buf[0])
	require.Len(t, fake.requests, 2)
	assert.Equal(t, []byte{cmdI2CRead, 0x01, 0x00, 0xAB}, fake.requests[0][:4])
	assert.Equal(t, byte(cmdI2CReadData), fake.requests[1][0])
}

func TestMCP2221_ReadErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"engine error", report(cmdI2CReadData, readDataError)},
		{"not ready", report(cmdI2CReadData, 0x00, 0x00, readDataNotReady)},
		{"short", report(cmdI2CReadData, 0x00, 0x00, 0x02)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			d, _ := newFake(t, func(req []byte) []byte {
				if req[0] == cmdI2CReadData {
					return test.data
				}
				return report(req[0], 0x00)
			})
			assert.Error(t, d.ReadFromAddr(context.Background(), 0x55, make([]byte, 1)))
		})
	}
}

func TestMCP2221_TxUsesRepeatedStart(t *testing.T) {
	d, fake := newFake(t, partID)
	r := make([]byte, 1)
	require.NoError(t, d.Tx(0x55, []byte{0x00}, r))
	assert.Equal(t, byte(0x33), r[0])
	require.Len(t, fake.requests, 3)
	assert.Equal(t, byte(cmdI2CWriteNoStop), fake.requests[0][0])
	assert.Equal(t, byte(cmdI2CReadRepeated), fake.requests[1][0])
	assert.Equal(t, byte(cmdI2CReadData), fake.requests[2][0])
}

func TestMCP2221_TxWriteOnly(t *testing.T) {
	d, fake := newFake(t, partID)
	require.NoError(t, d.Tx(0x55, []byte{0x0A, 0x0F}, nil))
	require.Len(t, fake.requests, 1)
	assert.Equal(t, byte(cmdI2CWrite), fake.requests[0][0])
}

func TestMCP2221_TooLong(t *testing.T) {
	d, fake := newFake(t, partID)
	assert.Error(t, d.WriteToAddr(context.Background(), 0x55, make([]byte, maxTransfer+1)))
	assert.Empty(t, fake.requests)
}

func TestMCP2221_SetSpeed(t *testing.T) {
	d, fake := newFake(t, func(req []byte) []byte {
		return report(req[0], 0x00, 0x00, speedAccepted)
	})
	require.NoError(t, d.SetSpeed(context.Background(), 400*physic.KiloHertz))
	assert.Equal(t, byte(cmdStatus), fake.requests[0][0])
	assert.Equal(t, byte(statusSetSpeed), fake.requests[0][3])
	assert.Equal(t, byte(27), fake.requests[0][4])

	assert.Error(t, d.SetSpeed(context.Background(), 10*physic.KiloHertz))
	assert.Error(t, d.SetSpeed(context.Background(), 0))
}

func TestMCP2221_SetSpeedRejected(t *testing.T) {
	d, _ := newFake(t, func(req []byte) []byte { return report(req[0], 0x00, 0x00, 0x21) })
	assert.ErrorIs(t, d.SetSpeed(context.Background(), 100*physic.KiloHertz), ErrSpeedRejected)
}

func TestMCP2221_Status(t *testing.T) {
	resp := report(cmdStatus)
	resp[9], resp[10] = 0x02, 0x00
	resp[11], resp[12] = 0x01, 0x00
	resp[13] = 4
	resp[14] = 27
	resp[15] = 9
	resp[16], resp[17] = 0xAA, 0x00
	resp[25] = 1
	d, fake := newFake(t, func([]byte) []byte { return resp })

	st, err := d.ReleaseBus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(statusCancel), fake.requests[0][2])
	assert.Equal(t, &MCP2221Status{
		I2CDataBufferCounter:   4,
		I2CSpeedDivider:        27,
		I2CTimeout:             9,
		CurrentAddress:         "aa00",
		LastWriteRequestedSize: 2,
		LastWriteSentSize:      1,
		ReadPending:            1,
	}, st)

	_, err = d.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(0), fake.requests[1][2])
}

func TestMCP2221_OpenError(t *testing.T) {
	d := NewMCP2221(WithOpener(func() (Transport, error) { return nil, ErrDeviceNotFound }))
	err := d.Release(context.Background())
	assert.True(t, errors.Is(err, ErrDeviceNotFound))
}
