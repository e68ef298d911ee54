package indicator

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		given    string
		expected Key
		valid    bool
	}{
		{"led1.green", Key{LED1, Green}, true},
		{" LED0.Red ", Key{LED0, Red}, true},
		{"led3.blue", Key{LED3, Blue}, true},
		{"led4.blue", Key{}, false},
		{"led1.white", Key{}, false},
		{"led1", Key{}, false},
		{"lamp1.red", Key{}, false},
	}
	for _, test := range tests {
		t.Run(test.given, func(t *testing.T) {
			k, err := ParseKey(test.given)
			if !test.valid {
				assert.ErrorIs(t, err, ErrInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expected, k)
			assert.Equal(t, k, mustParse(t, k.String()))
		})
	}
}

func mustParse(t *testing.T, s string) Key {
	k, err := ParseKey(s)
	require.NoError(t, err)
	return k
}

func TestShowAndClear(t *testing.T) {
	rec := NewRecorder()
	require.NoError(t, Show(rec, LED1, Green))
	assert.Equal(t, []Color{Green}, rec.Lit(LED1))

	require.NoError(t, Show(rec, LED1, Red))
	assert.Equal(t, []Color{Red}, rec.Lit(LED1))
	assert.True(t, rec.On(LED1, Red))
	assert.False(t, rec.On(LED1, Green))

	require.NoError(t, Clear(rec, LED1))
	assert.Empty(t, rec.Lit(LED1))
	assert.Len(t, rec.History(), 9)
}

func TestRecorder_RejectsInvalid(t *testing.T) {
	rec := NewRecorder()
	assert.ErrorIs(t, rec.Set(LED(9), Red, true), ErrInvalid)
	assert.ErrorIs(t, rec.Set(LED0, Color(7), true), ErrInvalid)
	assert.Empty(t, rec.History())
}

func TestConsole(t *testing.T) {
	color.NoColor = true
	defer func() { color.NoColor = false }()

	var out bytes.Buffer
	c := NewConsole(&out)
	require.NoError(t, c.Set(LED1, Green, true))
	require.NoError(t, c.Set(LED1, Red, false))
	assert.Equal(t, "● led1 green on\n○ led1 red off\n", out.String())
}

type failing struct{}

func (failing) Set(LED, Color, bool) error {
	return errors.New("stuck")
}

func TestMulti(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	require.NoError(t, Multi{a, b}.Set(LED0, Blue, true))
	assert.True(t, a.On(LED0, Blue))
	assert.True(t, b.On(LED0, Blue))

	err := Multi{a, failing{}}.Set(LED0, Blue, false)
	assert.EqualError(t, err, "stuck")
	assert.False(t, a.On(LED0, Blue), "healthy sinks still updated")
}

func TestPins(t *testing.T) {
	red := &gpiotest.Pin{N: "GPIO17", Num: 17}
	green := &gpiotest.Pin{N: "GPIO27", Num: 27}
	p := NewPins(map[Key]gpio.PinOut{
		{LED1, Red}:   red,
		{LED1, Green}: green,
	})

	require.NoError(t, p.Set(LED1, Green, true))
	require.NoError(t, p.Set(LED1, Red, false))
	assert.Equal(t, gpio.High, green.Read())
	assert.Equal(t, gpio.Low, red.Read())

	assert.ErrorIs(t, p.Set(LED1, Blue, true), ErrUnwired)
	assert.NoError(t, p.Halt())
}

func TestPins_ActiveLow(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO5", Num: 5}
	p := NewPins(map[Key]gpio.PinOut{{LED0, Red}: pin}, ActiveLow())
	require.NoError(t, p.Set(LED0, Red, true))
	assert.Equal(t, gpio.Low, pin.Read())
	require.NoError(t, p.Set(LED0, Red, false))
	assert.Equal(t, gpio.High, pin.Read())
}

// fakeAdaptor records digital writes per pin id.
type fakeAdaptor struct {
	mx     sync.Mutex
	name   string
	levels map[string]byte
	err    error
}

func (f *fakeAdaptor) Name() string        { return f.name }
func (f *fakeAdaptor) SetName(name string) { f.name = name }
func (f *fakeAdaptor) Connect() error      { return nil }
func (f *fakeAdaptor) Finalize() error     { return nil }

func (f *fakeAdaptor) DigitalWrite(pin string, val byte) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.levels == nil {
		f.levels = make(map[string]byte)
	}
	f.levels[pin] = val
	return nil
}

func (f *fakeAdaptor) level(pin string) byte {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.levels[pin]
}

func TestGobot(t *testing.T) {
	a := &fakeAdaptor{name: "fake"}
	g, err := NewGobot(a, map[string]string{
		"led1.red":   "11",
		"led1.green": "13",
	})
	require.NoError(t, err)

	require.NoError(t, g.Set(LED1, Green, true))
	assert.Equal(t, byte(1), a.level("13"))
	assert.Equal(t, byte(0), a.level("11"))

	require.NoError(t, g.Set(LED1, Green, false))
	assert.Equal(t, byte(0), a.level("13"))

	assert.ErrorIs(t, g.Set(LED1, Blue, true), ErrUnwired)

	a.err = errors.New("gpio busy")
	assert.ErrorContains(t, g.Set(LED1, Red, true), "gpio busy")
	a.err = nil
	assert.NoError(t, g.Close())
}

func TestGobot_InvalidKey(t *testing.T) {
	_, err := NewGobot(&fakeAdaptor{}, map[string]string{"led9.red": "7"})
	assert.ErrorIs(t, err, ErrInvalid)
}
