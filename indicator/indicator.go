// Package indicator drives the board's RGB status LEDs. Indicators are
// pure output sinks; nothing reads state back from them.
package indicator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type LED uint8

const (
	LED0 LED = iota
	LED1
	LED2
	LED3
	ledCount
)

func (l LED) String() string {
	return fmt.Sprintf("led%d", uint8(l))
}

type Color uint8

const (
	Red Color = iota
	Green
	Blue
	colorCount
)

var colorNames = [colorCount]string{"red", "green", "blue"}

func (c Color) String() string {
	if c >= colorCount {
		return fmt.Sprintf("color(%d)", uint8(c))
	}
	return colorNames[c]
}

// Colors lists every color channel of an RGB LED.
var Colors = [colorCount]Color{Red, Green, Blue}

var ErrInvalid = errors.New("indicator: invalid led or color")
var ErrUnwired = errors.New("indicator: channel not wired")

type Indicator interface {
	Set(led LED, c Color, on bool) error
}

// Key names one color channel of one LED.
type Key struct {
	LED   LED
	Color Color
}

func (k Key) valid() bool {
	return k.LED < ledCount && k.Color < colorCount
}

func (k Key) String() string {
	return k.LED.String() + "." + k.Color.String()
}

// ParseKey parses the "led1.green" form used in configuration files.
func ParseKey(s string) (Key, error) {
	led, col, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ".")
	if !ok || !strings.HasPrefix(led, "led") {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(led, "led"), 10, 8)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	k := Key{LED: LED(n), Color: colorCount}
	for i, name := range colorNames {
		if name == col {
			k.Color = Color(i)
		}
	}
	if !k.valid() {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return k, nil
}

func check(led LED, c Color) error {
	if !(Key{LED: led, Color: c}).valid() {
		return fmt.Errorf("%w: %s %s", ErrInvalid, led, c)
	}
	return nil
}

// Show lights only color c on led.
func Show(ind Indicator, led LED, c Color) error {
	for _, col := range Colors {
		if err := ind.Set(led, col, col == c); err != nil {
			return err
		}
	}
	return nil
}

// Clear turns every channel of led off.
func Clear(ind Indicator, led LED) error {
	for _, col := range Colors {
		if err := ind.Set(led, col, false); err != nil {
			return err
		}
	}
	return nil
}

// Multi fans every Set out to all of its indicators.
type Multi []Indicator

func (m Multi) Set(led LED, c Color, on bool) error {
	var errs []error
	for _, ind := range m {
		if err := ind.Set(led, c, on); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
