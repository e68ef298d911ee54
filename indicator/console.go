package indicator

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
)

var consoleColors = [colorCount]*color.Color{
	color.New(color.FgRed, color.Bold),
	color.New(color.FgGreen, color.Bold),
	color.New(color.FgBlue, color.Bold),
}

// Console prints channel changes as colored lines, e.g. "● led1 green on".
type Console struct {
	mx  sync.Mutex
	out io.Writer
}

func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

func (c *Console) Set(led LED, col Color, on bool) error {
	if err := check(led, col); err != nil {
		return err
	}
	state := "off"
	dot := "○"
	if on {
		state = "on"
		dot = consoleColors[col].Sprint("●")
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	_, err := fmt.Fprintf(c.out, "%s %s %s %s\n", dot, led, consoleColors[col].Sprint(col), state)
	return err
}
