package main

import (
	"fmt"

	"github.com/mklimuk/sensorloop/cmd/sensorloop/console"
	"github.com/mklimuk/sensorloop/indicator"
)

func fmtAddr(a uint8) string {
	return fmt.Sprintf("%#02x", a)
}

func printStatus(l *loop) {
	st := l.Status()
	console.PInfof(console.PictoSensor, "ticks %s skipped %s retries %s",
		console.White(st.Ticks), console.White(st.Skipped), console.White(st.Retries))
	console.Printf("  matches %s mismatches %s faults %s\n",
		console.Green(st.Matches), console.Red(st.Mismatches), console.Blue(st.Faults))
	console.Printf("  engine %s, sleep %s\n", console.White(st.State), console.White(st.Mode))
	switch {
	case !st.Last.Valid:
		console.Printf("  last read: %s\n", console.Yellow("none"))
	case st.Last.Err != nil:
		console.Printf("  last read: %s\n", console.Red(st.Last.Err))
	default:
		console.Printf("  last read: %s\n", console.White(fmt.Sprintf("%#x", st.Last.Value())))
	}
	led := indicator.LED(l.Config().Indicator.LED)
	console.Printf("  %s: %v\n", led, l.leds.Lit(led))
}
