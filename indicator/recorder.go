package indicator

import "sync"

// Change is one Set call seen by a Recorder.
type Change struct {
	Key Key
	On  bool
}

// Recorder keeps the channel state in memory and the history of changes.
type Recorder struct {
	mx      sync.Mutex
	state   [ledCount][colorCount]bool
	history []Change
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Set(led LED, c Color, on bool) error {
	if err := check(led, c); err != nil {
		return err
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	r.state[led][c] = on
	r.history = append(r.history, Change{Key: Key{LED: led, Color: c}, On: on})
	return nil
}

func (r *Recorder) On(led LED, c Color) bool {
	if check(led, c) != nil {
		return false
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.state[led][c]
}

// Lit returns the colors currently on for led.
func (r *Recorder) Lit(led LED) []Color {
	if led >= ledCount {
		return nil
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	var lit []Color
	for _, c := range Colors {
		if r.state[led][c] {
			lit = append(lit, c)
		}
	}
	return lit
}

func (r *Recorder) History() []Change {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]Change(nil), r.history...)
}
