// Package tunable holds driver-adjustable parameters that are read from the
// control path and nudged from the joystick.
package tunable

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/edaniels/golog"

	"github.com/tigerbot-team/swervebot/pkg/angle"
)

type Tunable struct {
	Name     string
	Step     float64
	Min, Max float64

	bits   atomic.Uint64
	logger golog.Logger
}

// Add moves the value by steps multiples of Step, within [Min, Max].
func (t *Tunable) Add(steps int) float64 {
	for {
		old := t.bits.Load()
		v := angle.Clamp(math.Float64frombits(old)+float64(steps)*t.Step, t.Min, t.Max)
		if t.bits.CompareAndSwap(old, math.Float64bits(v)) {
			t.logger.Infow("Tunable", "name", t.Name, "value", v)
			return v
		}
	}
}

func (t *Tunable) Get() float64 {
	return math.Float64frombits(t.bits.Load())
}

func (t *Tunable) Set(v float64) {
	t.bits.Store(math.Float64bits(angle.Clamp(v, t.Min, t.Max)))
}

type Tunables struct {
	Logger golog.Logger

	lock     sync.Mutex
	all      []*Tunable
	selected int
}

func New(logger golog.Logger) *Tunables {
	return &Tunables{Logger: logger}
}

func (t *Tunables) Create(name string, value, step, min, max float64) *Tunable {
	newTunable := &Tunable{
		Name:   name,
		Step:   step,
		Min:    min,
		Max:    max,
		logger: t.Logger,
	}
	newTunable.Set(value)

	t.lock.Lock()
	defer t.lock.Unlock()
	t.all = append(t.all, newTunable)
	return newTunable
}

func (t *Tunables) SelectNext() *Tunable {
	return t.selectOffset(1)
}

func (t *Tunables) SelectPrev() *Tunable {
	return t.selectOffset(-1)
}

func (t *Tunables) selectOffset(delta int) *Tunable {
	t.lock.Lock()
	defer t.lock.Unlock()
	if len(t.all) == 0 {
		return nil
	}
	t.selected = (t.selected + delta + len(t.all)) % len(t.all)
	cur := t.all[t.selected]
	t.Logger.Infow("Tunable selected", "name", cur.Name, "value", cur.Get())
	return cur
}

// Current is the selected tunable, or nil if there are none.
func (t *Tunables) Current() *Tunable {
	t.lock.Lock()
	defer t.lock.Unlock()
	if len(t.all) == 0 {
		return nil
	}
	return t.all[t.selected]
}

func (t *Tunables) All() []*Tunable {
	t.lock.Lock()
	defer t.lock.Unlock()
	return append([]*Tunable(nil), t.all...)
}
