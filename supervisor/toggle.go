package supervisor

import (
	"math/rand/v2"
	"sort"
	"time"

	"github.com/perfgo/sweepgo/command"
)

// LaunchFunc builds the workload command for a port being toggled in.
// remaining is what is left of the run, so toggled-in workload ends with
// the rest.
type LaunchFunc func(port int, remaining time.Duration) command.Runnable

// Toggler periodically moves load from a random share of the active
// databases to the same number of idle ones.
type Toggler struct {
	percent  int
	interval time.Duration
	launch   LaunchFunc
	rng      *rand.Rand
	base     time.Time
}

// NewToggler returns a toggler swapping percent of the whole database
// universe every interval. A nil rng seeds one from the runtime.
func NewToggler(percent int, interval time.Duration, launch LaunchFunc, rng *rand.Rand) *Toggler {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Toggler{
		percent:  percent,
		interval: interval,
		launch:   launch,
		rng:      rng,
	}
}

func (t *Toggler) Enabled() bool {
	return t != nil && t.percent > 0 && t.interval > 0 && t.launch != nil
}

// Reset restarts the interval clock.
func (t *Toggler) Reset(now time.Time) {
	t.base = now
}

// Next is when the next tick is scheduled.
func (t *Toggler) Next() time.Time {
	return t.base.Add(t.interval)
}

func (t *Toggler) Due(now time.Time) bool {
	return t.Enabled() && !now.Before(t.Next())
}

// Advance moves the clock to the tick that just fired. Ticks stay on a fixed
// schedule however late the loop noticed them.
func (t *Toggler) Advance() {
	t.base = t.Next()
}

// Size is the number of ports swapped per tick for a universe of n ports.
func (t *Toggler) Size(n int) int {
	return t.percent * n / 100
}

// Plan picks the ports to toggle out (from the active set) and in (from
// the idle set). Both have the same length and never overlap.
func (t *Toggler) Plan(p *Pool) (out, in []int) {
	active := p.Active()
	idle := p.Inactive()

	n := t.Size(len(p.universe))
	n = min(n, len(active), len(idle))
	if n <= 0 {
		return nil, nil
	}
	return t.sample(active, n), t.sample(idle, n)
}

func (t *Toggler) sample(keys []int, n int) []int {
	picked := make([]int, 0, n)
	for _, i := range t.rng.Perm(len(keys))[:n] {
		picked = append(picked, keys[i])
	}
	sort.Ints(picked)
	return picked
}

// InitialPorts draws the first active set: a sorted uniform sample of
// percent of the universe.
func InitialPorts(universe []int, percent int, rng *rand.Rand) []int {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	n := percent * len(universe) / 100
	picked := make([]int, 0, n)
	for _, i := range rng.Perm(len(universe))[:n] {
		picked = append(picked, universe[i])
	}
	sort.Ints(picked)
	return picked
}
