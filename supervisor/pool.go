package supervisor

import (
	"fmt"
	"sort"

	"github.com/perfgo/sweepgo/command"
)

// Pool maps active database ports to the workload process using them.
// Ports come from a fixed universe and the pool never holds more than
// capacity entries.
type Pool struct {
	universe []int
	member   map[int]bool
	capacity int
	active   map[int]command.Runnable
}

func NewPool(universe []int, capacity int) *Pool {
	u := append([]int(nil), universe...)
	sort.Ints(u)
	member := make(map[int]bool, len(u))
	for _, k := range u {
		member[k] = true
	}
	if capacity <= 0 || capacity > len(u) {
		capacity = len(u)
	}
	return &Pool{
		universe: u,
		member:   member,
		capacity: capacity,
		active:   make(map[int]command.Runnable),
	}
}

func (p *Pool) Add(key int, r command.Runnable) error {
	switch {
	case !p.member[key]:
		return fmt.Errorf("port %d is not one of the databases under test", key)
	case p.active[key] != nil:
		return fmt.Errorf("port %d is already active", key)
	case len(p.active) >= p.capacity:
		return fmt.Errorf("active pool is full (%d)", p.capacity)
	}
	p.active[key] = r
	return nil
}

// Remove drops key if it is held by r. A nil r removes unconditionally.
func (p *Pool) Remove(key int, r command.Runnable) bool {
	cur, ok := p.active[key]
	if !ok || (r != nil && cur != r) {
		return false
	}
	delete(p.active, key)
	return true
}

func (p *Pool) Get(key int) command.Runnable {
	return p.active[key]
}

func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.active)
}

func (p *Pool) Capacity() int {
	return p.capacity
}

func (p *Pool) Universe() []int {
	return append([]int(nil), p.universe...)
}

// Active returns the active ports in ascending order.
func (p *Pool) Active() []int {
	if p == nil {
		return nil
	}
	keys := make([]int, 0, len(p.active))
	for k := range p.active {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// Inactive returns universe minus active, ascending.
func (p *Pool) Inactive() []int {
	keys := make([]int, 0, len(p.universe)-len(p.active))
	for _, k := range p.universe {
		if p.active[k] == nil {
			keys = append(keys, k)
		}
	}
	return keys
}
