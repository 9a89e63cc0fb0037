package observability

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInjectedFault is the error surfaced by a tripped fault point.
var ErrInjectedFault = errors.New("injected fault")

// FaultRegistry arms fault points that fail exactly once, keyed by
// delivery ID and point name. Chaos drills arm a point for a specific
// delivery (e.g. "d-1"/"publish_portal") and assert the pipeline retries
// through the failure without duplicating side effects.
type FaultRegistry struct {
	mu    sync.Mutex
	armed map[string]map[string]bool
	fired map[string]map[string]int
}

func NewFaultRegistry() *FaultRegistry {
	return &FaultRegistry{
		armed: map[string]map[string]bool{},
		fired: map[string]map[string]int{},
	}
}

// ArmOnce arms the point for the delivery; the next Check on the pair
// fails.
func (r *FaultRegistry) ArmOnce(deliveryID, point string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.armed[deliveryID] == nil {
		r.armed[deliveryID] = map[string]bool{}
	}
	r.armed[deliveryID][point] = true
}

// Check returns the injected error when the pair is armed, disarming it
// in the same step so only one invocation fails.
func (r *FaultRegistry) Check(deliveryID, point string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.armed[deliveryID][point] {
		return nil
	}
	r.armed[deliveryID][point] = false
	if r.fired[deliveryID] == nil {
		r.fired[deliveryID] = map[string]int{}
	}
	r.fired[deliveryID][point]++
	return fmt.Errorf("%w at %s for %s", ErrInjectedFault, point, deliveryID)
}

// Fired reports how many faults the pair has injected.
func (r *FaultRegistry) Fired(deliveryID, point string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fired[deliveryID][point]
}

// InjectedPoints lists the points that have fired for the delivery.
func (r *FaultRegistry) InjectedPoints(deliveryID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	points := make([]string, 0, len(r.fired[deliveryID]))
	for point, n := range r.fired[deliveryID] {
		if n > 0 {
			points = append(points, point)
		}
	}
	return points
}
