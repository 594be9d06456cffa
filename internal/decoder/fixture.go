package decoder

import (
	"context"
	"fmt"
)

// FixtureSource is an in-memory Source for tests: containers are built
// directly as Go literals rather than parsed from gzip/JSON, so test
// fixtures stay cheap and deterministic. DecodeCalls counts invocations
// per container id, which is how the cache's single-flight contract
// gets exercised without a slow real decoder.
type FixtureSource struct {
	containers map[int]*Container
	order      []int
	DecodeDelay func() // optional hook invoked inside Decode, before returning

	DecodeCalls map[int]int
}

// NewFixtureSource builds a fixture over the given containers, in the
// order given (that order becomes FileIDs' order).
func NewFixtureSource(containers ...*Container) *FixtureSource {
	f := &FixtureSource{
		containers:  make(map[int]*Container, len(containers)),
		DecodeCalls: make(map[int]int),
	}
	for _, c := range containers {
		f.containers[c.ID] = c
		f.order = append(f.order, c.ID)
	}
	return f
}

func (f *FixtureSource) FileIDs(_ context.Context) ([]int, error) {
	out := make([]int, len(f.order))
	copy(out, f.order)
	return out, nil
}

func (f *FixtureSource) Decode(_ context.Context, containerID int) (*Container, error) {
	if f.DecodeDelay != nil {
		f.DecodeDelay()
	}
	f.DecodeCalls[containerID]++

	c, ok := f.containers[containerID]
	if !ok {
		return nil, fmt.Errorf("fixture source: no such container %d", containerID)
	}
	return c, nil
}
