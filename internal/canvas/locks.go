package canvas

import "sync"

// lockStripes is the number of mutex stripes covering the 1000x1000 grid.
// Two pixels in the same stripe serialize needlessly, but with 512 stripes
// the collision odds under realistic concurrency are negligible, and a
// stripe still guarantees mutual exclusion per pixel.
const lockStripes = 512

type lockTable struct {
	stripes [lockStripes]sync.Mutex
}

func (t *lockTable) lock(x, y int) func() {
	m := &t.stripes[uint(x*1000+y)%lockStripes]
	m.Lock()
	return m.Unlock
}
