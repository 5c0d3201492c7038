package dispatch

// cursor is the chore's resumable position (i, j, k), matching the
// per-chore cursor spec.md §4.4/§9 describes for dtx_rpc_helper: i
// indexes the batch, j the xid within the batch, k reserved for a
// future sub-step (e.g. bulk transfer offset) that this module's
// synchronous sends never need, but is kept so the cursor shape
// matches a reentrant implementation.
type cursor struct {
	i, j, k int
}

// StepResult is what one Chore.Step call reports back to its driver.
type StepResult int

const (
	StepYield StepResult = iota
	StepDone
)

// Chore is a cooperative, reentrant drain over a set of dispatch
// batches, pacing sends according to a step length and yielding every
// yieldEvery sends (spec.md §4.4 "Step pacing", "Chore protocol").
// Unlike the C implementation's ULT-based reentrance, Step is driven
// by an explicit caller loop — there is no hidden scheduler state.
type Chore struct {
	batches    []Batch
	stepLength int
	yieldEvery int

	cur   cursor
	sends int

	onSend func(batch Batch, xid int)
}

// NewChore creates a Chore over batches, pacing sends at stepLength
// per Step call and yielding internally every yieldEvery sends.
func NewChore(batches []Batch, stepLength, yieldEvery int, onSend func(batch Batch, xid int)) *Chore {
	return &Chore{
		batches:    batches,
		stepLength: stepLength,
		yieldEvery: yieldEvery,
		onSend:     onSend,
	}
}

// Step drains up to stepLength sends starting from the saved cursor,
// invoking onSend for each (batch, xid-index) pair, and returns
// StepDone once every batch is exhausted or StepYield if more work
// remains.
func (c *Chore) Step() StepResult {
	sent := 0
	for c.cur.i < len(c.batches) {
		b := c.batches[c.cur.i]
		for c.cur.j < len(b.XIDs) {
			if sent >= c.stepLength {
				return StepYield
			}
			c.onSend(b, c.cur.j)
			c.cur.j++
			sent++
			c.sends++
			if c.sends%c.yieldEvery == 0 && sent >= c.yieldEvery {
				return StepYield
			}
		}
		c.cur.i++
		c.cur.j = 0
	}
	return StepDone
}

// Run drains the chore to completion, calling Step repeatedly.
func (c *Chore) Run() {
	for c.Step() != StepDone {
	}
}

// Cursor exposes the chore's current (i, j, k) position for tests and
// diagnostics.
func (c *Chore) Cursor() (int, int, int) { return c.cur.i, c.cur.j, c.cur.k }
