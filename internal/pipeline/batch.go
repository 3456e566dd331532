package pipeline

// BatchState is the lifecycle of the warp loop.
type BatchState int

const (
	StateIdle BatchState = iota
	StateRunning
	StateFinished
)

func (s BatchState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	default:
		return "idle"
	}
}

// MarshalText renders the state by name in JSON.
func (s BatchState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Cursor is the position in the frame list. Index never decreases and never
// passes the last frame; Finished is set once that frame is done.
type Cursor struct {
	Index    int  `json:"index"`
	Finished bool `json:"finished"`
}

// Batch steps through a fixed list of frames one per tick.
type Batch struct {
	state  BatchState
	cursor Cursor
	right  []string
	left   []string
}

// State returns the current lifecycle state.
func (b *Batch) State() BatchState {
	return b.state
}

// Cursor returns the current position.
func (b *Batch) Cursor() Cursor {
	return b.cursor
}

// Total is the number of right frames in the run.
func (b *Batch) Total() int {
	return len(b.right)
}

// Start moves an idle batch to running over the enumerated frames. The
// lists are kept for the whole run.
func (b *Batch) Start(right, left []string) bool {
	if b.state != StateIdle {
		return false
	}
	b.right = right
	b.left = left
	b.cursor = Cursor{}
	b.state = StateRunning
	return true
}

// Frame returns the input paths at index i. left is empty when there is no
// matching left frame.
func (b *Batch) Frame(i int) (right, left string) {
	right = b.right[i]
	if i < len(b.left) {
		left = b.left[i]
	}
	return right, left
}

// Step processes the frame at the cursor and advances. It reports whether
// any work was done; idle and finished batches do nothing. An empty run
// finishes on its first step.
func (b *Batch) Step(process func(index int)) bool {
	if b.state != StateRunning {
		return false
	}
	if len(b.right) == 0 {
		b.finish()
		return true
	}
	process(b.cursor.Index)
	if b.cursor.Index < len(b.right)-1 {
		b.cursor.Index++
	} else {
		b.finish()
	}
	return true
}

func (b *Batch) finish() {
	b.cursor.Finished = true
	b.state = StateFinished
}
