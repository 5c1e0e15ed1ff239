package replication

// Strategy says where a hand-off should run: on the current goroutine
// or forked onto the worker pool. It is passed explicitly at every
// delivery point instead of being inferred from call-site flags.
type Strategy int

const (
	// RunInline runs the hand-off on the goroutine that reached it.
	RunInline Strategy = iota
	// RunOnWorker submits the hand-off to the worker pool.
	RunOnWorker
)

// Executor is the worker-pool collaborator. Submit must not block the
// caller; the submitted function runs at some later point on another
// goroutine.
type Executor interface {
	Submit(fn func())
}

// GoExecutor runs every submitted task on its own goroutine. It is the
// default Executor; the scheduler is the pool.
type GoExecutor struct{}

func (GoExecutor) Submit(fn func()) { go fn() }

// dispatch runs fn according to the strategy.
func dispatch(s Strategy, pool Executor, fn func()) {
	if s == RunOnWorker {
		pool.Submit(fn)
		return
	}
	fn()
}
