package datamanager

// EventLoop serialises every Engine entry point through a single
// goroutine, realising §5's "single-threaded and cooperative" model on
// a runtime that otherwise serves each HTTP request on its own
// goroutine. Grounded on the teacher's own reliance on a single
// background goroutine per concern (cmd/server/main.go's snapshot
// ticker) generalised into a job queue so every Engine call — not just
// one ticker — is serialised through one executor, exactly as §5
// requires for threaded runtimes.
type EventLoop struct {
	jobs chan func()
	done chan struct{}
}

// NewEventLoop builds an EventLoop with the given job queue depth.
func NewEventLoop(buffer int) *EventLoop {
	if buffer < 1 {
		buffer = 1
	}
	return &EventLoop{jobs: make(chan func(), buffer), done: make(chan struct{})}
}

// Run processes jobs one at a time until Stop is called. Intended to be
// run in its own goroutine for the lifetime of the vault process.
func (l *EventLoop) Run() {
	for {
		select {
		case job := <-l.jobs:
			job()
		case <-l.done:
			return
		}
	}
}

// Stop signals Run to return once the current job (if any) completes.
func (l *EventLoop) Stop() {
	close(l.done)
}

// Submit enqueues job for execution on the loop's goroutine and returns
// immediately, matching the fire-and-forget dispatch of §5.
func (l *EventLoop) Submit(job func()) {
	l.jobs <- job
}

// SubmitWait enqueues job and blocks until it has run, for callers (the
// client-facing HTTP handlers) that need the Engine's side effects to
// have landed before they can respond.
func (l *EventLoop) SubmitWait(job func()) {
	done := make(chan struct{})
	l.jobs <- func() {
		job()
		close(done)
	}
	<-done
}
