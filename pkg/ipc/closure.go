package ipc

import "context"

// loopKey is the context.Context sentinel that marks a call chain as
// originating on the Channel's own event-loop goroutine. Go has no portable
// goroutine-identity primitive comparable to a C++ thread-id comparison, so
// the event-loop goroutine stamps this value on the context it passes down
// to Handle callbacks; application goroutines never carry it. See
// DESIGN.md's Open Question decision 3 for the rationale.
type loopKey struct{}

func withLoop(ctx context.Context) context.Context {
	return context.WithValue(ctx, loopKey{}, true)
}

func onLoop(ctx context.Context) bool {
	v, _ := ctx.Value(loopKey{}).(bool)
	return v
}

// Closure is a BlockingClosure: a handle an RPC caller waits on until the
// matching response (or a channel-level disconnect) arrives.
type Closure interface {
	// signal delivers the response and wakes any waiter.
	signal()
	// Wait blocks until signal is called or ctx is done, returning false on
	// ctx cancellation/timeout.
	Wait(ctx context.Context) bool
}

// pollClosure is used when Wait is invoked from the event-loop goroutine
// itself: blocking on a channel here would deadlock the very loop that must
// run to deliver the response, so it repeatedly invokes the channel's own
// process() step instead, exactly the "process one's own inbound frames
// while waiting" contract in spec.md's Channel design.
type pollClosure struct {
	done    chan struct{}
	process func() bool
}

func newPollClosure(process func() bool) *pollClosure {
	return &pollClosure{done: make(chan struct{}), process: process}
}

func (c *pollClosure) signal() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *pollClosure) Wait(ctx context.Context) bool {
	for {
		select {
		case <-c.done:
			return true
		case <-ctx.Done():
			return false
		default:
		}
		if !c.process() {
			select {
			case <-c.done:
				return true
			case <-ctx.Done():
				return false
			}
		}
	}
}

// semaphoreClosure is used for calls made from any goroutine other than the
// event loop: it blocks on a one-shot channel the event loop closes when the
// response arrives, exactly the "semaphore initial value 0, one post"
// pattern described in spec.md's BlockingClosure design.
type semaphoreClosure struct {
	done chan struct{}
}

func newSemaphoreClosure() *semaphoreClosure {
	return &semaphoreClosure{done: make(chan struct{})}
}

func (c *semaphoreClosure) signal() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *semaphoreClosure) Wait(ctx context.Context) bool {
	select {
	case <-c.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// newClosure picks the Poll or Semaphore variant depending on which
// goroutine ctx says we're running on.
func newClosure(ctx context.Context, process func() bool) Closure {
	if onLoop(ctx) {
		return newPollClosure(process)
	}
	return newSemaphoreClosure()
}
