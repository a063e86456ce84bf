package payment

import (
	"sync"
	"time"
)

// actor is the single-threaded cooperative runtime every payment
// state machine runs on: a buffered mailbox drained by one goroutine,
// plus one replaceable deadline timer. Handlers never block and never
// run concurrently with each other.
type actor struct {
	mailbox chan any
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once

	timer *time.Timer
}

func newActor(handler func(any)) *actor {
	a := &actor{
		mailbox: make(chan any, 50),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(a.done)
		for {
			select {
			case <-a.quit:
				return
			case msg := <-a.mailbox:
				handler(msg)
			}
		}
	}()
	return a
}

// deliver enqueues a message, dropping it if the actor already shut
// down: a timer firing after shutdown is ignored by construction.
func (a *actor) deliver(msg any) {
	select {
	case <-a.quit:
	case a.mailbox <- msg:
	}
}

// replaceWork re-arms the deadline, canceling any previous one.
func (a *actor) replaceWork(d time.Duration) {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(d, func() { a.deliver(CMDTimeout{}) })
}

// shutdown stops the loop without waiting for it, safe to call from
// inside a handler.
func (a *actor) shutdown() {
	a.once.Do(func() {
		if a.timer != nil {
			a.timer.Stop()
		}
		close(a.quit)
	})
}

// stop tears the actor down from outside and waits for the loop.
func (a *actor) stop() {
	a.shutdown()
	<-a.done
}
