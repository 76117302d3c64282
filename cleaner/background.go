package cleaner

import (
	"github.com/mit-pdos/go-lfs/util"
)

// Start runs passes in the background whenever Wake is called.
func (c *Cleaner) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil || c.stopped {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.loop(c.stop, c.done)
}

func (c *Cleaner) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-c.wake:
			if err := c.Pass(); err != nil {
				util.DPrintf(0, "cleaner: %v\n", err)
			}
		}
	}
}

// Wake asks the background loop to check whether cleaning is needed. It
// never blocks.
func (c *Cleaner) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Stop waits for a pass in progress and prevents further passes.
func (c *Cleaner) Stop() {
	c.mu.Lock()
	c.stopped = true
	stop, done := c.stop, c.done
	c.stop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	// a synchronous pass may still be running
	c.passMu.Lock()
	c.passMu.Unlock()
}
