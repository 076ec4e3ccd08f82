package staging

import "context"

// HandlePool bounds the number of concurrently open staging handles. An
// acquisition beyond the bound blocks until another handle closes.
type HandlePool struct {
	slots chan struct{}
}

func NewHandlePool(max int) *HandlePool {
	if max <= 0 {
		max = 1
	}
	return &HandlePool{slots: make(chan struct{}, max)}
}

// Acquire takes a slot, blocking until one frees up or ctx is done.
func (p *HandlePool) Acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire.
func (p *HandlePool) Release() {
	<-p.slots
}

// InUse reports how many slots are currently held.
func (p *HandlePool) InUse() int {
	return len(p.slots)
}
