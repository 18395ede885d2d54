package chat

import (
	"errors"
	"sync"
	"time"
)

// sendPendingTimeout bounds how long a send stays pending while waiting for
// its platform confirmation (the IRC echo on Twitch). A send that never
// confirms resolves failed rather than hanging forever.
const sendPendingTimeout = 15 * time.Second

// ErrSendUnconfirmed reports a send that was transmitted but never confirmed
// by the platform within the pending timeout.
var ErrSendUnconfirmed = errors.New("send not confirmed by platform")

// PendingSend tracks one outbound message from Send until the platform
// confirms or rejects it.
type PendingSend struct {
	text string

	once  sync.Once
	done  chan struct{}
	err   error
	timer *time.Timer
}

func newPendingSend(text string) *PendingSend {
	return &PendingSend{text: text, done: make(chan struct{})}
}

// Done is closed once the send is resolved either way.
func (p *PendingSend) Done() <-chan struct{} { return p.done }

// Err returns the send outcome. Only valid after Done is closed.
func (p *PendingSend) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return errors.New("send still pending")
	}
}

func (p *PendingSend) resolve(err error) {
	p.once.Do(func() {
		p.err = err
		if p.timer != nil {
			p.timer.Stop()
		}
		close(p.done)
	})
}
