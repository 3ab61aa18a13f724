package pipeline

import (
	"sync"
	"time"

	"tradegate/internal/domain"
)

type pending struct {
	command domain.Command
	preview domain.Preview
}

type tombstone struct {
	state domain.PipelineState
	at    time.Time
}

// PreviewBook holds previews awaiting confirmation, keyed by command id.
// TakeOwned and TakeExpired remove entries atomically, so each preview is
// finalized by exactly one caller.
type PreviewBook struct {
	mu       sync.Mutex
	pending  map[string]pending
	finished map[string]tombstone
	retain   time.Duration
}

func NewPreviewBook(retain time.Duration) *PreviewBook {
	return &PreviewBook{
		pending:  make(map[string]pending),
		finished: make(map[string]tombstone),
		retain:   retain,
	}
}

func (b *PreviewBook) Put(cmd domain.Command, preview domain.Preview) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[cmd.ID] = pending{command: cmd, preview: preview}
}

// TakeOwned removes the preview only for the session that submitted it.
// An empty sessionID skips the ownership check. A preview owned by another
// session stays pending and is reported with owned == false.
func (b *PreviewBook) TakeOwned(commandID, sessionID string) (p pending, found, owned bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, found = b.pending[commandID]
	if !found {
		return pending{}, false, false
	}
	if sessionID != "" && p.command.SessionID != sessionID {
		return pending{}, true, false
	}
	delete(b.pending, commandID)
	return p, true, true
}

// TakeExpired removes and returns every preview whose TTL has elapsed.
func (b *PreviewBook) TakeExpired(now time.Time) []pending {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []pending
	for id, p := range b.pending {
		if now.After(p.preview.ExpiresAt) {
			out = append(out, p)
			delete(b.pending, id)
		}
	}
	return out
}

// Finish remembers a command's terminal state so a late confirmation gets
// a precise answer instead of "unknown command".
func (b *PreviewBook) Finish(commandID string, state domain.PipelineState, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished[commandID] = tombstone{state: state, at: now}
}

func (b *PreviewBook) Finished(commandID string) (domain.PipelineState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.finished[commandID]
	return t.state, ok
}

func (b *PreviewBook) Prune(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.finished {
		if now.Sub(t.at) > b.retain {
			delete(b.finished, id)
		}
	}
}

func (b *PreviewBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
