package repository

import (
	"log/slog"
	"sync"
	"time"

	"expense-sync/internal/models"
)

var timeNow = func() time.Time { return time.Now().UTC() }

// Subscription delivers the current record list of one owner after every
// change. Only the latest snapshot is kept; a slow reader skips
// intermediate ones.
type Subscription struct {
	C <-chan []models.ExpenseRecord

	ch    chan []models.ExpenseRecord
	owner int64
	repo  *Repository
	once  sync.Once
}

// Close stops delivery and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.repo.mu.Lock()
		defer s.repo.mu.Unlock()
		if set := s.repo.subs[s.owner]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(s.repo.subs, s.owner)
			}
		}
		close(s.ch)
	})
}

// Subscribe returns a Subscription for ownerUserID. The current list is
// delivered immediately.
func (r *Repository) Subscribe(ownerUserID int64) (*Subscription, error) {
	ch := make(chan []models.ExpenseRecord, 1)
	sub := &Subscription{C: ch, ch: ch, owner: ownerUserID, repo: r}

	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	snapshot, err := r.List(ownerUserID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[ownerUserID] == nil {
		r.subs[ownerUserID] = make(map[*Subscription]struct{})
	}
	r.subs[ownerUserID][sub] = struct{}{}
	offer(ch, snapshot)
	return sub, nil
}

func (r *Repository) publish(ownerUserID int64) {
	r.mu.Lock()
	n := len(r.subs[ownerUserID])
	r.mu.Unlock()
	if n == 0 {
		return
	}

	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	snapshot, err := r.List(ownerUserID)
	if err != nil {
		r.log.Error("snapshot for subscribers", slog.Int64("owner", ownerUserID), slog.String("error", err.Error()))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for sub := range r.subs[ownerUserID] {
		offer(sub.ch, snapshot)
	}
}

// offer replaces any undelivered value in ch with v.
func offer(ch chan []models.ExpenseRecord, v []models.ExpenseRecord) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
