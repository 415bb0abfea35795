package app

import (
	"slices"
	"sync"

	"github.com/dkeye/voip/internal/core"
	"github.com/rs/zerolog/log"
)

// Registry is the relay's live connection set.
// It owns membership only and never closes adapter resources.
type Registry struct {
	mu    sync.RWMutex
	conns map[core.ConnID]core.SignalConnection
	order []core.ConnID
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[core.ConnID]core.SignalConnection),
	}
}

func (r *Registry) Attach(id core.ConnID, conn core.SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		r.order = append(r.order, id)
	}
	r.conns[id] = conn
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Int("size", len(r.conns)).Msg("attached")
}

// Detach reports whether id was a member.
func (r *Registry) Detach(id core.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	if i := slices.Index(r.order, id); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Int("size", len(r.conns)).Msg("detached")
	return true
}

func (r *Registry) Get(id core.ConnID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Members returns the attached ids in attach order.
func (r *Registry) Members() []core.ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Broadcast hands data to every member except from, in attach order.
// The payload is passed through untouched.
func (r *Registry) Broadcast(from core.ConnID, data core.Frame) core.PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := core.PublishResult{}
	for _, id := range r.order {
		if id == from {
			continue
		}
		if err := r.conns[id].TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, id)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "app.registry").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}
