package orch

import (
	"context"
	"time"

	"github.com/dkeye/voip/internal/app"
	"github.com/dkeye/voip/internal/core"
	"github.com/dkeye/voip/internal/presence"
	"github.com/rs/zerolog/log"
)

const presenceTimeout = 2 * time.Second

// Orchestrator drives the relay: membership, fan-out and backpressure.
// It holds no per-message state.
type Orchestrator struct {
	Registry *app.Registry
	Policy   app.Policy
	Presence presence.Store
}

// Attach adds conn to the live set. Nothing is sent back.
func (o *Orchestrator) Attach(id core.ConnID, conn core.SignalConnection) {
	o.Registry.Attach(id, conn)
	if o.Presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := o.Presence.AddPeer(ctx, string(id)); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("conn", string(id)).Msg("presence add")
	}
}

// OnFrame forwards data to every other attached connection.
func (o *Orchestrator) OnFrame(id core.ConnID, data core.Frame) {
	res := o.Registry.Broadcast(id, data)
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(slow) {
		case app.KickMember:
			log.Warn().Str("module", "relay").Str("conn", string(slow)).Msg("kicking slow member")
			o.Kick(slow)
		case app.DropFrame:
			log.Warn().Str("module", "relay").Str("conn", string(slow)).Msg("send queue full, frame dropped")
		case app.NoAction:
		}
	}
}

// Detach removes id from the live set. Remaining peers are not told.
func (o *Orchestrator) Detach(id core.ConnID) {
	if !o.Registry.Detach(id) || o.Presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := o.Presence.RemovePeer(ctx, string(id)); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("conn", string(id)).Msg("presence remove")
	}
}

// Kick detaches id and closes its transport.
func (o *Orchestrator) Kick(id core.ConnID) {
	conn, ok := o.Registry.Get(id)
	o.Detach(id)
	if ok {
		conn.Close()
	}
}

// Info reports relay size, preferring the presence view when one is wired.
func (o *Orchestrator) Info(ctx context.Context) core.RelayInfo {
	if o.Presence != nil {
		peers, err := o.Presence.Peers(ctx)
		if err == nil {
			return core.RelayInfo{Connections: len(peers)}
		}
		log.Warn().Err(err).Str("module", "relay").Msg("presence peers")
	}
	return core.RelayInfo{Connections: o.Registry.Len()}
}
