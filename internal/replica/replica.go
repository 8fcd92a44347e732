// Package replica is the cycle-loop driver tying the
// FBFT engine, the signing backends, the ROAST session driver, the chain
// adapter, the network bus and the fact store into one single-threaded
// replica. Each cycle synthesizes pending requests, drains a randomized
// batch of active actions, broadcasts whatever they emitted, and then
// processes inbound traffic.
package replica

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/itcoin-fbft/fbft/internal/fbft"
	"github.com/itcoin-fbft/fbft/internal/message"
	"github.com/itcoin-fbft/fbft/internal/netbus"
	"github.com/itcoin-fbft/fbft/internal/roast"
	"github.com/itcoin-fbft/fbft/internal/store"
	"github.com/itcoin-fbft/fbft/internal/wallet"
)

// maxActionsPerCycle bounds how many active actions one cycle drains, so a
// long action backlog cannot starve inbound processing.
const maxActionsPerCycle = 11

// requestLookahead is how many block intervals ahead of the synthetic
// clock requests are synthesized.
const requestLookahead = 5

// Chain is the blockchain surface the driver needs beyond what the FBFT
// engine itself consumes: submitting executed blocks and reading header
// timestamps for the PRE_PREPARE acceptance rule.
type Chain interface {
	fbft.Blockchain
	SubmitBlock(height uint64, block []byte) error
	BlockTime(block []byte) (uint32, error)
}

// Replica is one cluster member's full runtime state.
type Replica struct {
	state  *fbft.State
	engine *fbft.Engine
	wallet wallet.Wallet
	roast  *roast.Driver
	chain  Chain
	bus    netbus.Bus
	blocks netbus.BlockSource
	facts  *store.Store

	rng *rand.Rand
	log zerolog.Logger

	// submitted tracks sequence numbers this replica has already handed
	// to SubmitBlock, so a still-armed Execute action cannot double-
	// submit while the BLOCK notification is in flight.
	submitted map[uint64]bool
}

// New wires a Replica together. The PRNG seed makes the randomized action
// draining reproducible in tests; production passes the wall clock.
func New(
	state *fbft.State,
	w wallet.Wallet,
	rd *roast.Driver,
	chain Chain,
	bus netbus.Bus,
	blocks netbus.BlockSource,
	facts *store.Store,
	seed int64,
	log zerolog.Logger,
) *Replica {
	return &Replica{
		state:     state,
		engine:    fbft.NewEngine(state, w, chain, rd),
		wallet:    w,
		roast:     rd,
		chain:     chain,
		bus:       bus,
		blocks:    blocks,
		facts:     facts,
		rng:       rand.New(rand.NewSource(seed)),
		log:       log.With().Str("component", "replica").Uint32("id", state.Config.ReplicaID).Logger(),
		submitted: make(map[uint64]bool),
	}
}

// Resume replays the fact store into the engine so a restarted replica
// continues where it left off. ROAST messages are skipped: the nonces
// behind them died with the previous process, so in-flight signing
// sessions are re-run from scratch instead.
func (r *Replica) Resume() error {
	if r.facts == nil {
		return nil
	}
	return r.facts.Replay(func(f store.Fact) error {
		switch f.Kind {
		case store.KindRequest:
			r.state.AddRequest(fbft.Request{
				GenesisTimestamp: f.RequestGenesis,
				TargetBlockTime:  f.RequestInterval,
				Timestamp:        f.RequestTimestamp,
			})
		case store.KindMessageIn, store.KindMessageOut:
			switch f.Message.Payload.Type() {
			case message.TypeRoastPreSignature, message.TypeRoastSignatureShare, message.TypeBlock:
				return nil
			}
			if err := r.engine.HandleInbound(f.Message); err != nil {
				r.log.Warn().Err(err).Str("type", string(f.Message.Payload.Type())).Msg("skipping stored message on resume")
			}
		case store.KindView:
			r.state.SetView(f.View)
		case store.KindCheckpoint:
			var d message.Digest
			r.state.RestoreCheckpoint(f.CheckpointHeight, d)
		case store.KindReplyTime:
			// Reply times are re-derived from the checkpoint facts; the
			// record exists for operators reading the log.
		}
		return nil
	})
}

// AdvanceTime moves the replica's synthetic clock forward.
func (r *Replica) AdvanceTime(t uint64) {
	r.state.Advance(t)
}

// State exposes the underlying FBFT state for tests and diagnostics.
func (r *Replica) State() *fbft.State { return r.state }

// Cycle runs one iteration of the replica loop: request synthesis, a
// randomized action drain, and inbound processing.
func (r *Replica) Cycle() {
	r.generateRequests()
	r.drainActions()
	r.drainBlocks()
	r.drainInbound()
	r.flushRoast()
}

// Run drives cycles until ctx is cancelled, advancing the synthetic clock
// from the wall clock and blocking on the bus between cycles for
// max(1ms, (target_block_time - cycle_elapsed)/2).
func (r *Replica) Run(ctx context.Context) error {
	tbt := r.state.Config.TargetBlockTime
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		start := time.Now()
		r.AdvanceTime(uint64(start.Unix()))
		r.Cycle()

		elapsed := time.Since(start).Seconds()
		wait := time.Duration(math.Max(0.001, (tbt-elapsed)/2) * float64(time.Second))
		m, ok, err := r.bus.Receive(wait)
		if err != nil {
			r.log.Error().Err(err).Msg("bus receive failed")
			continue
		}
		if ok {
			r.handleInbound(m)
			r.flushRoast()
		}
	}
}

// generateRequests ensures the request log contains one request per block
// interval from the last request or accepted block through five intervals
// past the synthetic clock.
func (r *Replica) generateRequests() {
	cfg := r.state.Config
	tbt := cfg.TargetBlockTime
	genesis := uint64(cfg.GenesisTimestamp)

	start := r.state.LastRequestTime()
	if rep := r.state.LastReplyTime(); rep > start {
		start = rep
	}
	if genesis > start {
		start = genesis
	}
	horizon := float64(r.state.Now()) + requestLookahead*tbt

	// First tick strictly after start.
	tick := math.Floor(float64(start-genesis)/tbt)*tbt + tbt
	for ts := float64(genesis) + tick; ts <= horizon; ts += tbt {
		req := fbft.Request{
			GenesisTimestamp: cfg.GenesisTimestamp,
			TargetBlockTime:  tbt,
			Timestamp:        uint32(ts),
		}
		r.state.AddRequest(req)
		if r.facts != nil {
			if err := r.facts.AppendRequest(req.GenesisTimestamp, req.TargetBlockTime, req.Timestamp); err != nil {
				r.log.Error().Err(err).Msg("persisting request")
			}
		}
	}
}

// drainActions recomputes the active-action set and applies up to
// maxActionsPerCycle of them in random order, broadcasting whatever each
// application emits. Randomizing the order distributes progress fairly
// across action kinds without affecting safety, since every precondition
// is re-checked inside Apply.
func (r *Replica) drainActions() {
	actions := r.engine.ActiveActions()
	r.rng.Shuffle(len(actions), func(i, j int) {
		actions[i], actions[j] = actions[j], actions[i]
	})
	if len(actions) > maxActionsPerCycle {
		actions = actions[:maxActionsPerCycle]
	}

	for _, a := range actions {
		outbound, executed, err := r.engine.Apply(a)
		if err != nil {
			r.log.Error().Err(err).Str("action", string(a.Kind)).Uint64("n", a.Seq).Msg("applying action")
			continue
		}
		for _, m := range outbound {
			r.broadcast(m)
		}
		if executed != nil {
			r.submitExecuted(executed)
		}
		if a.Kind == fbft.ActionSendViewChange && r.facts != nil {
			if err := r.facts.AppendView(a.View); err != nil {
				r.log.Error().Err(err).Msg("persisting view")
			}
		}
		r.flushRoast()
	}
}

// broadcast signs (if the engine did not already), records, publishes and
// self-routes one outbound message.
func (r *Replica) broadcast(m *message.Message) {
	if len(m.Signature) == 0 {
		if err := r.wallet.AppendSignature(m); err != nil {
			r.log.Error().Err(err).Str("type", string(m.Payload.Type())).Msg("signing outbound message")
			return
		}
	}
	if c, ok := m.Payload.(message.Commit); ok {
		r.roast.RecordCommitPresignature(c.Seq, m.SenderID, c.PreSignature)
	}
	if r.facts != nil {
		if err := r.facts.AppendMessage(store.KindMessageOut, m); err != nil {
			r.log.Error().Err(err).Msg("persisting outbound message")
		}
	}
	if err := r.bus.Broadcast(m); err != nil {
		r.log.Error().Err(err).Str("type", string(m.Payload.Type())).Msg("broadcasting")
	}
	r.selfInject(m)
}

// selfInject loops a broadcast back into this replica's own processing
// when the message concerns it: ROAST_PRE_SIGNATURE sessions it signs in,
// and ROAST_SIGNATURE_SHARE replies consumed by its own coordinator state.
func (r *Replica) selfInject(m *message.Message) {
	switch p := m.Payload.(type) {
	case message.RoastPreSignature:
		for _, s := range p.Signers {
			if s == r.state.Config.ReplicaID {
				r.handleInbound(m)
				return
			}
		}
	case message.RoastSignatureShare:
		r.handleInbound(m)
	}
}

// flushRoast signs and broadcasts whatever the ROAST driver queued since
// the last flush.
func (r *Replica) flushRoast() {
	for _, m := range r.roast.Outbound() {
		r.broadcast(m)
	}
}

// drainBlocks consumes the chain node's new-block notifications,
// advancing the checkpoint. Per the resynchronisation rule, BLOCK
// handling bypasses the active-action machinery entirely.
func (r *Replica) drainBlocks() {
	if r.blocks == nil {
		return
	}
	for {
		b, ok, err := r.blocks.NextBlock(time.Millisecond)
		if err != nil {
			r.log.Error().Err(err).Msg("block feed receive failed")
			return
		}
		if !ok {
			return
		}
		r.applyBlock(b)
	}
}

func (r *Replica) applyBlock(b message.Block) {
	promoted := r.engine.ApplyBlock(b)
	if len(promoted) > 0 {
		r.log.Debug().Int("count", len(promoted)).Msg("promoted held messages after checkpoint")
	}
	h := r.state.LowWaterMark()
	if h == b.Height {
		r.roast.GC(h)
		delete(r.submitted, h)
		if r.facts != nil {
			if err := r.facts.AppendCheckpoint(b.Height, message.Digest(b.Hash)); err != nil {
				r.log.Error().Err(err).Msg("persisting checkpoint")
			}
			if err := r.facts.AppendReplyTime(uint64(b.Time)); err != nil {
				r.log.Error().Err(err).Msg("persisting reply time")
			}
		}
		r.log.Info().Uint64("height", b.Height).Msg("checkpoint advanced")
	}
}

// drainInbound processes every message already queued on the bus without
// blocking.
func (r *Replica) drainInbound() {
	for {
		m, ok, err := r.bus.Receive(0)
		if err != nil {
			r.log.Error().Err(err).Msg("bus receive failed")
			return
		}
		if !ok {
			return
		}
		r.handleInbound(m)
	}
}

// handleInbound verifies and dispatches one inbound message. BLOCK
// messages skip signature verification (they are never signed) and are
// applied immediately; everything else is dropped on signature failure.
func (r *Replica) handleInbound(m *message.Message) {
	if b, ok := m.Payload.(message.Block); ok {
		r.applyBlock(b)
		return
	}
	if !r.wallet.VerifySignature(m) {
		r.log.Error().Uint32("sender", m.SenderID).Str("type", string(m.Payload.Type())).Msg("dropping message with invalid signature")
		return
	}

	if pp, ok := m.Payload.(message.PrePrepare); ok {
		blockTime, err := r.chain.BlockTime(pp.ProposedBlock)
		if err != nil {
			r.log.Error().Err(err).Uint64("n", pp.Seq).Msg("dropping pre-prepare with unreadable block")
			return
		}
		if err := r.engine.AcceptPrePrepare(m, blockTime); err != nil {
			r.log.Error().Err(err).Uint64("n", pp.Seq).Uint32("sender", m.SenderID).Msg("rejecting pre-prepare")
			return
		}
	}
	if c, ok := m.Payload.(message.Commit); ok {
		r.roast.RecordCommitPresignature(c.Seq, m.SenderID, c.PreSignature)
	}

	if r.facts != nil {
		if err := r.facts.AppendMessage(store.KindMessageIn, m); err != nil {
			r.log.Error().Err(err).Msg("persisting inbound message")
		}
	}
	if err := r.engine.HandleInbound(m); err != nil {
		r.log.Error().Err(err).Str("type", string(m.Payload.Type())).Msg("processing inbound message")
	}
}

// submitExecuted finalizes an executed block with the aggregate signature
// and submits it to the chain node.
func (r *Replica) submitExecuted(e *fbft.ExecutedBlock) {
	if r.submitted[e.Seq] {
		return
	}
	sig, ok := r.roast.Signature(e.Seq)
	if !ok {
		r.log.Error().Uint64("n", e.Seq).Msg("execute fired without a finalized signature")
		return
	}
	final, err := r.wallet.FinalizeBlock(e.Block, sig, nil)
	if err != nil {
		r.log.Error().Err(err).Uint64("n", e.Seq).Msg("finalizing block")
		return
	}
	if err := r.chain.SubmitBlock(e.Height, final); err != nil {
		r.log.Error().Err(err).Uint64("height", e.Height).Msg("submitting block")
		return
	}
	r.submitted[e.Seq] = true
	r.log.Info().Uint64("height", e.Height).Str("request", e.Request.Text()).Msg("block submitted")
}
