package fbft

import (
	"sync"

	"github.com/itcoin-fbft/fbft/internal/message"
)

// Config is the immutable cluster configuration a State is constructed
// from, fixed for the lifetime of the replica.
type Config struct {
	ReplicaID       uint32
	ClusterSize     uint32
	GenesisTimestamp uint32
	TargetBlockTime float64
}

// N returns the cluster size.
func (c Config) N() uint32 { return c.ClusterSize }

// F returns the maximum number of Byzantine replicas tolerated.
func (c Config) F() uint32 { return (c.ClusterSize - 1) / 3 }

// Quorum returns 2f+1, the number of matching votes required to progress.
func (c Config) Quorum() uint32 { return 2*c.F() + 1 }

// Primary returns the replica index that proposes in view v.
func (c Config) Primary(v uint64) uint32 { return uint32(v % uint64(c.ClusterSize)) }

// State is one replica's complete FBFT state: requests, the typed message
// log (one table per message kind), the view and checkpoint watermarks,
// the synthetic clock and the input/output buffers. Each replica owns its
// State outright; the Engine's predicates are plain functions over it.
type State struct {
	Config Config

	mu sync.Mutex

	view uint64
	h    uint64 // low-water mark: height of the last block the chain accepted

	now uint64 // synthetic wall-clock seconds
	lastReplyTime uint64
	lastRequestTime uint64

	requests map[message.Digest]Request

	prePrepares *messageTable[*message.Message]
	prepares    *messageTable[*message.Message]
	commits     *messageTable[*message.Message]
	viewChanges *messageTable[*message.Message]

	checkpoints map[uint64]message.Digest // executed height -> block digest

	in                []*message.Message
	inAwaitCheckpoint []*message.Message
	out               []*message.Message

	executedAt map[uint64]message.Digest // sequence number -> executed request digest

	viewChangeAttempts uint64 // k: consecutive view-change attempts, resets on acceptance at h+1
	viewChangeTimerStart uint64
	viewChangeTimerArmed bool

	viewChangeSent map[uint64]bool // target view -> this replica already emitted VIEW_CHANGE for it
	newViewSent    map[uint64]bool // view -> this replica (as its primary) already emitted NEW_VIEW for it

	roastFinalized map[uint64]bool // sequence number -> signing session finalized
}

// H returns the high-water mark h + N: a single-checkpoint window, so
// exactly one block is in flight between consecutive checkpoints.
func (s *State) H() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h + uint64(s.Config.ClusterSize)
}

// NewState constructs an empty State for cfg.
func NewState(cfg Config) *State {
	return &State{
		Config:         cfg,
		requests:       make(map[message.Digest]Request),
		prePrepares:    newMessageTable[*message.Message](),
		prepares:       newMessageTable[*message.Message](),
		commits:        newMessageTable[*message.Message](),
		viewChanges:    newMessageTable[*message.Message](),
		checkpoints:    make(map[uint64]message.Digest),
		executedAt:     make(map[uint64]message.Digest),
		viewChangeSent: make(map[uint64]bool),
		newViewSent:    make(map[uint64]bool),
		roastFinalized: make(map[uint64]bool),
	}
}

// ArmViewChangeTimer starts the view-change timer if it is not already
// running. Re-arming an already-armed timer is a no-op so the timer is
// not reset by repeated calls within one cycle.
func (s *State) ArmViewChangeTimer(now uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.viewChangeTimerArmed {
		return
	}
	s.viewChangeTimerArmed = true
	s.viewChangeTimerStart = now
}

// ViewChangeTimeoutDuration returns 2^k * (target_block_time/2), k being
// the count of consecutive view-change attempts since the last accepted
// block.
func (s *State) ViewChangeTimeoutDuration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := s.Config.TargetBlockTime / 2
	return base * float64(uint64(1)<<s.viewChangeAttempts)
}

// ViewChangeTimerExpired reports whether the armed timer has elapsed.
func (s *State) ViewChangeTimerExpired() bool {
	s.mu.Lock()
	armed := s.viewChangeTimerArmed
	start := s.viewChangeTimerStart
	s.mu.Unlock()
	if !armed {
		return false
	}
	return float64(s.Now()-start) >= s.ViewChangeTimeoutDuration()
}

// MarkViewChangeSent records that this replica has emitted a VIEW_CHANGE
// targeting v, and bumps the consecutive-attempt counter k.
func (s *State) MarkViewChangeSent(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewChangeSent[v] = true
	s.viewChangeAttempts++
	s.viewChangeTimerArmed = false
}

// HasSentViewChange reports whether this replica already emitted a
// VIEW_CHANGE for v.
func (s *State) HasSentViewChange(v uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewChangeSent[v]
}

// SetView installs v as the current view, monotonically: a lower or equal
// value is ignored.
func (s *State) SetView(v uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v <= s.view {
		return false
	}
	s.view = v
	return true
}

// MarkNewViewSent records that this replica, as primary(v), has already
// emitted NEW_VIEW for v.
func (s *State) MarkNewViewSent(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newViewSent[v] = true
}

// HasSentNewView reports whether NEW_VIEW for v has already been emitted.
func (s *State) HasSentNewView(v uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newViewSent[v]
}

// Checkpoint returns the digest recorded for executed height n, if any.
func (s *State) Checkpoint(n uint64) (message.Digest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.checkpoints[n]
	return d, ok
}

// View returns the replica's current view.
func (s *State) View() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// LowWaterMark returns h, the sequence number of the last block accepted
// by the chain (advanced by BLOCK notifications, not by Execute).
func (s *State) LowWaterMark() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h
}

// Now returns the replica's synthetic clock.
func (s *State) Now() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the synthetic clock forward to t if t is later than the
// current value; the clock is injectable and never rewound.
func (s *State) Advance(t uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t > s.now {
		s.now = t
	}
}

// LastRequestTime returns the timestamp of the latest synthesized
// request.
func (s *State) LastRequestTime() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRequestTime
}

// LastReplyTime returns the block time of the latest accepted block.
func (s *State) LastReplyTime() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReplyTime
}

// RestoreCheckpoint reinstalls a checkpoint during fact-log replay,
// without the buffer draining a live BLOCK acceptance performs.
func (s *State) RestoreCheckpoint(h uint64, digest message.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h <= s.h {
		return
	}
	s.h = h
	s.checkpoints[h] = digest
}

// AddRequest records a locally synthesized request, if not already
// present.
func (s *State) AddRequest(r Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := r.Digest()
	if _, ok := s.requests[d]; !ok {
		s.requests[d] = r
		if r.Timestamp > uint32(s.lastRequestTime) {
			s.lastRequestTime = uint64(r.Timestamp)
		}
	}
}

// Request looks up a previously synthesized request by digest.
func (s *State) Request(d message.Digest) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[d]
	return r, ok
}

// EarliestUnprocessedRequest returns the lowest-height request that has
// not yet been assigned a sequence number by a PRE-PREPARE of any view
// still in the log, used by SendPrePrepare's precondition.
func (s *State) EarliestUnprocessedRequest() (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	assigned := make(map[message.Digest]bool)
	for _, m := range s.prePrepares.AllDigests() {
		pp := m.Payload.(message.PrePrepare)
		assigned[pp.ReqDigest] = true
	}

	var best *Request
	for d, r := range s.requests {
		if assigned[d] {
			continue
		}
		rr := r
		if best == nil || rr.Height() < best.Height() {
			best = &rr
		}
	}
	if best == nil {
		return Request{}, false
	}
	return *best, true
}
