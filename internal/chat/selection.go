package chat

import (
	"context"
	"fmt"
	"sync"

	"realtimechat/pkg/docstore"
	"realtimechat/pkg/domain"
)

// SelectionState is the open conversation and the block flags derived from
// both participants' profiles.
type SelectionState struct {
	ConversationID string
	Peer           domain.Identity
	// PeerBlockedMe is true when the peer's block list contains me.
	PeerBlockedMe bool
	// IBlockedPeer is true when my block list contains the peer.
	IBlockedPeer bool
	// Synced is true once both profiles have been read for this selection.
	// Until then the block flags are unknown, not false.
	Synced bool
}

// Active reports whether a conversation is selected.
func (s SelectionState) Active() bool {
	return s.ConversationID != ""
}

// Blocked reports whether messaging is blocked in either direction.
func (s SelectionState) Blocked() bool {
	return s.PeerBlockedMe || s.IBlockedPeer
}

// Selection tracks the open conversation. It holds at most one pair of
// profile subscriptions (peer and self) at a time.
type Selection struct {
	b       base
	session *Session

	mu         sync.Mutex
	state      SelectionState
	gen        uint64
	subs       []*docstore.Subscription
	peerSynced bool
	selfSynced bool
	// ready is closed once the current selection is synced or replaced.
	ready     chan struct{}
	observers []func(SelectionState)
}

type profileSide int

const (
	sidePeer profileSide = iota
	sideSelf
)

func newSelection(b base, session *Session) *Selection {
	return &Selection{b: b, session: session}
}

// Select opens conversationID with peer, replacing any previous selection.
// An empty ID or a nil peer clears the selection.
func (s *Selection) Select(conversationID string, peer *domain.Identity) error {
	if conversationID == "" || peer == nil || peer.ID == "" {
		s.Clear()
		return nil
	}
	me := s.session.UserID()
	if me == "" {
		return ErrNotSignedIn
	}

	s.mu.Lock()
	old := s.subs
	s.subs = nil
	s.gen++
	gen := s.gen
	s.state = SelectionState{ConversationID: conversationID, Peer: cloneIdentity(*peer)}
	s.resetSync(make(chan struct{}))
	s.mu.Unlock()
	closeAll(old)

	peerSub, err := s.b.docs.Subscribe(context.Background(), docstore.UserPath(peer.ID))
	if err != nil {
		s.abandon(gen)
		return fmt.Errorf("subscribe peer: %w", err)
	}
	selfSub, err := s.b.docs.Subscribe(context.Background(), docstore.UserPath(me))
	if err != nil {
		peerSub.Close()
		s.abandon(gen)
		return fmt.Errorf("subscribe self: %w", err)
	}

	s.mu.Lock()
	if gen != s.gen {
		// A newer Select or Clear won the race.
		s.mu.Unlock()
		closeAll([]*docstore.Subscription{peerSub, selfSub})
		return nil
	}
	s.subs = []*docstore.Subscription{peerSub, selfSub}
	state := s.state
	s.mu.Unlock()

	peerID := peer.ID
	s.b.log.Debug("conversation_selected", "conversation_id", conversationID, "peer_id", peerID)
	s.notify(state)
	consume(peerSub, func(snap docstore.Snapshot) { s.applyPeer(gen, peerID, me, snap) })
	consume(selfSub, func(snap docstore.Snapshot) { s.applySelf(gen, peerID, snap) })
	return nil
}

// Clear drops the selection and its subscriptions. Safe to call at any time.
func (s *Selection) Clear() {
	s.mu.Lock()
	old := s.subs
	wasActive := s.state.Active()
	s.subs = nil
	s.gen++
	s.state = SelectionState{}
	s.resetSync(nil)
	s.mu.Unlock()
	closeAll(old)
	if wasActive {
		s.notify(SelectionState{})
	}
}

// State returns a copy of the current selection.
func (s *Selection) State() SelectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.Peer = cloneIdentity(st.Peer)
	return st
}

// WaitSynced blocks until the current selection has read both profiles,
// the selection changes, or ctx is done. It returns the state at that point,
// which the caller must still check for Synced.
func (s *Selection) WaitSynced(ctx context.Context) SelectionState {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if ready != nil {
		select {
		case <-ready:
		case <-ctx.Done():
		}
	}
	return s.State()
}

// ActiveSubscriptions returns the number of open profile subscriptions.
func (s *Selection) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// ToggleBlock blocks the selected peer, or unblocks them if already blocked.
// The flags update once the profile change comes back through the
// subscription. Failures are logged only.
func (s *Selection) ToggleBlock(ctx context.Context) {
	ctx, cancel := s.b.opContext(ctx)
	defer cancel()
	st := s.State()
	me := s.session.UserID()
	if !st.Active() || me == "" {
		s.b.log.Debug("toggle_block_ignored", "reason", "no selection")
		return
	}
	if !st.Synced {
		st = s.WaitSynced(ctx)
	}
	if !st.Active() || !st.Synced {
		// Without my own profile the current direction of the toggle is unknown.
		s.b.log.Warn("toggle_block_ignored", "reason", "selection not synced")
		return
	}
	path := docstore.UserPath(me)
	var err error
	if st.IBlockedPeer {
		_, err = s.b.docs.ArrayRemoveValue(ctx, path, "blocked", st.Peer.ID)
	} else {
		_, err = s.b.docs.ArrayAddUnique(ctx, path, "blocked", st.Peer.ID)
	}
	if err != nil {
		s.b.log.Error("toggle_block_failed", "peer_id", st.Peer.ID, "unblock", st.IBlockedPeer, "err", err)
		return
	}
	s.b.log.Info("block_toggled", "peer_id", st.Peer.ID, "blocked", !st.IBlockedPeer)
}

// OnChange registers fn to run after every state change.
func (s *Selection) OnChange(fn func(SelectionState)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

func (s *Selection) applyPeer(gen uint64, peerID, me string, snap docstore.Snapshot) {
	if snap.Err == nil && !snap.Exists {
		// A deleted peer blocks no one; keep the cached profile.
		s.update(gen, sidePeer, func(st *SelectionState) { st.PeerBlockedMe = false })
		return
	}
	peer, err := decodeSnapshot[domain.Identity](snap)
	if err != nil {
		s.b.log.Warn("peer_sync_failed", "path", snap.Path, "err", err)
		return
	}
	peer.ID = peerID
	s.update(gen, sidePeer, func(st *SelectionState) {
		st.Peer = peer
		st.PeerBlockedMe = peer.HasBlocked(me)
	})
}

func (s *Selection) applySelf(gen uint64, peerID string, snap docstore.Snapshot) {
	if snap.Err == nil && !snap.Exists {
		s.update(gen, sideSelf, func(st *SelectionState) { st.IBlockedPeer = false })
		return
	}
	self, err := decodeSnapshot[domain.Identity](snap)
	if err != nil {
		s.b.log.Warn("self_sync_failed", "path", snap.Path, "err", err)
		return
	}
	s.update(gen, sideSelf, func(st *SelectionState) {
		st.IBlockedPeer = self.HasBlocked(peerID)
	})
}

// update applies fn unless the delivery belongs to an older selection, and
// records that side as read.
func (s *Selection) update(gen uint64, side profileSide, fn func(*SelectionState)) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	fn(&s.state)
	switch side {
	case sidePeer:
		s.peerSynced = true
	case sideSelf:
		s.selfSynced = true
	}
	if s.peerSynced && s.selfSynced && !s.state.Synced {
		s.state.Synced = true
		s.releaseWaiters()
	}
	state := s.state
	state.Peer = cloneIdentity(state.Peer)
	s.mu.Unlock()
	s.notify(state)
}

func (s *Selection) abandon(gen uint64) {
	s.mu.Lock()
	if gen == s.gen {
		s.state = SelectionState{}
		s.resetSync(nil)
	}
	s.mu.Unlock()
}

// resetSync releases anyone waiting on the previous selection and starts
// tracking a new one. Callers hold s.mu.
func (s *Selection) resetSync(ready chan struct{}) {
	s.releaseWaiters()
	s.peerSynced, s.selfSynced = false, false
	s.ready = ready
}

func (s *Selection) releaseWaiters() {
	if s.ready != nil {
		close(s.ready)
		s.ready = nil
	}
}

func (s *Selection) notify(state SelectionState) {
	s.mu.Lock()
	observers := append([]func(SelectionState){}, s.observers...)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(state)
	}
}

func closeAll(subs []*docstore.Subscription) {
	for _, sub := range subs {
		sub.Close()
	}
}
