package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"realtimechat/internal/util"
	"realtimechat/pkg/docstore"
	"realtimechat/pkg/domain"
)

// peerLookupLimit caps concurrent profile reads when listing conversations.
const peerLookupLimit = 8

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	Entry domain.MembershipEntry
	Peer  domain.Identity
	// PeerFound is false when the peer's profile no longer exists.
	PeerFound bool
}

// Membership maintains the per-user conversation index at userchats/{id}.
type Membership struct {
	b       base
	session *Session
}

func newMembership(b base, session *Session) *Membership {
	return &Membership{b: b, session: session}
}

// UpdateMembership rewrites owner's entry for conversationID. A missing
// index or entry is skipped without error. The read and write happen in one
// transaction so concurrent senders do not overwrite each other's entries.
func (m *Membership) UpdateMembership(ctx context.Context, ownerID, conversationID, lastMessage string, isSeen bool, at time.Time) error {
	updated, err := m.modifyEntry(ctx, ownerID, conversationID, func(e *domain.MembershipEntry) {
		e.LastMessage = lastMessage
		e.IsSeen = isSeen
		e.UpdatedAt = at.UTC()
	})
	if err != nil {
		return err
	}
	if !updated {
		m.b.log.Debug("membership_entry_missing", "owner_id", ownerID, "conversation_id", conversationID)
	}
	return nil
}

// MarkSeen flags the signed-in user's entry for conversationID as read.
func (m *Membership) MarkSeen(ctx context.Context, conversationID string) error {
	me := m.session.UserID()
	if me == "" {
		return ErrNotSignedIn
	}
	_, err := m.modifyEntry(ctx, me, conversationID, func(e *domain.MembershipEntry) {
		e.IsSeen = true
	})
	return err
}

// StartConversation returns the conversation shared with peerID, creating
// it and both index entries when none exists yet.
func (m *Membership) StartConversation(ctx context.Context, peerID string) (string, error) {
	me := m.session.UserID()
	if me == "" {
		return "", ErrNotSignedIn
	}
	if peerID == "" || peerID == me {
		return "", ErrSelfConversation
	}
	ctx, cancel := m.b.opContext(ctx)
	defer cancel()

	peerSnap, err := m.b.docs.Get(ctx, docstore.UserPath(peerID))
	if err != nil {
		return "", fmt.Errorf("load peer: %w", err)
	}
	if !peerSnap.Exists {
		return "", ErrUnknownUser
	}
	index, err := m.readIndex(ctx, me)
	if err != nil {
		return "", err
	}
	for _, e := range index.Chats {
		if e.ReceiverID == peerID {
			return e.ConversationID, nil
		}
	}

	id := util.NewID()
	now := m.b.now().UTC()
	if err := m.b.docs.SetMerge(ctx, docstore.ChatPath(id), docstore.Fields{
		"createdAt": now,
		"messages":  []domain.Message{},
	}); err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	for _, side := range []struct{ owner, receiver string }{{peerID, me}, {me, peerID}} {
		entry := domain.MembershipEntry{
			ConversationID: id,
			ReceiverID:     side.receiver,
			IsSeen:         true,
			UpdatedAt:      now,
		}
		if _, err := m.b.docs.ArrayAddUnique(ctx, docstore.UserChatsPath(side.owner), "chats", entry); err != nil {
			return "", fmt.Errorf("add conversation to %s: %w", side.owner, err)
		}
	}
	m.b.log.Info("conversation_started", "conversation_id", id, "peer_id", peerID)
	return id, nil
}

// Conversations lists the signed-in user's conversations, most recently
// updated first, with each peer's profile resolved.
func (m *Membership) Conversations(ctx context.Context) ([]ConversationSummary, error) {
	me := m.session.UserID()
	if me == "" {
		return nil, ErrNotSignedIn
	}
	ctx, cancel := m.b.opContext(ctx)
	defer cancel()
	index, err := m.readIndex(ctx, me)
	if err != nil {
		return nil, err
	}

	out := make([]ConversationSummary, len(index.Chats))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(peerLookupLimit)
	for i, e := range index.Chats {
		out[i].Entry = e
		if e.ReceiverID == "" {
			continue
		}
		g.Go(func() error {
			peer, ok, err := m.profile(gctx, e.ReceiverID)
			if err != nil {
				return err
			}
			out[i].Peer, out[i].PeerFound = peer, ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Entry.UpdatedAt.After(out[j].Entry.UpdatedAt)
	})
	return out, nil
}

// LookupUsername resolves a username to a profile.
func (m *Membership) LookupUsername(ctx context.Context, username string) (domain.Identity, bool, error) {
	if err := docstore.ValidatePath(docstore.UsernamePath(username)); err != nil {
		return domain.Identity{}, false, nil
	}
	ctx, cancel := m.b.opContext(ctx)
	defer cancel()
	snap, err := m.b.docs.Get(ctx, docstore.UsernamePath(username))
	if err != nil {
		return domain.Identity{}, false, fmt.Errorf("lookup username: %w", err)
	}
	if !snap.Exists {
		return domain.Identity{}, false, nil
	}
	var r domain.UsernameReservation
	if err := snap.DataTo(&r); err != nil {
		return domain.Identity{}, false, err
	}
	if r.UID == "" {
		return domain.Identity{}, false, nil
	}
	return m.profile(ctx, r.UID)
}

func (m *Membership) profile(ctx context.Context, uid string) (domain.Identity, bool, error) {
	snap, err := m.b.docs.Get(ctx, docstore.UserPath(uid))
	if err != nil {
		return domain.Identity{}, false, fmt.Errorf("load profile %s: %w", uid, err)
	}
	if !snap.Exists {
		return domain.Identity{}, false, nil
	}
	identity, err := decodeSnapshot[domain.Identity](snap)
	if err != nil {
		return domain.Identity{}, false, err
	}
	return identity, true, nil
}

func (m *Membership) readIndex(ctx context.Context, owner string) (domain.MembershipIndex, error) {
	snap, err := m.b.docs.Get(ctx, docstore.UserChatsPath(owner))
	if err != nil {
		return domain.MembershipIndex{}, fmt.Errorf("load conversations: %w", err)
	}
	if !snap.Exists {
		return domain.MembershipIndex{}, nil
	}
	return decodeSnapshot[domain.MembershipIndex](snap)
}

var errEntryMissing = errors.New("membership entry missing")

// modifyEntry applies fn to owner's entry for conversationID and reports
// whether an entry was found.
func (m *Membership) modifyEntry(ctx context.Context, owner, conversationID string, fn func(*domain.MembershipEntry)) (bool, error) {
	ctx, cancel := m.b.opContext(ctx)
	defer cancel()
	path := docstore.UserChatsPath(owner)
	err := m.b.docs.RunTransaction(ctx, []string{path}, func(tx *docstore.Tx) error {
		snap, err := tx.Get(path)
		if err != nil {
			return err
		}
		if !snap.Exists {
			return errEntryMissing
		}
		index, err := decodeSnapshot[domain.MembershipIndex](snap)
		if err != nil {
			return err
		}
		i := index.Find(conversationID)
		if i < 0 {
			return errEntryMissing
		}
		// Patch the stored entry rather than re-encoding the typed one, so
		// fields written by other clients survive.
		raw, _ := snap.Data["chats"].([]any)
		if len(raw) != len(index.Chats) {
			return &SyncError{Path: path, Err: errors.New("chats is not a list")}
		}
		stored, ok := raw[i].(map[string]any)
		if !ok {
			return &SyncError{Path: path, Err: errors.New("chats entry is not an object")}
		}
		entry := index.Chats[i]
		fn(&entry)
		patch, err := entryFields(entry)
		if err != nil {
			return err
		}
		merged := maps.Clone(stored)
		maps.Copy(merged, patch)
		chats := slices.Clone(raw)
		chats[i] = merged

		fields := docstore.Fields{}
		maps.Copy(fields, snap.Data)
		fields["chats"] = chats
		return tx.Set(path, fields)
	})
	if errors.Is(err, errEntryMissing) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update %s: %w", path, err)
	}
	return true, nil
}

// entryFields encodes e as the field map stored in userchats documents.
func entryFields(e domain.MembershipEntry) (map[string]any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	return out, nil
}
