package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"realtimechat/internal/media"
	"realtimechat/pkg/docstore"
	"realtimechat/pkg/domain"
)

const (
	// imageOnlyPreview is the list preview for a message without text.
	imageOnlyPreview = "Image"
	// Message timestamps are stored with millisecond precision.
	timeGranularity = time.Millisecond
)

// Transcript follows the message log of one conversation and appends to it.
type Transcript struct {
	b          base
	session    *Session
	selection  *Selection
	membership *Membership
	uploader   ImageUploader

	mu             sync.Mutex
	conversationID string
	messages       []domain.Message
	sub            *docstore.Subscription
	gen            uint64
	observers      []func(string, []domain.Message)
}

func newTranscript(b base, session *Session, selection *Selection, membership *Membership, uploader ImageUploader) *Transcript {
	return &Transcript{
		b:          b,
		session:    session,
		selection:  selection,
		membership: membership,
		uploader:   uploader,
	}
}

// Open subscribes to conversationID, replacing any open transcript. An empty
// ID closes the transcript.
func (t *Transcript) Open(conversationID string) error {
	if conversationID == "" {
		t.Close()
		return nil
	}
	t.mu.Lock()
	old := t.sub
	t.sub = nil
	t.gen++
	gen := t.gen
	t.conversationID = conversationID
	t.messages = nil
	t.mu.Unlock()
	old.Close()

	sub, err := t.b.docs.Subscribe(context.Background(), docstore.ChatPath(conversationID))
	if err != nil {
		t.mu.Lock()
		if gen == t.gen {
			t.conversationID = ""
		}
		t.mu.Unlock()
		return fmt.Errorf("subscribe conversation: %w", err)
	}
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		sub.Close()
		return nil
	}
	t.sub = sub
	t.mu.Unlock()

	consume(sub, func(snap docstore.Snapshot) { t.apply(gen, conversationID, snap) })
	return nil
}

// Close stops following the transcript. Safe to call at any time.
func (t *Transcript) Close() {
	t.mu.Lock()
	old := t.sub
	t.sub = nil
	t.gen++
	t.conversationID = ""
	t.messages = nil
	t.mu.Unlock()
	old.Close()
}

// ConversationID returns the open conversation, or "".
func (t *Transcript) ConversationID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversationID
}

// Messages returns the transcript in append order.
func (t *Transcript) Messages() []domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Message(nil), t.messages...)
}

// OnChange registers fn to run whenever the transcript changes.
func (t *Transcript) OnChange(fn func(conversationID string, messages []domain.Message)) {
	t.mu.Lock()
	t.observers = append(t.observers, fn)
	t.mu.Unlock()
}

// Send appends a message to the selected conversation. It is rejected
// without any remote write when nothing is selected, when either side has
// blocked the other, or when there is neither text nor an image. A send right
// after selecting waits for both profiles to be read so the block check never
// runs on unknown flags. After the
// append both participants' conversation entries are updated independently;
// failures there are logged and do not fail the send.
func (t *Transcript) Send(ctx context.Context, text string, image *media.File) (domain.Message, error) {
	st := t.selection.State()
	if !st.Active() {
		return domain.Message{}, &SendRejected{Reason: ErrNoConversation}
	}
	me := t.session.UserID()
	if me == "" {
		return domain.Message{}, &SendRejected{Reason: ErrNotSignedIn}
	}
	if !st.Synced {
		wctx, cancel := t.b.opContext(ctx)
		st = t.selection.WaitSynced(wctx)
		cancel()
		if !st.Active() {
			return domain.Message{}, &SendRejected{Reason: ErrNoConversation}
		}
		if !st.Synced {
			return domain.Message{}, &SendRejected{Reason: ErrNotSynced}
		}
	}
	if st.Blocked() {
		return domain.Message{}, &SendRejected{Reason: ErrBlocked}
	}
	if strings.TrimSpace(text) == "" && image == nil {
		return domain.Message{}, &SendRejected{Reason: ErrEmptyMessage}
	}
	log := t.b.log.With("conversation_id", st.ConversationID)

	msg := domain.Message{SenderID: me, Text: text}
	if image != nil {
		if t.uploader == nil {
			return domain.Message{}, &UploadError{Err: ErrUploadDisabled}
		}
		uctx, cancel := t.b.opContext(ctx)
		url, err := t.uploader.UploadImage(uctx, *image)
		cancel()
		if err != nil {
			log.Error("message_upload_failed", "err", err)
			return domain.Message{}, &UploadError{Err: err}
		}
		msg.ImgURL = url
	}
	msg.CreatedAt = t.b.now().UTC().Truncate(timeGranularity)

	actx, cancel := t.b.opContext(ctx)
	added, err := t.b.docs.ArrayAddUnique(actx, docstore.ChatPath(st.ConversationID), "messages", msg)
	cancel()
	if err != nil {
		log.Error("message_append_failed", "err", err)
		return domain.Message{}, fmt.Errorf("append message: %w", err)
	}
	if !added {
		// Same sender, text, image and millisecond as an existing message.
		log.Warn("message_collapsed", "created_at", msg.CreatedAt)
	}

	preview := text
	if strings.TrimSpace(preview) == "" {
		preview = imageOnlyPreview
	}
	var g errgroup.Group
	for _, owner := range []string{me, st.Peer.ID} {
		g.Go(func() error {
			err := t.membership.UpdateMembership(ctx, owner, st.ConversationID, preview, owner == me, msg.CreatedAt)
			if err != nil {
				log.Warn("membership_update_failed", "owner_id", owner, "err", err)
			}
			return err
		})
	}
	_ = g.Wait()
	return msg, nil
}

func (t *Transcript) apply(gen uint64, conversationID string, snap docstore.Snapshot) {
	var conv domain.Conversation
	if snap.Err != nil || snap.Exists {
		var err error
		conv, err = decodeSnapshot[domain.Conversation](snap)
		if err != nil {
			t.b.log.Warn("transcript_sync_failed", "path", snap.Path, "err", err)
			return
		}
	}
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.messages = conv.Messages
	observers := append([]func(string, []domain.Message){}, t.observers...)
	t.mu.Unlock()

	for _, fn := range observers {
		fn(conversationID, append([]domain.Message(nil), conv.Messages...))
	}
}
