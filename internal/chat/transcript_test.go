package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"realtimechat/internal/media"
	"realtimechat/pkg/docstore"
	"realtimechat/pkg/domain"
)

func TestSendHelloUpdatesTranscriptAndBothIndexes(t *testing.T) {
	env := newTestEnv(t)
	alice, me := env.user("alice")
	_, bob := env.user("bob")
	id := env.open(alice, bob)

	msg, err := alice.Transcript.Send(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "transcript entry", func() bool { return len(alice.Transcript.Messages()) == 1 })

	got := alice.Transcript.Messages()[0]
	if got.SenderID != me.ID || got.Text != "hello" || got.ImgURL != "" || !got.CreatedAt.Equal(msg.CreatedAt) {
		t.Fatalf("unexpected message %+v", got)
	}
	mine := env.entry(me.ID, id)
	theirs := env.entry(bob.ID, id)
	if !mine.IsSeen || theirs.IsSeen {
		t.Fatalf("isSeen: sender=%v recipient=%v", mine.IsSeen, theirs.IsSeen)
	}
	if mine.LastMessage != "hello" || theirs.LastMessage != "hello" {
		t.Fatalf("lastMessage not updated: %q %q", mine.LastMessage, theirs.LastMessage)
	}
	if !theirs.UpdatedAt.Equal(msg.CreatedAt) {
		t.Fatalf("updatedAt %v, want %v", theirs.UpdatedAt, msg.CreatedAt)
	}
}

func TestSequentialSendsKeepAppendOrder(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.user("alice")
	_, bob := env.user("bob")
	env.open(alice, bob)

	const n = 10
	for i := 0; i < n; i++ {
		if _, err := alice.Transcript.Send(context.Background(), fmt.Sprintf("m%d", i), nil); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	waitFor(t, "all messages", func() bool { return len(alice.Transcript.Messages()) == n })
	for i, m := range alice.Transcript.Messages() {
		if m.Text != fmt.Sprintf("m%d", i) {
			t.Fatalf("message %d out of order: %q", i, m.Text)
		}
	}
}

func TestBlockedSendIsRejectedWithoutWrites(t *testing.T) {
	env := newTestEnv(t)
	alice, me := env.user("alice")
	bobClient, bob := env.user("bob")
	id := env.open(alice, bob)
	if err := bobClient.OpenConversation(context.Background(), id, me); err != nil {
		t.Fatalf("bob open: %v", err)
	}

	alice.Selection.ToggleBlock(context.Background())
	waitFor(t, "bob blocked", func() bool { return bobClient.Selection.State().PeerBlockedMe })
	waitFor(t, "alice flag", func() bool { return alice.Selection.State().IBlockedPeer })

	beforeWrites := env.docs.writes.Load()
	beforeAlice, beforeBob := env.entry(me.ID, id), env.entry(bob.ID, id)

	_, err := bobClient.Transcript.Send(context.Background(), "hi", nil)
	if _, ok := errAs[*SendRejected](err); !ok || !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected blocked rejection, got %v", err)
	}
	// Alice blocked bob, so her own sends are refused too.
	if _, err := alice.Transcript.Send(context.Background(), "hi", nil); !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected blocked rejection for alice, got %v", err)
	}
	if env.docs.writes.Load() != beforeWrites {
		t.Fatalf("rejected sends must not write")
	}
	if len(bobClient.Transcript.Messages()) != 0 {
		t.Fatalf("transcript changed")
	}
	if !sameEntry(env.entry(me.ID, id), beforeAlice) || !sameEntry(env.entry(bob.ID, id), beforeBob) {
		t.Fatalf("membership index changed")
	}
}

func TestSendGuardRejectsEmptyAndUnselected(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.user("alice")

	if _, err := alice.Transcript.Send(context.Background(), "hi", nil); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("expected no conversation, got %v", err)
	}
	_, bob := env.user("bob")
	env.open(alice, bob)
	before := env.docs.writes.Load()
	if _, err := alice.Transcript.Send(context.Background(), "  \n\t", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected empty message, got %v", err)
	}
	if env.docs.writes.Load() != before {
		t.Fatalf("rejected send must not write")
	}
}

func TestImageOnlyMessageIsAllowed(t *testing.T) {
	env := newTestEnv(t)
	alice, me := env.user("alice")
	_, bob := env.user("bob")
	id := env.open(alice, bob)

	msg, err := alice.Transcript.Send(context.Background(), "", &media.File{Name: "cat.png"})
	if err != nil {
		t.Fatalf("send image: %v", err)
	}
	if msg.ImgURL != "https://blobs.test/images/cat.png" {
		t.Fatalf("unexpected img url %q", msg.ImgURL)
	}
	waitFor(t, "image message", func() bool { return len(alice.Transcript.Messages()) == 1 })
	if got := env.entry(me.ID, id).LastMessage; got != imageOnlyPreview {
		t.Fatalf("expected image preview, got %q", got)
	}
}

func TestUploadFailureAbortsSend(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.user("alice")
	_, bob := env.user("bob")
	env.open(alice, bob)
	env.uploader.err = errors.New("quota exceeded")

	before := env.docs.writes.Load()
	_, err := alice.Transcript.Send(context.Background(), "look", &media.File{Name: "cat.png"})
	if _, ok := errAs[*UploadError](err); !ok {
		t.Fatalf("expected UploadError, got %v", err)
	}
	if env.docs.writes.Load() != before {
		t.Fatalf("failed upload must not append")
	}
}

func TestIdenticalMessagesInSameMillisecondCollapse(t *testing.T) {
	env := newTestEnv(t)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	alice := env.newClient(func(cfg *Config) { cfg.Clock = func() time.Time { return fixed } })
	if _, err := alice.Session.Register(context.Background(), RegisterInput{
		Username: "alice", Email: "alice@example.com", Password: testPassword,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, bob := env.user("bob")
	env.open(alice, bob)

	for i := 0; i < 2; i++ {
		if _, err := alice.Transcript.Send(context.Background(), "same", nil); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(alice.Transcript.Messages()); n != 1 {
		t.Fatalf("expected duplicates to collapse into one message, got %d", n)
	}
}

func TestMembershipFailureForOneSideDoesNotBlockTheOther(t *testing.T) {
	env := newTestEnv(t)
	alice, me := env.user("alice")
	_, bob := env.user("bob")
	id := env.open(alice, bob)
	env.docs.failOn("RunTransaction", docstore.UserChatsPath(bob.ID), errors.New("unavailable"))

	if _, err := alice.Transcript.Send(context.Background(), "hello", nil); err != nil {
		t.Fatalf("send should succeed despite index failure: %v", err)
	}
	if got := env.entry(me.ID, id).LastMessage; got != "hello" {
		t.Fatalf("sender entry not updated: %q", got)
	}
	if got := env.entry(bob.ID, id).LastMessage; got != "" {
		t.Fatalf("recipient entry should be untouched, got %q", got)
	}
}

func TestTranscriptSwitchDiscardsOldConversation(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.user("alice")
	_, bob := env.user("bob")
	_, carol := env.user("carol")
	withBob := env.open(alice, bob)
	if _, err := alice.Transcript.Send(context.Background(), "to bob", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	env.open(alice, carol)

	if alice.Transcript.ConversationID() == withBob {
		t.Fatalf("transcript still on old conversation")
	}
	if n := env.feed.ListenerCount(docstore.ChatPath(withBob)); n != 0 {
		t.Fatalf("old transcript still subscribed: %d", n)
	}
	time.Sleep(20 * time.Millisecond)
	for _, m := range alice.Transcript.Messages() {
		if m.Text == "to bob" {
			t.Fatalf("message from previous conversation leaked into transcript")
		}
	}
}

func sameEntry(a, b domain.MembershipEntry) bool {
	return a.ConversationID == b.ConversationID &&
		a.ReceiverID == b.ReceiverID &&
		a.LastMessage == b.LastMessage &&
		a.IsSeen == b.IsSeen &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}

func TestMalformedConversationKeepsLastGoodTranscript(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	events := &eventLog{}
	_, bob := env.user("bob")
	alice := env.newClient(withLogger(slog.New(events)))
	env.register(alice, "alice")
	id := env.open(alice, bob)

	if _, err := alice.Transcript.Send(ctx, "hello", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "transcript entry", func() bool { return len(alice.Transcript.Messages()) == 1 })

	if err := env.store.SetMerge(ctx, docstore.ChatPath(id), docstore.Fields{"messages": "oops"}); err != nil {
		t.Fatalf("corrupt conversation: %v", err)
	}
	waitFor(t, "sync failure logged", func() bool { return events.has("transcript_sync_failed") })

	msgs := alice.Transcript.Messages()
	if len(msgs) != 1 || msgs[0].Text != "hello" {
		t.Fatalf("expected last good transcript, got %+v", msgs)
	}
}
