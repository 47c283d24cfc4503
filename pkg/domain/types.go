package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Identity is the profile document stored at users/{id}.
type Identity struct {
	ID         string   `json:"id"`
	Username   string   `json:"username"`
	Email      string   `json:"email"`
	AvatarURL  string   `json:"avatar"`
	BlockedIDs []string `json:"blocked"`
}

// HasBlocked reports whether id is in the identity's block list.
func (i Identity) HasBlocked(id string) bool {
	if id == "" {
		return false
	}
	return slices.Contains(i.BlockedIDs, id)
}

// Validate checks the fields every profile snapshot must carry.
func (i Identity) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return errors.New("identity: id missing")
	}
	if strings.TrimSpace(i.Username) == "" {
		return fmt.Errorf("identity %s: username missing", i.ID)
	}
	for _, id := range i.BlockedIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("identity %s: empty blocked id", i.ID)
		}
	}
	return nil
}

// Message is one immutable transcript entry.
type Message struct {
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	ImgURL    string    `json:"img,omitempty"`
}

// Validate checks a decoded message.
func (m Message) Validate() error {
	if strings.TrimSpace(m.SenderID) == "" {
		return errors.New("message: senderId missing")
	}
	if m.CreatedAt.IsZero() {
		return errors.New("message: createdAt missing")
	}
	return nil
}

// Conversation is the document stored at chats/{id}. Messages are kept in
// append order.
type Conversation struct {
	ID       string    `json:"-"`
	Messages []Message `json:"messages"`
}

// Validate checks every message in the conversation.
func (c Conversation) Validate() error {
	for i, m := range c.Messages {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("conversation %s: message %d: %w", c.ID, i, err)
		}
	}
	return nil
}

// MembershipEntry is a denormalized conversation summary for one participant.
type MembershipEntry struct {
	ConversationID string    `json:"chatId"`
	ReceiverID     string    `json:"receiverId,omitempty"`
	LastMessage    string    `json:"lastMessage"`
	IsSeen         bool      `json:"isSeen"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// MembershipIndex is the document stored at userchats/{id}.
type MembershipIndex struct {
	Chats []MembershipEntry `json:"chats"`
}

// Find returns the position of the entry for conversationID, or -1.
func (m MembershipIndex) Find(conversationID string) int {
	return slices.IndexFunc(m.Chats, func(e MembershipEntry) bool {
		return e.ConversationID == conversationID
	})
}

// Validate checks that every entry names its conversation.
func (m MembershipIndex) Validate() error {
	for i, e := range m.Chats {
		if strings.TrimSpace(e.ConversationID) == "" {
			return fmt.Errorf("membership index: entry %d: chatId missing", i)
		}
	}
	return nil
}

// UsernameReservation is the document stored at usernames/{name}.
type UsernameReservation struct {
	UID string `json:"uid"`
}

// Credential is what the auth service hands back after sign-up or sign-in.
type Credential struct {
	UID   string
	Email string
	Token string
}
