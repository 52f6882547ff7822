// Package model holds the domain records exchanged between the gateway, the
// distribution pipeline, the presence tracker and the call manager, together
// with the error kinds every boundary maps to transport responses.
package model

import "time"

// PresenceStatus is a user's online state.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "ONLINE"
	StatusOffline PresenceStatus = "OFFLINE"
)

// PresenceRecord is the authoritative per-user presence entry. It lives in
// the shared expiring store; local copies are caches only. An ONLINE record
// whose lease has expired reads as OFFLINE.
type PresenceRecord struct {
	UserID       string         `json:"userId"`
	Status       PresenceStatus `json:"status"`
	LastActiveAt time.Time      `json:"lastActiveAt"`
	LeaseExpiry  time.Time      `json:"leaseExpiry,omitempty"`
}

// Expired reports whether an ONLINE record's lease has lapsed at t.
func (r PresenceRecord) Expired(t time.Time) bool {
	return r.Status == StatusOnline && !r.LeaseExpiry.IsZero() && !t.Before(r.LeaseExpiry)
}

// ConversationType distinguishes direct and group conversations.
type ConversationType string

const (
	ConversationDirect ConversationType = "DIRECT"
	ConversationGroup  ConversationType = "GROUP"
)

// Conversation is owned by the storage collaborator; the core reads it only
// to authorize fan-out targets.
type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Participants []string         `json:"participants"`
	CreatorID    string           `json:"creatorId"`
}

// HasParticipant reports membership without assuming participant order.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// DeliveryStatus tracks whether a message has been read.
type DeliveryStatus string

const (
	DeliveryUnread DeliveryStatus = "UNREAD"
	DeliveryRead   DeliveryStatus = "READ"
)

// Message is produced once per send, persisted by the storage collaborator,
// then fanned out. Ids are stable so clients can dedup redeliveries.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	ReceiverID     string         `json:"receiverId,omitempty"`
	Content        string         `json:"content"`
	Timestamp      time.Time      `json:"timestamp"`
	Status         DeliveryStatus `json:"status"`
}

// CallType distinguishes audio and video calls.
type CallType string

const (
	CallAudio CallType = "AUDIO"
	CallVideo CallType = "VIDEO"
)

// CallStatus is a call session's state machine position.
type CallStatus string

const (
	CallRinging  CallStatus = "RINGING"
	CallOngoing  CallStatus = "ONGOING"
	CallEnded    CallStatus = "ENDED"
	CallRejected CallStatus = "REJECTED"
	CallMissed   CallStatus = "MISSED"
)

// Terminal reports whether s is a terminal state. No session transitions out
// of a terminal state.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallEnded, CallRejected, CallMissed:
		return true
	}
	return false
}

// CallSession exists in memory for the lifetime of one call and is removed
// once a terminal status is reached.
type CallSession struct {
	CallID     string     `json:"callId"`
	CallerID   string     `json:"callerId"`
	ReceiverID string     `json:"receiverId"`
	CallType   CallType   `json:"callType"`
	Status     CallStatus `json:"status"`
	StartTime  time.Time  `json:"startTime"`
	EndTime    *time.Time `json:"endTime,omitempty"`
}
