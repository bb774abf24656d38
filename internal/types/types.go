package types

import (
	"time"
)

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Password     string    `json:"-"`
	IsAdmin      bool      `json:"is_admin,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// ParticipantStatus is the RSVP state of a user on an event.
type ParticipantStatus string

const (
	StatusInvited  ParticipantStatus = "invited"
	StatusAccepted ParticipantStatus = "accepted"
	StatusDeclined ParticipantStatus = "declined"
)

func (s ParticipantStatus) Valid() bool {
	switch s {
	case StatusInvited, StatusAccepted, StatusDeclined:
		return true
	}
	return false
}

type Participant struct {
	Id        int               `json:"id"`
	EventId   int               `json:"event_id"`
	User      User              `json:"user"`
	Status    ParticipantStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at,omitempty"`
	UpdatedAt time.Time         `json:"updated_at,omitempty"`
}

type Event struct {
	Id           int           `json:"id"`
	ExternalId   string        `json:"external_id"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	Location     string        `json:"location"`
	StartsAt     time.Time     `json:"starts_at"`
	EndsAt       time.Time     `json:"ends_at"`
	OrganizerId  int           `json:"organizer_id"`
	Participants []Participant `json:"participants,omitempty"`
	CreatedAt    time.Time     `json:"created_at,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at,omitempty"`
}

type Room struct {
	Id             int       `json:"id"`
	ExternalId     string    `json:"external_id"`
	EventId        int       `json:"event_id"`
	Name           string    `json:"name"`
	SeqId          int       `json:"seq_id"`
	ParticipantIds []int     `json:"participant_ids,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// Message is a persisted chat message. CorrelationId is the client-generated
// token carried through publish, persistence and broadcast so the sender can
// match the confirmed echo against its optimistic copy.
type Message struct {
	Id            int       `json:"id"`
	SeqId         int       `json:"seq_id"`
	RoomId        int       `json:"room_id"`
	UserId        int       `json:"user_id"`
	CorrelationId string    `json:"correlation_id,omitempty"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"created_at"`
}

type NotificationKind string

const (
	NotificationInvited  NotificationKind = "invited"
	NotificationAccepted NotificationKind = "accepted"
	NotificationDeclined NotificationKind = "declined"
)

type Notification struct {
	Id        int              `json:"id"`
	Kind      NotificationKind `json:"kind"`
	EventId   int              `json:"event_id"`
	ActorId   int              `json:"actor_id"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at,omitempty"`
}
