package database

import "time"

type User struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Event struct {
	Id           int
	ExternalId   string
	Title        string
	Description  string
	Location     string
	StartsAt     time.Time
	EndsAt       time.Time
	OrganizerId  int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Participants []Participant
}

type Participant struct {
	Id        int
	EventId   int
	AccountId int
	Username  string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Room struct {
	Id         int
	ExternalId string
	EventId    int
	Name       string
	SeqId      int
	// ParticipantIds is the participant snapshot taken when the room was
	// created. Membership checks always go against the participants table;
	// the snapshot is informational.
	ParticipantIds []int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Message struct {
	Id            int
	SeqId         int
	RoomId        int
	AccountId     int
	CorrelationId string
	Content       string
	CreatedAt     time.Time
}

type Notification struct {
	Id        int
	AccountId int
	Kind      string
	EventId   int
	ActorId   int
	Read      bool
	CreatedAt time.Time
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type CreateEventParams struct {
	ExternalId  string
	Title       string
	Description string
	Location    string
	StartsAt    time.Time
	EndsAt      time.Time
	OrganizerId int
}

type CreateRoomParams struct {
	ExternalId     string
	EventId        int
	Name           string
	ParticipantIds []int
}

type CreateNotificationParams struct {
	AccountId int
	Kind      string
	EventId   int
	ActorId   int
}
