package database

type GatherlyRepository interface {
	Ping() error
	CreateAccount(params CreateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	GetAccountByEmail(email string) (User, error)
	ListAccounts() ([]User, error)
	CreateEvent(params CreateEventParams) (Event, error)
	GetEventById(eventId int) (Event, error)
	GetEventByExternalId(externalId string) (Event, error)
	ListEventsForAccount(accountId int) ([]Event, error)
	CreateParticipant(eventId, accountId int, status string) (Participant, error)
	GetParticipant(eventId, accountId int) (Participant, error)
	ListParticipants(eventId int) ([]Participant, error)
	// UpdateParticipantStatus transitions a participant from one status to
	// another in a single compare-and-swap statement. It returns
	// sql.ErrNoRows when no record matched (eventId, accountId, from).
	UpdateParticipantStatus(eventId, accountId int, from, to string) (Participant, error)
	// ForceParticipantStatus sets the status unconditionally.
	ForceParticipantStatus(eventId, accountId int, to string) (Participant, error)
	CreateRoom(params CreateRoomParams) (Room, error)
	GetRoomByEventId(eventId int) (Room, error)
	GetRoomByExternalId(externalId string) (Room, error)
	CreateMessage(msg Message) (Message, error)
	GetMessages(roomId, after, before, limit int) ([]Message, error)
	CreateNotification(params CreateNotificationParams) (Notification, error)
	ListNotifications(accountId int) ([]Notification, error)
}
