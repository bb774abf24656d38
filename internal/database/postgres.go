package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

type PgGatherlyRepository struct {
	conn *sql.DB
}

func NewPgGatherlyRepository(dsn string) (*PgGatherlyRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgGatherlyRepository{conn: db}, nil
}

func (db *PgGatherlyRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *PgGatherlyRepository) Ping() error {
	return db.conn.Ping()
}

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation, used to detect concurrent create races on rooms and
// participants.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (db *PgGatherlyRepository) CreateAccount(params CreateAccountParams) (User, error) {
	row := db.conn.QueryRow(
		"INSERT INTO accounts (username, email, password_hash, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING id, username, email, is_admin, created_at",
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := row.Scan(&u.Id, &u.Username, &u.EmailAddress, &u.IsAdmin, &u.CreatedAt)
	return u, err
}

func (db *PgGatherlyRepository) GetAccountById(accountId int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, is_admin, created_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		accountId,
	)

	var u User
	err := row.Scan(&u.Id, &u.Username, &u.EmailAddress, &u.IsAdmin, &u.CreatedAt)
	return u, err
}

func (db *PgGatherlyRepository) GetAccountByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, password_hash, is_admin, created_at FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var u User
	err := row.Scan(&u.Id, &u.Username, &u.EmailAddress, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt)
	return u, err
}

func (db *PgGatherlyRepository) ListAccounts() ([]User, error) {
	rows, err := db.conn.Query("SELECT id, username, email, is_admin FROM accounts ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Id, &u.Username, &u.EmailAddress, &u.IsAdmin); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

func (db *PgGatherlyRepository) CreateEvent(params CreateEventParams) (Event, error) {
	row := db.conn.QueryRow(
		"INSERT INTO events (external_id, title, description, location, starts_at, ends_at, organizer_id, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8) "+
			"RETURNING id, external_id, title, description, location, starts_at, ends_at, organizer_id, created_at",
		params.ExternalId,
		params.Title,
		params.Description,
		params.Location,
		params.StartsAt,
		params.EndsAt,
		params.OrganizerId,
		time.Now().UTC(),
	)

	var e Event
	err := row.Scan(
		&e.Id, &e.ExternalId, &e.Title, &e.Description, &e.Location,
		&e.StartsAt, &e.EndsAt, &e.OrganizerId, &e.CreatedAt,
	)
	return e, err
}

func (db *PgGatherlyRepository) GetEventById(eventId int) (Event, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, title, description, location, starts_at, ends_at, organizer_id, created_at FROM events "+
			"WHERE id = $1 LIMIT 1",
		eventId,
	)

	var e Event
	err := row.Scan(
		&e.Id, &e.ExternalId, &e.Title, &e.Description, &e.Location,
		&e.StartsAt, &e.EndsAt, &e.OrganizerId, &e.CreatedAt,
	)
	return e, err
}

func (db *PgGatherlyRepository) GetEventByExternalId(externalId string) (Event, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, title, description, location, starts_at, ends_at, organizer_id, created_at FROM events "+
			"WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var e Event
	err := row.Scan(
		&e.Id, &e.ExternalId, &e.Title, &e.Description, &e.Location,
		&e.StartsAt, &e.EndsAt, &e.OrganizerId, &e.CreatedAt,
	)
	return e, err
}

func (db *PgGatherlyRepository) ListEventsForAccount(accountId int) ([]Event, error) {
	rows, err := db.conn.Query(
		"SELECT DISTINCT e.id, e.external_id, e.title, e.description, e.location, e.starts_at, e.ends_at, e.organizer_id, e.created_at "+
			"FROM events e "+
			"LEFT JOIN participants p ON e.id = p.event_id "+
			"WHERE e.organizer_id = $1 OR p.account_id = $1 "+
			"ORDER BY e.starts_at",
		accountId,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.Id, &e.ExternalId, &e.Title, &e.Description, &e.Location,
			&e.StartsAt, &e.EndsAt, &e.OrganizerId, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

func (db *PgGatherlyRepository) CreateParticipant(eventId, accountId int, status string) (Participant, error) {
	row := db.conn.QueryRow(
		"WITH inserted AS ("+
			"INSERT INTO participants (event_id, account_id, status, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) "+
			"RETURNING id, event_id, account_id, status, created_at, updated_at"+
			") SELECT i.id, i.event_id, i.account_id, a.username, i.status, i.created_at, i.updated_at "+
			"FROM inserted i JOIN accounts a ON i.account_id = a.id",
		eventId,
		accountId,
		status,
		time.Now().UTC(),
	)

	var p Participant
	err := row.Scan(&p.Id, &p.EventId, &p.AccountId, &p.Username, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (db *PgGatherlyRepository) GetParticipant(eventId, accountId int) (Participant, error) {
	row := db.conn.QueryRow(
		"SELECT p.id, p.event_id, p.account_id, a.username, p.status, p.created_at, p.updated_at "+
			"FROM participants p JOIN accounts a ON p.account_id = a.id "+
			"WHERE p.event_id = $1 AND p.account_id = $2 LIMIT 1",
		eventId,
		accountId,
	)

	var p Participant
	err := row.Scan(&p.Id, &p.EventId, &p.AccountId, &p.Username, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (db *PgGatherlyRepository) ListParticipants(eventId int) ([]Participant, error) {
	rows, err := db.conn.Query(
		"SELECT p.id, p.event_id, p.account_id, a.username, p.status, p.created_at, p.updated_at "+
			"FROM participants p JOIN accounts a ON p.account_id = a.id "+
			"WHERE p.event_id = $1 ORDER BY a.username",
		eventId,
	)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var participants []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.Id, &p.EventId, &p.AccountId, &p.Username, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		participants = append(participants, p)
	}

	return participants, rows.Err()
}

func (db *PgGatherlyRepository) UpdateParticipantStatus(eventId, accountId int, from, to string) (Participant, error) {
	row := db.conn.QueryRow(
		"UPDATE participants SET status = $4, updated_at = $5 "+
			"WHERE event_id = $1 AND account_id = $2 AND status = $3 "+
			"RETURNING id, event_id, account_id, status, created_at, updated_at",
		eventId,
		accountId,
		from,
		to,
		time.Now().UTC(),
	)

	var p Participant
	err := row.Scan(&p.Id, &p.EventId, &p.AccountId, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (db *PgGatherlyRepository) ForceParticipantStatus(eventId, accountId int, to string) (Participant, error) {
	row := db.conn.QueryRow(
		"UPDATE participants SET status = $3, updated_at = $4 "+
			"WHERE event_id = $1 AND account_id = $2 "+
			"RETURNING id, event_id, account_id, status, created_at, updated_at",
		eventId,
		accountId,
		to,
		time.Now().UTC(),
	)

	var p Participant
	err := row.Scan(&p.Id, &p.EventId, &p.AccountId, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (db *PgGatherlyRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	row := db.conn.QueryRow(
		"INSERT INTO rooms (external_id, event_id, name, seq_id, participant_snapshot, created_at, updated_at) "+
			"VALUES ($1, $2, $3, 0, $4, $5, $5) "+
			"RETURNING id, external_id, event_id, name, seq_id, participant_snapshot, created_at, updated_at",
		params.ExternalId,
		params.EventId,
		params.Name,
		pq.Array(params.ParticipantIds),
		time.Now().UTC(),
	)

	var r Room
	err := row.Scan(&r.Id, &r.ExternalId, &r.EventId, &r.Name, &r.SeqId, pq.Array(&r.ParticipantIds), &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (db *PgGatherlyRepository) GetRoomByEventId(eventId int) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, event_id, name, seq_id, participant_snapshot, created_at, updated_at FROM rooms "+
			"WHERE event_id = $1 LIMIT 1",
		eventId,
	)

	var r Room
	err := row.Scan(&r.Id, &r.ExternalId, &r.EventId, &r.Name, &r.SeqId, pq.Array(&r.ParticipantIds), &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (db *PgGatherlyRepository) GetRoomByExternalId(externalId string) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, event_id, name, seq_id, participant_snapshot, created_at, updated_at FROM rooms "+
			"WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var r Room
	err := row.Scan(&r.Id, &r.ExternalId, &r.EventId, &r.Name, &r.SeqId, pq.Array(&r.ParticipantIds), &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// CreateMessage persists a message and advances the room's sequence counter
// in one transaction so the (room_id, seq_id) order is never left with gaps.
func (db *PgGatherlyRepository) CreateMessage(msg Message) (Message, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		"INSERT INTO messages (room_id, seq_id, account_id, correlation_id, content, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6) "+
			"RETURNING id, room_id, seq_id, account_id, correlation_id, content, created_at",
		msg.RoomId,
		msg.SeqId,
		msg.AccountId,
		msg.CorrelationId,
		msg.Content,
		msg.CreatedAt,
	)

	var saved Message
	if err := row.Scan(
		&saved.Id, &saved.RoomId, &saved.SeqId, &saved.AccountId,
		&saved.CorrelationId, &saved.Content, &saved.CreatedAt,
	); err != nil {
		return Message{}, err
	}

	if _, err := tx.Exec(
		"UPDATE rooms SET seq_id = $2, updated_at = $3 WHERE id = $1",
		msg.RoomId,
		msg.SeqId,
		time.Now().UTC(),
	); err != nil {
		return Message{}, fmt.Errorf("update room seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit: %w", err)
	}

	return saved, nil
}

func (db *PgGatherlyRepository) GetMessages(roomId, after, before, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if before <= 0 {
		before = 1<<31 - 1
	}

	rows, err := db.conn.Query(
		"SELECT id, room_id, seq_id, account_id, correlation_id, content, created_at FROM messages "+
			"WHERE room_id = $1 AND seq_id > $2 AND seq_id < $3 "+
			"ORDER BY created_at, id LIMIT $4",
		roomId,
		after,
		before,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Id, &m.RoomId, &m.SeqId, &m.AccountId, &m.CorrelationId, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (db *PgGatherlyRepository) CreateNotification(params CreateNotificationParams) (Notification, error) {
	row := db.conn.QueryRow(
		"INSERT INTO notifications (account_id, kind, event_id, actor_id, read, created_at) "+
			"VALUES ($1, $2, $3, $4, false, $5) "+
			"RETURNING id, account_id, kind, event_id, actor_id, read, created_at",
		params.AccountId,
		params.Kind,
		params.EventId,
		params.ActorId,
		time.Now().UTC(),
	)

	var n Notification
	err := row.Scan(&n.Id, &n.AccountId, &n.Kind, &n.EventId, &n.ActorId, &n.Read, &n.CreatedAt)
	return n, err
}

func (db *PgGatherlyRepository) ListNotifications(accountId int) ([]Notification, error) {
	rows, err := db.conn.Query(
		"SELECT id, account_id, kind, event_id, actor_id, read, created_at FROM notifications "+
			"WHERE account_id = $1 ORDER BY created_at DESC",
		accountId,
	)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.Id, &n.AccountId, &n.Kind, &n.EventId, &n.ActorId, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}
