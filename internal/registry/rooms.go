package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/gatherly/gatherly/internal/database"
	"github.com/gatherly/gatherly/internal/types"
	"github.com/teris-io/shortid"
)

// Rooms maps each event to exactly one chat room, created lazily on first
// access. The rooms.event_id unique constraint is the compare-and-create
// primitive: under concurrent first access one insert wins and every other
// caller refetches the winning row.
type Rooms struct {
	log   *log.Logger
	db    database.GatherlyRepository
	idGen func() (string, error)
}

func NewRooms(logger *log.Logger, db database.GatherlyRepository) *Rooms {
	return &Rooms{
		log:   logger,
		db:    db,
		idGen: shortid.Generate,
	}
}

func roomFromDB(r database.Room) types.Room {
	participantIds := make([]int, len(r.ParticipantIds))
	for i, id := range r.ParticipantIds {
		participantIds[i] = int(id)
	}

	return types.Room{
		Id:             r.Id,
		ExternalId:     r.ExternalId,
		EventId:        r.EventId,
		Name:           r.Name,
		SeqId:          r.SeqId,
		ParticipantIds: participantIds,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// GetOrCreate returns the event's room, creating it on first access with a
// snapshot of the participant ids known at creation time. Safe under
// concurrent callers: all of them receive the same room.
func (rr *Rooms) GetOrCreate(event types.Event, participantIds []int) (types.Room, error) {
	room, err := rr.db.GetRoomByEventId(event.Id)
	if err == nil {
		return roomFromDB(room), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return types.Room{}, fmt.Errorf("get room: %w", err)
	}

	sid, err := rr.idGen()
	if err != nil {
		return types.Room{}, fmt.Errorf("generate room id: %w", err)
	}

	created, err := rr.db.CreateRoom(database.CreateRoomParams{
		ExternalId:     sid,
		EventId:        event.Id,
		Name:           event.Title,
		ParticipantIds: participantIds,
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			// lost the create race, use the winner
			rr.log.Printf("room for event %d created concurrently", event.Id)
			winner, getErr := rr.db.GetRoomByEventId(event.Id)
			if getErr != nil {
				return types.Room{}, fmt.Errorf("refetch room after %w: %v", &ConflictError{Resource: "room"}, getErr)
			}
			return roomFromDB(winner), nil
		}
		return types.Room{}, fmt.Errorf("create room: %w", err)
	}

	rr.log.Printf("created room %q for event %d", created.ExternalId, event.Id)
	return roomFromDB(created), nil
}

// ForEvent returns the event's room without ever creating one.
func (rr *Rooms) ForEvent(eventId int) (types.Room, error) {
	room, err := rr.db.GetRoomByEventId(eventId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Room{}, &NotFoundError{Resource: "room", Key: fmt.Sprintf("event %d", eventId)}
		}
		return types.Room{}, fmt.Errorf("get room: %w", err)
	}

	return roomFromDB(room), nil
}
