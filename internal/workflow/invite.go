package workflow

import (
	"fmt"
	"log"

	"github.com/gatherly/gatherly/internal/database"
	"github.com/gatherly/gatherly/internal/registry"
	"github.com/gatherly/gatherly/internal/types"
	"github.com/samber/lo"
)

// NotificationRecorder is the collaborator that records a notification for
// later delivery. The workflow only records; rendering and delivery live
// elsewhere.
type NotificationRecorder interface {
	CreateNotification(params database.CreateNotificationParams) (database.Notification, error)
}

// InviteWorkflow orchestrates invitation issuance and RSVP responses:
// registry mutation first, then lazy room creation, then notification
// records. Room creation and notification failures degrade gracefully; once
// the registry mutation has succeeded the operation reports success.
type InviteWorkflow struct {
	log          *log.Logger
	participants *registry.Participants
	rooms        *registry.Rooms
	notify       NotificationRecorder
}

func NewInviteWorkflow(logger *log.Logger, participants *registry.Participants, rooms *registry.Rooms, notify NotificationRecorder) *InviteWorkflow {
	return &InviteWorkflow{
		log:          logger,
		participants: participants,
		rooms:        rooms,
		notify:       notify,
	}
}

// Invite adds the given users to the event as invited and returns the set
// actually added. The event's room is created here if it does not exist
// yet; if that fails the invite still succeeds and room creation is retried
// lazily on the next chat access.
func (w *InviteWorkflow) Invite(caller types.User, event types.Event, userIds []int) ([]types.Participant, error) {
	added, err := w.participants.Invite(caller, event, userIds)
	if err != nil {
		return nil, fmt.Errorf("invite: %w", err)
	}

	if len(added) > 0 {
		all, err := w.participants.List(event.Id)
		if err != nil {
			w.log.Printf("list participants for room snapshot: %v", err)
			all = added
		}

		participantIds := lo.Map(all, func(p types.Participant, _ int) int { return p.User.Id })
		if _, err := w.rooms.GetOrCreate(event, participantIds); err != nil {
			// tolerated: the room is created lazily on next chat access
			w.log.Printf("create room for event %d: %v", event.Id, err)
		}
	}

	for _, p := range added {
		_, err := w.notify.CreateNotification(database.CreateNotificationParams{
			AccountId: p.User.Id,
			Kind:      string(types.NotificationInvited),
			EventId:   event.Id,
			ActorId:   caller.Id,
		})
		if err != nil {
			w.log.Printf("record invite notification for %d: %v", p.User.Id, err)
		}
	}

	return added, nil
}

// Respond records the caller's RSVP and notifies the organizer.
func (w *InviteWorkflow) Respond(caller types.User, event types.Event, status types.ParticipantStatus) (types.Participant, error) {
	p, err := w.participants.Respond(caller, event, status)
	if err != nil {
		return types.Participant{}, fmt.Errorf("respond: %w", err)
	}

	kind := types.NotificationAccepted
	if status == types.StatusDeclined {
		kind = types.NotificationDeclined
	}

	if _, err := w.notify.CreateNotification(database.CreateNotificationParams{
		AccountId: event.OrganizerId,
		Kind:      string(kind),
		EventId:   event.Id,
		ActorId:   caller.Id,
	}); err != nil {
		w.log.Printf("record rsvp notification for %d: %v", event.OrganizerId, err)
	}

	return p, nil
}
