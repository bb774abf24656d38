package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/gatherly/gatherly/internal/database"
	"github.com/gatherly/gatherly/internal/types"
	"github.com/samber/lo"
)

// Participants owns participant records and the RSVP state machine:
// invited -> accepted, invited -> declined, accepted -> declined.
// Declined is terminal; only an explicit Reinvite moves a declined
// participant back to invited.
type Participants struct {
	log *log.Logger
	db  database.GatherlyRepository
}

func NewParticipants(logger *log.Logger, db database.GatherlyRepository) *Participants {
	return &Participants{log: logger, db: db}
}

func participantFromDB(p database.Participant) types.Participant {
	return types.Participant{
		Id:      p.Id,
		EventId: p.EventId,
		User: types.User{
			Id:       p.AccountId,
			Username: p.Username,
		},
		Status:    types.ParticipantStatus(p.Status),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

// RoleOn derives the caller's role on the event from the latest registry
// state.
func (pr *Participants) RoleOn(caller types.User, event types.Event) (Role, error) {
	p, err := pr.db.GetParticipant(event.Id, caller.Id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RoleFor(caller, event, nil), nil
		}
		return RoleNone, fmt.Errorf("get participant: %w", err)
	}

	tp := participantFromDB(p)
	return RoleFor(caller, event, &tp), nil
}

// Invite creates invited records for the given users and returns the set
// actually added. Users who already hold a record on the event, whatever
// its status, are skipped, so the call is idempotent per (event, user).
// Records are created one at a time: a mid-batch storage failure leaves
// the users already invited in place and returns the error, and a retry
// of the same batch converges without duplicating anyone.
func (pr *Participants) Invite(caller types.User, event types.Event, userIds []int) ([]types.Participant, error) {
	role, err := pr.RoleOn(caller, event)
	if err != nil {
		return nil, err
	}
	if !Allowed(role, ActionInvite) {
		return nil, &AuthorizationError{Role: role, Action: ActionInvite}
	}
	if len(userIds) == 0 {
		return nil, &ValidationError{Field: "user_ids", Reason: "empty"}
	}

	var added []types.Participant
	for _, userId := range lo.Uniq(userIds) {
		if _, err := pr.db.GetParticipant(event.Id, userId); err == nil {
			continue
		} else if !errors.Is(err, sql.ErrNoRows) {
			return added, fmt.Errorf("get participant: %w", err)
		}

		p, err := pr.db.CreateParticipant(event.Id, userId, string(types.StatusInvited))
		if err != nil {
			if database.IsUniqueViolation(err) {
				// a concurrent invite won the race, which leaves the
				// record this call wanted anyway
				pr.log.Printf("participant %d already invited to event %d", userId, event.Id)
				continue
			}
			return added, fmt.Errorf("create participant: %w", err)
		}

		added = append(added, participantFromDB(p))
	}

	return added, nil
}

// Respond records the caller's RSVP on the event. The participant record
// must already exist; responding never creates one. Responding with the
// current status is rejected with InvalidTransitionError.
func (pr *Participants) Respond(caller types.User, event types.Event, status types.ParticipantStatus) (types.Participant, error) {
	if status != types.StatusAccepted && status != types.StatusDeclined {
		return types.Participant{}, &ValidationError{Field: "status", Reason: fmt.Sprintf("%q is not a valid response", status)}
	}

	// one retry when a concurrent writer invalidates the compare-and-swap
	for attempt := 0; ; attempt++ {
		current, err := pr.db.GetParticipant(event.Id, caller.Id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return types.Participant{}, &NotFoundError{Resource: "participant", Key: fmt.Sprintf("%d/%d", event.Id, caller.Id)}
			}
			return types.Participant{}, fmt.Errorf("get participant: %w", err)
		}

		from := types.ParticipantStatus(current.Status)
		if !validTransition(from, status) {
			return types.Participant{}, &InvalidTransitionError{From: from, To: status}
		}

		updated, err := pr.db.UpdateParticipantStatus(event.Id, caller.Id, string(from), string(status))
		if err == nil {
			return participantFromDB(updated), nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return types.Participant{}, fmt.Errorf("update participant: %w", err)
		}
		if attempt > 0 {
			return types.Participant{}, fmt.Errorf("update participant: %w", &ConflictError{Resource: "participant"})
		}
		pr.log.Printf("participant %d/%d changed concurrently, retrying", event.Id, caller.Id)
	}
}

// Reject forces a participant to declined regardless of current status.
// An already-declined record is left unchanged.
func (pr *Participants) Reject(caller types.User, event types.Event, userId int) (types.Participant, error) {
	role, err := pr.RoleOn(caller, event)
	if err != nil {
		return types.Participant{}, err
	}
	if !Allowed(role, ActionReject) {
		return types.Participant{}, &AuthorizationError{Role: role, Action: ActionReject}
	}

	current, err := pr.db.GetParticipant(event.Id, userId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Participant{}, &NotFoundError{Resource: "participant", Key: fmt.Sprintf("%d/%d", event.Id, userId)}
		}
		return types.Participant{}, fmt.Errorf("get participant: %w", err)
	}

	if types.ParticipantStatus(current.Status) == types.StatusDeclined {
		return participantFromDB(current), nil
	}

	updated, err := pr.db.ForceParticipantStatus(event.Id, userId, string(types.StatusDeclined))
	if err != nil {
		return types.Participant{}, fmt.Errorf("force participant status: %w", err)
	}

	return participantFromDB(updated), nil
}

// Reinvite moves a declined participant back to invited. It is the only
// path out of declined and requires the same privilege as Invite.
func (pr *Participants) Reinvite(caller types.User, event types.Event, userId int) (types.Participant, error) {
	role, err := pr.RoleOn(caller, event)
	if err != nil {
		return types.Participant{}, err
	}
	if !Allowed(role, ActionReinvite) {
		return types.Participant{}, &AuthorizationError{Role: role, Action: ActionReinvite}
	}

	updated, err := pr.db.UpdateParticipantStatus(event.Id, userId, string(types.StatusDeclined), string(types.StatusInvited))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			current, getErr := pr.db.GetParticipant(event.Id, userId)
			if getErr != nil {
				return types.Participant{}, &NotFoundError{Resource: "participant", Key: fmt.Sprintf("%d/%d", event.Id, userId)}
			}
			return types.Participant{}, &InvalidTransitionError{
				From: types.ParticipantStatus(current.Status),
				To:   types.StatusInvited,
			}
		}
		return types.Participant{}, fmt.Errorf("update participant: %w", err)
	}

	return participantFromDB(updated), nil
}

// List returns the event's participants from the latest registry state.
func (pr *Participants) List(eventId int) ([]types.Participant, error) {
	dbParts, err := pr.db.ListParticipants(eventId)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}

	return lo.Map(dbParts, func(p database.Participant, _ int) types.Participant {
		return participantFromDB(p)
	}), nil
}

// ListAvailable returns all known users who hold no participant record on
// the event and are not its organizer, i.e. the invite candidates. The
// result is computed per call; nothing is cached.
func (pr *Participants) ListAvailable(event types.Event) ([]types.User, error) {
	accounts, err := pr.db.ListAccounts()
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	participants, err := pr.db.ListParticipants(event.Id)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}

	taken := lo.SliceToMap(participants, func(p database.Participant) (int, struct{}) {
		return p.AccountId, struct{}{}
	})

	available := lo.Reject(accounts, func(u database.User, _ int) bool {
		_, ok := taken[u.Id]
		return ok || u.Id == event.OrganizerId
	})

	return lo.Map(available, func(u database.User, _ int) types.User {
		return types.User{Id: u.Id, Username: u.Username, EmailAddress: u.EmailAddress}
	}), nil
}

func validTransition(from, to types.ParticipantStatus) bool {
	switch from {
	case types.StatusInvited:
		return to == types.StatusAccepted || to == types.StatusDeclined
	case types.StatusAccepted:
		// accepting twice is a no-op the state machine refuses; leaving is
		// modelled as accepted -> declined
		return to == types.StatusDeclined
	default:
		return false
	}
}
