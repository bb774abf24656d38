package registry

import (
	"github.com/gatherly/gatherly/internal/types"
)

// Role is the caller's relationship to an event.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleOrganizer   Role = "organizer"
	RoleParticipant Role = "participant"
	RoleInvitee     Role = "invitee"
	RoleNone        Role = "none"
)

// Action is an operation gated by a capability check.
type Action string

const (
	ActionInvite   Action = "invite"
	ActionReject   Action = "reject"
	ActionReinvite Action = "reinvite"
	ActionRespond  Action = "respond"
	ActionRead     Action = "read"
	ActionPost     Action = "post"
)

// capabilities is the single role-to-action table consulted by the registry
// and the invite workflow. The server-side check on join/publish is the
// authoritative one; any client-side role check is advisory only.
var capabilities = map[Role]map[Action]bool{
	RoleAdmin: {
		ActionInvite:   true,
		ActionReject:   true,
		ActionReinvite: true,
		ActionRead:     true,
		ActionPost:     true,
	},
	RoleOrganizer: {
		ActionInvite:   true,
		ActionReject:   true,
		ActionReinvite: true,
		ActionRead:     true,
		ActionPost:     true,
	},
	RoleParticipant: {
		ActionRespond: true,
		ActionRead:    true,
		ActionPost:    true,
	},
	RoleInvitee: {
		ActionRespond: true,
	},
}

// Allowed reports whether a caller with the given role may perform action.
func Allowed(role Role, action Action) bool {
	return capabilities[role][action]
}

// RoleFor derives the caller's role on an event. participant may be nil
// when the caller has no record on the event.
func RoleFor(caller types.User, event types.Event, participant *types.Participant) Role {
	switch {
	case caller.IsAdmin:
		return RoleAdmin
	case caller.Id == event.OrganizerId:
		return RoleOrganizer
	case participant != nil && participant.Status == types.StatusAccepted:
		return RoleParticipant
	case participant != nil:
		return RoleInvitee
	default:
		return RoleNone
	}
}
