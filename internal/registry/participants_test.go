package registry

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/gatherly/gatherly/internal/database"
	"github.com/gatherly/gatherly/internal/testutil"
	"github.com/gatherly/gatherly/internal/types"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

var (
	organizer = types.User{Id: 10, Username: "organizer"}
	stranger  = types.User{Id: 99, Username: "stranger"}
	testEvent = types.Event{Id: 1, ExternalId: "evt1", Title: "standup", OrganizerId: 10}
)

func TestInvite(t *testing.T) {
	t.Run("organizer invites new users", func(t *testing.T) {
		mockDB := &database.MockGatherlyRepository{}
		pr := NewParticipants(testutil.TestLogger(t), mockDB)

		mockDB.On("GetParticipant", testEvent.Id, organizer.Id).Return(database.Participant{}, sql.ErrNoRows)
		mockDB.On("GetParticipant", testEvent.Id, 2).Return(database.Participant{}, sql.ErrNoRows)
		mockDB.On("GetParticipant", testEvent.Id, 3).Return(database.Participant{}, sql.ErrNoRows)
		mockDB.On("CreateParticipant", testEvent.Id, 2, "invited").
			Return(database.Participant{Id: 1, EventId: testEvent.Id, AccountId: 2, Username: "alice", Status: "invited"}, nil)
		mockDB.On("CreateParticipant", testEvent.Id, 3, "invited").
			Return(database.Participant{Id: 2, EventId: testEvent.Id, AccountId: 3, Username: "bob", Status: "invited"}, nil)

		added, err := pr.Invite(organizer, testEvent, []int{2, 3})
		assert.NoError(t, err)
		assert.Len(t, added, 2)
		assert.Equal(t, types.StatusInvited, added[0].Status)
		assert.Equal(t, "alice", added[0].User.Username, "invited participants carry the account username")
		mockDB.AssertExpectations(t)
	})

	t.Run("duplicate ids are collapsed", func(t *testing.T) {
		mockDB := &database.MockGatherlyRepository{}
		pr := NewParticipants(testutil.TestLogger(t), mockDB)

		mockDB.On("GetParticipant", testEvent.Id, organizer.Id).Return(database.Participant{}, sql.ErrNoRows)
		mockDB.On("GetParticipant", testEvent.Id, 2).Return(database.Participant{}, sql.ErrNoRows).Once()
		mockDB.On("CreateParticipant", testEvent.Id, 2, "invited").
			Return(database.Participant{Id: 1, EventId: testEvent.Id, AccountId: 2, Status: "invited"}, nil).Once()

		added, err := pr.Invite(organizer, testEvent, []int{2, 2, 2})
		assert.NoError(t, err)
		assert.Len(t, added, 1)
		mockDB.AssertExpectations(t)
	})

	t.Run("existing record is skipped regardless of status", func(t *testing.T) {
		mockDB := &database.MockGatherlyRepository{}
		pr := NewParticipants(testutil.TestLogger(t), mockDB)

		mockDB.On("GetParticipant", testEvent.Id, organizer.Id).Return(database.Participant{}, sql.ErrNoRows)
		mockDB.On("GetParticipant", testEvent.Id, 2).
			Return(database.Participant{Id: 1, EventId: testEvent.Id, AccountId: 2, Status: "declined"}, nil)

		added, err := pr.Invite(organizer, testEvent, []int{2})
		assert.NoError(t, err)
		assert.Empty(t, added)
		mockDB.AssertNotCalled(t, "CreateParticipant")
	})

	t.Run("concurrent invite race is tolerated", func(t *testing.T) {
		mockDB := &database.MockGatherlyRepository{}
		pr := NewParticipants(testutil.TestLogger(t), mockDB)

		mockDB.On("GetParticipant", testEvent.Id, organizer.Id).Return(database.Participant{}, sql.ErrNoRows)
		mockDB.On("GetParticipant", testEvent.Id, 2).Return(database.Participant{}, sql.ErrNoRows)
		mockDB.On("CreateParticipant", testEvent.Id, 2, "invited").
			Return(database.Participant{}, &pq.Error{Code: "23505"})

		added, err := pr.Invite(organizer, testEvent, []int{2})
		assert.NoError(t, err)
		assert.Empty(t, added)
	})

	t.Run("mid-batch failure keeps earlier invites and retry converges", func(t *testing.T) {
		mockDB := &database.MockGatherlyRepository{}
		pr := NewParticipants(testutil.TestLogger(t), mockDB)

		mockDB.On("GetParticipant", testEvent.Id, organizer.Id).Return(database.Participant{}, sql.ErrNoRows)
		mockDB.On("GetParticipant", testEvent.Id, 2).Return(database.Participant{}, sql.ErrNoRows).Once()
		mockDB.On("CreateParticipant", testEvent.Id, 2, "invited").
			Return(database.Participant{Id: 1, EventId: testEvent.Id, AccountId: 2, Status: "invited"}, nil).Once()
		mockDB.On("GetParticipant", testEvent.Id, 3).Return(database.Participant{}, sql.ErrNoRows).Once()
		mockDB.On("CreateParticipant", testEvent.Id, 3, "invited").
			Return(database.Participant{}, errors.New("db down")).Once()

		added, err := pr.Invite(organizer, testEvent, []int{2, 3})
		assert.Error(t, err)
		assert.Len(t, added, 1, "the invite persisted before the failure is reported")

		// the retry skips the user already invited and picks up the rest
		mockDB.On("GetParticipant", testEvent.Id, 2).
			Return(database.Participant{Id: 1, EventId: testEvent.Id, AccountId: 2, Status: "invited"}, nil).Once()
		mockDB.On("GetParticipant", testEvent.Id, 3).Return(database.Participant{}, sql.ErrNoRows).Once()
		mockDB.On("CreateParticipant", testEvent.Id, 3, "invited").
			Return(database.Participant{Id: 2, EventId: testEvent.Id, AccountId: 3, Status: "invited"}, nil).Once()

		added, err = pr.Invite(organizer, testEvent, []int{2, 3})
		assert.NoError(t, err)
		assert.Len(t, added, 1)
		assert.Equal(t, 3, added[0].User.Id)
		mockDB.AssertExpectations(t)
	})

	t.Run("non-organizer is forbidden", func(t *testing.T) {
		mockDB := &database.MockGatherlyRepository{}
		pr := NewParticipants(testutil.TestLogger(t), mockDB)

		mockDB.On("GetParticipant", testEvent.Id, stranger.Id).Return(database.Participant{}, sql.ErrNoRows)

		_, err := pr.Invite(stranger, testEvent, []int{2})
		var authErr *AuthorizationError
		assert.ErrorAs(t, err, &authErr)
		mockDB.AssertNotCalled(t, "CreateParticipant")
	})

	t.Run("admin may invite on any event", func(t *testing.T) {
		mockDB := &database.MockGatherlyRepository{}
		pr := NewParticipants(testutil.TestLogger(t), mockDB)

		admin := types.User{Id: 50, IsAdmin: true}
		mockDB.On("GetParticipant", testEvent.Id, admin.Id).Return(database.Participant{}, sql.ErrNoRows)
		mockDB.On("GetParticipant", testEvent.Id, 2).Return(database.Participant{}, sql.ErrNoRows)
		mockDB.On("CreateParticipant", testEvent.Id, 2, "invited").
			Return(database.Participant{Id: 1, EventId: testEvent.Id, AccountId: 2, Status: "invited"}, nil)

		added, err := pr.Invite(admin, testEvent, []int{2})
		assert.NoError(t, err)
		assert.Len(t, added, 1)
	})

	t.Run("empty id list is invalid", func(t *testing.T) {
		mockDB := &database.MockGatherlyRepository{}
		pr := NewParticipants(testutil.TestLogger(t), mockDB)

		mockDB.On("GetParticipant", testEvent.Id, organizer.Id).Return(database.Participant{}, sql.ErrNoRows)

		_, err := pr.Invite(organizer, testEvent, nil)
		var valErr *ValidationError
		assert.ErrorAs(t, err, &valErr)
	})
}

func TestRespond(t *testing.T) {
	invitee := types.User{Id: 2, Username: "invitee"}

	t.Run("invited accepts", func(t *testing.T) {
		mockDB := &database.MockGatherlyRepository{}
		pr := NewParticipants(testutil.TestLogger(t), mockDB)

		mockDB.On("GetParticipant", testEvent.Id, invitee.Id).
			Return(database.Participant{Id: 1, EventId: testEvent.Id, AccountId: invitee.Id, Status: "invited"}, nil)
		mockDB.On("UpdateParticipantStatus", testEvent.Id, invitee.Id, "invited", "accepted").
			Return(database.Participant{Id: 1, EventId: testEvent.Id, AccountId: invitee.Id, Status: "accepted"}, nil)

		p, err := pr.Respond(invitee, testEvent, types.StatusAccepted)
		assert.NoError(t, err)
		assert.Equal(t, types.StatusAccepted, p.Status)
	})

	t.Run("accepted declines", func(t *testing.T) {
		mockDB := &database.MockGatherlyRepository{}
		pr := NewParticipants(testutil.TestLogger(t), mockDB)

		mockDB.On("GetParticipant", testEvent.Id, invitee.Id).
			Return(database.Participant{Id: 1, EventId: testEvent.Id, AccountId: invitee.Id, Status: "accepted"}, nil)
		mockDB.On("UpdateParticipantStatus", testEvent.Id, invitee.Id, "accepted", "declined").
			Return(database.Participant{Id: 1, EventId: testEvent.Id, AccountId: invitee.Id, Status: "declined"}, nil)

		p, err := pr.Respond(invitee, testEvent, types.StatusDeclined)
		assert.NoError(t, err)
		assert.Equal(t, types.StatusDeclined, p.Status)
	})

	t.Run("repeating the current status is rejected", func(t *testing.T) {
		mockDB := &database.MockGatherlyRepository{}
		pr := NewParticipants(testutil.TestLogger(t), mockDB)

		mockDB.On("GetParticipant", testEvent.Id, invitee.Id).
			Return(database.Participant{Id: 1, EventId: testEvent.Id, AccountId: invitee.Id, Status: "accepted"}, nil)

		_, err := pr.Respond(invitee, testEvent, types.StatusAccepted)
		var transErr *InvalidTransitionError
		assert.ErrorAs(t, err, &transErr)
		assert.Equal(t, types.StatusAccepted, transErr.From)
		mockDB.AssertNotCalled(t, "UpdateParticipantStatus")
	})

	t.Run("declined is terminal", func(t *testing.T) {
		mockDB := &database.MockGatherlyRepository{}
		pr := NewParticipants(testutil.TestLogger(t), mockDB)

		mockDB.On("GetParticipant", testEvent.Id, invitee.Id).
			Return(database.Participant{Id: 1, EventId: testEvent.Id, AccountId: invitee.Id, Status: "declined"}, nil)

		_, err := pr.Respond(invitee, testEvent, types.StatusAccepted)
		var transErr *InvalidTransitionError
		assert.ErrorAs(t, err, &transErr)
	})

	t.Run("no record means not invited", func(t *testing.T) {
		mockDB := &database.MockGatherlyRepository{}
		pr := NewParticipants(testutil.TestLogger(t), mockDB)

		mockDB.On("GetParticipant", testEvent.Id, invitee.Id).Return(database.Participant{}, sql.ErrNoRows)

		_, err := pr.Respond(invitee, testEvent, types.StatusAccepted)
		var notFound *NotFoundError
		assert.ErrorAs(t, err, &notFound)
	})

	t.Run("invited is not a response", func(t *testing.T) {
		mockDB := &database.MockGatherlyRepository{}
		pr := NewParticipants(testutil.TestLogger(t), mockDB)

		_, err := pr.Respond(invitee, testEvent, types.StatusInvited)
		var valErr *ValidationError
		assert.ErrorAs(t, err, &valErr)
		mockDB.AssertNotCalled(t, "GetParticipant")
	})

	t.Run("concurrent change retries once", func(t *testing.T) {
		mockDB := &database.MockGatherlyRepository{}
		pr := NewParticipants(testutil.TestLogger(t), mockDB)

		// first read sees invited, but the swap misses because another
		// writer moved the record; the reread sees accepted and the
		// decline succeeds
		mockDB.On("GetParticipant", testEvent.Id, invitee.Id).
			Return(database.Participant{Id: 1, EventId: testEvent.Id, AccountId: invitee.Id, Status: "invited"}, nil).Once()
		mockDB.On("UpdateParticipantStatus", testEvent.Id, invitee.Id, "invited", "declined").
			Return(database.Participant{}, sql.ErrNoRows).Once()
		mockDB.On("GetParticipant", testEvent.Id, invitee.Id).
			Return(database.Participant{Id: 1, EventId: testEvent.Id, AccountId: invitee.Id, Status: "accepted"}, nil).Once()
		mockDB.On("UpdateParticipantStatus", testEvent.Id, invitee.Id, "accepted", "declined").
			Return(database.Participant{Id: 1, EventId: testEvent.Id, AccountId: invitee.Id, Status: "declined"}, nil).Once()

		p, err := pr.Respond(invitee, testEvent, types.StatusDeclined)
		assert.NoError(t, err)
		assert.Equal(t, types.StatusDeclined, p.Status)
		mockDB.AssertExpectations(t)
	})

	t.Run("second miss gives up", func(t *testing.T) {
		mockDB := &database.MockGatherlyRepository{}
		pr := NewParticipants(testutil.TestLogger(t), mockDB)

		mockDB.On("GetParticipant", testEvent.Id, invitee.Id).
			Return(database.Participant{Id: 1, EventId: testEvent.Id, AccountId: invitee.Id, Status: "invited"}, nil)
		mockDB.On("UpdateParticipantStatus", testEvent.Id, invitee.Id, "invited", "accepted").
			Return(database.Participant{}, sql.ErrNoRows)

		_, err := pr.Respond(invitee, testEvent, types.StatusAccepted)
		var conflict *ConflictError
		assert.ErrorAs(t, err, &conflict)
	})
}

func TestReject(t *testing.T) {
	t.Run("organizer rejects an accepted participant", func(t *testing.T) {
		mockDB := &database.MockGatherlyRepository{}
		pr := NewParticipants(testutil.TestLogger(t), mockDB)

		mockDB.On("GetParticipant", testEvent.Id, organizer.Id).Return(database.Participant{}, sql.ErrNoRows)
		mockDB.On("GetParticipant", testEvent.Id, 2).
			Return(database.Participant{Id: 1, EventId: testEvent.Id, AccountId: 2, Status: "accepted"}, nil)
		mockDB.On("ForceParticipantStatus", testEvent.Id, 2, "declined").
			Return(database.Participant{Id: 1, EventId: testEvent.Id, AccountId: 2, Status: "declined"}, nil)

		p, err := pr.Reject(organizer, testEvent, 2)
		assert.NoError(t, err)
		assert.Equal(t, types.StatusDeclined, p.Status)
	})

	t.Run("already declined is a no-op", func(t *testing.T) {
		mockDB := &database.MockGatherlyRepository{}
		pr := NewParticipants(testutil.TestLogger(t), mockDB)

		mockDB.On("GetParticipant", testEvent.Id, organizer.Id).Return(database.Participant{}, sql.ErrNoRows)
		mockDB.On("GetParticipant", testEvent.Id, 2).
			Return(database.Participant{Id: 1, EventId: testEvent.Id, AccountId: 2, Status: "declined"}, nil)

		p, err := pr.Reject(organizer, testEvent, 2)
		assert.NoError(t, err)
		assert.Equal(t, types.StatusDeclined, p.Status)
		mockDB.AssertNotCalled(t, "ForceParticipantStatus")
	})

	t.Run("participants cannot reject others", func(t *testing.T) {
		mockDB := &database.MockGatherlyRepository{}
		pr := NewParticipants(testutil.TestLogger(t), mockDB)

		mockDB.On("GetParticipant", testEvent.Id, stranger.Id).
			Return(database.Participant{Id: 5, EventId: testEvent.Id, AccountId: stranger.Id, Status: "accepted"}, nil)

		_, err := pr.Reject(stranger, testEvent, 2)
		var authErr *AuthorizationError
		assert.ErrorAs(t, err, &authErr)
	})
}

func TestReinvite(t *testing.T) {
	t.Run("declined participant becomes invited again", func(t *testing.T) {
		mockDB := &database.MockGatherlyRepository{}
		pr := NewParticipants(testutil.TestLogger(t), mockDB)

		mockDB.On("GetParticipant", testEvent.Id, organizer.Id).Return(database.Participant{}, sql.ErrNoRows)
		mockDB.On("UpdateParticipantStatus", testEvent.Id, 2, "declined", "invited").
			Return(database.Participant{Id: 1, EventId: testEvent.Id, AccountId: 2, Status: "invited"}, nil)

		p, err := pr.Reinvite(organizer, testEvent, 2)
		assert.NoError(t, err)
		assert.Equal(t, types.StatusInvited, p.Status)
	})

	t.Run("only declined can be reinvited", func(t *testing.T) {
		mockDB := &database.MockGatherlyRepository{}
		pr := NewParticipants(testutil.TestLogger(t), mockDB)

		mockDB.On("GetParticipant", testEvent.Id, organizer.Id).Return(database.Participant{}, sql.ErrNoRows)
		mockDB.On("UpdateParticipantStatus", testEvent.Id, 2, "declined", "invited").
			Return(database.Participant{}, sql.ErrNoRows)
		mockDB.On("GetParticipant", testEvent.Id, 2).
			Return(database.Participant{Id: 1, EventId: testEvent.Id, AccountId: 2, Status: "accepted"}, nil)

		_, err := pr.Reinvite(organizer, testEvent, 2)
		var transErr *InvalidTransitionError
		assert.ErrorAs(t, err, &transErr)
		assert.Equal(t, types.StatusAccepted, transErr.From)
	})

	t.Run("unknown participant", func(t *testing.T) {
		mockDB := &database.MockGatherlyRepository{}
		pr := NewParticipants(testutil.TestLogger(t), mockDB)

		mockDB.On("GetParticipant", testEvent.Id, organizer.Id).Return(database.Participant{}, sql.ErrNoRows)
		mockDB.On("UpdateParticipantStatus", testEvent.Id, 2, "declined", "invited").
			Return(database.Participant{}, sql.ErrNoRows)
		mockDB.On("GetParticipant", testEvent.Id, 2).
			Return(database.Participant{}, sql.ErrNoRows)

		_, err := pr.Reinvite(organizer, testEvent, 2)
		var notFound *NotFoundError
		assert.ErrorAs(t, err, &notFound)
	})

	t.Run("requires invite privilege", func(t *testing.T) {
		mockDB := &database.MockGatherlyRepository{}
		pr := NewParticipants(testutil.TestLogger(t), mockDB)

		mockDB.On("GetParticipant", testEvent.Id, stranger.Id).Return(database.Participant{}, sql.ErrNoRows)

		_, err := pr.Reinvite(stranger, testEvent, 2)
		var authErr *AuthorizationError
		assert.ErrorAs(t, err, &authErr)
		mockDB.AssertNotCalled(t, "UpdateParticipantStatus")
	})
}

func TestListAvailable(t *testing.T) {
	mockDB := &database.MockGatherlyRepository{}
	pr := NewParticipants(testutil.TestLogger(t), mockDB)

	mockDB.On("ListAccounts").Return([]database.User{
		{Id: 10, Username: "organizer"},
		{Id: 2, Username: "taken"},
		{Id: 3, Username: "free"},
	}, nil)
	mockDB.On("ListParticipants", testEvent.Id).Return([]database.Participant{
		{Id: 1, EventId: testEvent.Id, AccountId: 2, Status: "declined"},
	}, nil)

	available, err := pr.ListAvailable(testEvent)
	assert.NoError(t, err)
	assert.Len(t, available, 1)
	assert.Equal(t, 3, available[0].Id)
}
