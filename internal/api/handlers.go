package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gatherly/gatherly/internal/database"
	"github.com/gatherly/gatherly/internal/registry"
	"github.com/gatherly/gatherly/internal/server"
	"github.com/gatherly/gatherly/internal/types"
	"github.com/gorilla/websocket"
)

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Username string `json:"username" validate:"required,min=2,max=64"`
	Password string `json:"password" validate:"required,min=8"`
}

type CreateEventRequest struct {
	Title       string    `json:"title" validate:"required,max=255"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	StartsAt    time.Time `json:"starts_at" validate:"required"`
	EndsAt      time.Time `json:"ends_at" validate:"required,gtfield=StartsAt"`
}

type InviteRequest struct {
	EventId string `json:"event_id" validate:"required"`
	UserIds []int  `json:"user_ids" validate:"required,min=1,dive,gt=0"`
}

type RsvpRequest struct {
	EventId string `json:"event_id" validate:"required"`
	Status  string `json:"status" validate:"required,oneof=accepted declined"`
}

type ParticipantRequest struct {
	EventId string `json:"event_id" validate:"required"`
	UserId  int    `json:"user_id" validate:"required,gt=0"`
}

func (s *App) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

// decodeAndValidate decodes the request body into v and runs struct
// validation on it.
func (s *App) decodeAndValidate(r *http.Request, v interface{}) *ApiError {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return NewBadRequestError()
	}

	if err := s.validate.Struct(v); err != nil {
		return &ApiError{StatusCode: http.StatusBadRequest, Message: err.Error()}
	}

	return nil
}

func (s *App) currentUser(r *http.Request) (types.User, *ApiError) {
	userId, ok := UserId(r.Context())
	if !ok {
		return types.User{}, NewUnauthorizedError()
	}

	user, err := s.db.GetAccountById(userId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, NewNotFoundError()
		}
		return types.User{}, NewInternalServerError(err)
	}

	return userFromDB(user), nil
}

func (s *App) eventByExternalId(externalId string) (types.Event, *ApiError) {
	if externalId == "" {
		return types.Event{}, NewBadRequestError()
	}

	event, err := s.db.GetEventByExternalId(externalId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Event{}, NewNotFoundError()
		}
		return types.Event{}, NewInternalServerError(err)
	}

	return eventFromDB(event), nil
}

func userFromDB(u database.User) types.User {
	return types.User{
		Id:           u.Id,
		Username:     u.Username,
		EmailAddress: u.EmailAddress,
		IsAdmin:      u.IsAdmin,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func eventFromDB(e database.Event) types.Event {
	return types.Event{
		Id:          e.Id,
		ExternalId:  e.ExternalId,
		Title:       e.Title,
		Description: e.Description,
		Location:    e.Location,
		StartsAt:    e.StartsAt,
		EndsAt:      e.EndsAt,
		OrganizerId: e.OrganizerId,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func (s *App) healthCheck(w http.ResponseWriter, _ *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Println("health check:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *App) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if errResp := s.decodeAndValidate(r, &req); errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	newUser, err := s.db.CreateAccount(database.CreateAccountParams{
		Username:     req.Username,
		EmailAddress: req.Email,
		PasswordHash: pwdHash,
	})
	if err != nil {
		var errResp *ApiError
		if database.IsUniqueViolation(err) {
			errResp = NewConflictError("email already registered")
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, userFromDB(newUser))
}

func (s *App) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if errResp := s.decodeAndValidate(r, &lr); errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbUser, err := s.db.GetAccountByEmail(lr.Email)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !verifyPassword(dbUser.PasswordHash, lr.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	u := userFromDB(dbUser)

	token, err := s.createJwtForSession(u, defaultJwtExpiration)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))

	// non-browser clients read the token from the body and attach it as a
	// bearer credential on the live channel
	s.writeJson(w, http.StatusOK, map[string]any{
		"user":  u,
		"token": token,
	})
}

func (s *App) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired token
	http.SetCookie(w, createJwtCookie("", time.Duration(time.Unix(0, 0).Unix())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *App) session(w http.ResponseWriter, r *http.Request) {
	user, errResp := s.currentUser(r)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, user)
}

func (s *App) createEvent(w http.ResponseWriter, r *http.Request) {
	user, errResp := s.currentUser(r)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateEventRequest
	if errResp := s.decodeAndValidate(r, &req); errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sid, err := s.generateId()
	if err != nil {
		s.log.Println("generate event id:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	event, err := s.db.CreateEvent(database.CreateEventParams{
		ExternalId:  sid,
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
		StartsAt:    req.StartsAt,
		EndsAt:      req.EndsAt,
		OrganizerId: user.Id,
	})
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, eventFromDB(event))
}

func (s *App) getEvents(w http.ResponseWriter, r *http.Request) {
	user, errResp := s.currentUser(r)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if externalId := r.URL.Query().Get("id"); externalId != "" {
		event, errResp := s.eventByExternalId(externalId)
		if errResp != nil {
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		participants, err := s.participants.List(event.Id)
		if err != nil {
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		event.Participants = participants

		role, err := s.participants.RoleOn(user, event)
		if err != nil {
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		if role == registry.RoleNone {
			errResp := NewForbiddenError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		s.writeJson(w, http.StatusOK, event)
		return
	}

	dbEvents, err := s.db.ListEventsForAccount(user.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	events := make([]types.Event, 0, len(dbEvents))
	for _, e := range dbEvents {
		events = append(events, eventFromDB(e))
	}

	s.writeJson(w, http.StatusOK, events)
}

func (s *App) invite(w http.ResponseWriter, r *http.Request) {
	user, errResp := s.currentUser(r)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req InviteRequest
	if errResp := s.decodeAndValidate(r, &req); errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	event, errResp := s.eventByExternalId(req.EventId)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	added, err := s.invites.Invite(user, event, req.UserIds)
	if err != nil {
		errResp := fromRegistryError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if added == nil {
		added = []types.Participant{}
	}
	s.writeJson(w, http.StatusOK, added)
}

func (s *App) rsvp(w http.ResponseWriter, r *http.Request) {
	user, errResp := s.currentUser(r)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req RsvpRequest
	if errResp := s.decodeAndValidate(r, &req); errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	event, errResp := s.eventByExternalId(req.EventId)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	participant, err := s.invites.Respond(user, event, types.ParticipantStatus(req.Status))
	if err != nil {
		errResp := fromRegistryError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, participant)
}

func (s *App) rejectParticipant(w http.ResponseWriter, r *http.Request) {
	user, errResp := s.currentUser(r)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req ParticipantRequest
	if errResp := s.decodeAndValidate(r, &req); errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	event, errResp := s.eventByExternalId(req.EventId)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	participant, err := s.participants.Reject(user, event, req.UserId)
	if err != nil {
		errResp := fromRegistryError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, participant)
}

func (s *App) reinviteParticipant(w http.ResponseWriter, r *http.Request) {
	user, errResp := s.currentUser(r)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req ParticipantRequest
	if errResp := s.decodeAndValidate(r, &req); errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	event, errResp := s.eventByExternalId(req.EventId)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	participant, err := s.participants.Reinvite(user, event, req.UserId)
	if err != nil {
		errResp := fromRegistryError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, participant)
}

func (s *App) availableUsers(w http.ResponseWriter, r *http.Request) {
	user, errResp := s.currentUser(r)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	event, errResp := s.eventByExternalId(r.URL.Query().Get("event_id"))
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	role, err := s.participants.RoleOn(user, event)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if !registry.Allowed(role, registry.ActionInvite) {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	available, err := s.participants.ListAvailable(event)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if available == nil {
		available = []types.User{}
	}
	s.writeJson(w, http.StatusOK, available)
}

// getRoom returns the event's room, creating it on first chat access.
func (s *App) getRoom(w http.ResponseWriter, r *http.Request) {
	user, errResp := s.currentUser(r)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	event, errResp := s.eventByExternalId(r.URL.Query().Get("event_id"))
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	role, err := s.participants.RoleOn(user, event)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if role == registry.RoleNone {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	participants, err := s.participants.List(event.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	participantIds := make([]int, 0, len(participants))
	for _, p := range participants {
		participantIds = append(participantIds, p.User.Id)
	}

	room, err := s.rooms.GetOrCreate(event, participantIds)
	if err != nil {
		errResp := fromRegistryError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *App) getMessages(w http.ResponseWriter, r *http.Request) {
	user, errResp := s.currentUser(r)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	externalId := r.URL.Query().Get("room_id")
	if externalId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.db.GetRoomByExternalId(externalId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbEvent, err := s.db.GetEventById(room.EventId)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	role, err := s.participants.RoleOn(user, eventFromDB(dbEvent))
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if !registry.Allowed(role, registry.ActionRead) {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var before, after, limit int
	for param, dst := range map[string]*int{
		"before": &before,
		"after":  &after,
		"limit":  &limit,
	} {
		if str := r.URL.Query().Get(param); str != "" {
			val, err := strconv.Atoi(str)
			if err != nil {
				errResp := NewBadRequestError()
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
			*dst = val
		}
	}

	// history reads are retried once on transient failure
	messages, err := s.db.GetMessages(room.Id, after, before, limit)
	if err != nil {
		s.log.Println("get messages, retrying:", err)
		messages, err = s.db.GetMessages(room.Id, after, before, limit)
	}
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	userMessages := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		userMessages = append(userMessages, types.Message{
			Id:            msg.Id,
			SeqId:         msg.SeqId,
			RoomId:        msg.RoomId,
			UserId:        msg.AccountId,
			CorrelationId: msg.CorrelationId,
			Content:       msg.Content,
			CreatedAt:     msg.CreatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, userMessages)
}

func (s *App) getNotifications(w http.ResponseWriter, r *http.Request) {
	user, errResp := s.currentUser(r)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbNotifications, err := s.db.ListNotifications(user.Id)
	if err != nil {
		s.log.Println("list notifications, retrying:", err)
		dbNotifications, err = s.db.ListNotifications(user.Id)
	}
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	notifications := make([]types.Notification, 0, len(dbNotifications))
	for _, n := range dbNotifications {
		notifications = append(notifications, types.Notification{
			Id:        n.Id,
			Kind:      types.NotificationKind(n.Kind),
			EventId:   n.EventId,
			ActorId:   n.ActorId,
			Read:      n.Read,
			CreatedAt: n.CreatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, notifications)
}

func (s *App) serveWs(w http.ResponseWriter, r *http.Request) {
	user, errResp := s.currentUser(r)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(user, conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
