package server

import (
	"database/sql"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gatherly/gatherly/internal/database"
	"github.com/gatherly/gatherly/internal/stats"
	"github.com/gatherly/gatherly/internal/types"
)

const idleRoomTimeout = time.Minute * 5

type exitReq struct{}

// Room is the live actor for one event's chat room. All room state is owned
// by the start loop; clients talk to it exclusively through channels.
type Room struct {
	id          int
	externalId  string
	eventId     int
	organizerId int
	cs          *ChatServer
	joinChan    chan *ClientMessage
	leaveChan   chan *ClientMessage
	publishChan chan *ClientMessage
	seqId       int
	clients     map[*Client]struct{}
	userMap     map[int]map[*Client]struct{}
	clientLock  sync.RWMutex
	log         *log.Logger
	// killTimer unloads the room after it has been idle for a while
	killTimer *time.Timer
	exit      chan exitReq
	done      chan struct{}
}

func newRoom(cs *ChatServer, dbRoom database.Room, organizerId int) *Room {
	return &Room{
		id:          dbRoom.Id,
		externalId:  dbRoom.ExternalId,
		eventId:     dbRoom.EventId,
		organizerId: organizerId,
		cs:          cs,
		joinChan:    make(chan *ClientMessage, 256),
		leaveChan:   make(chan *ClientMessage, 256),
		publishChan: make(chan *ClientMessage, 256),
		seqId:       dbRoom.SeqId,
		clients:     make(map[*Client]struct{}),
		userMap:     make(map[int]map[*Client]struct{}),
		log:         cs.log,
		exit:        make(chan exitReq),
		done:        make(chan struct{}),
	}
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.externalId)
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leaveMsg := <-r.leaveChan:
			r.handleLeave(leaveMsg)
		case msg := <-r.publishChan:
			r.saveAndBroadcast(msg)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case <-r.exit:
			r.handleRoomExit()
			close(r.done)
			return
		}
	}
}

// canJoin enforces room access: the event's organizer, an admin, or an
// accepted participant. Invited and declined participants are turned away.
func (r *Room) canJoin(user types.User) bool {
	if user.IsAdmin || user.Id == r.organizerId {
		return true
	}

	p, err := r.cs.db.GetParticipant(r.eventId, user.Id)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			r.log.Println("GetParticipant:", err)
		}
		return false
	}

	return types.ParticipantStatus(p.Status) == types.StatusAccepted
}

func (r *Room) handleJoin(join *ClientMessage) {
	// stop the kill timer since we have a join in flight
	r.killTimer.Stop()

	c := join.client
	if !r.canJoin(c.user) {
		r.log.Printf("denying %q access to room %q", c.user.Username, r.externalId)
		c.queueMessage(ErrForbidden(join.Id))
		if len(r.clients) == 0 {
			r.killTimer.Reset(idleRoomTimeout)
		}
		return
	}

	r.addClient(c)

	roomInfo := types.Room{
		Id:         r.id,
		ExternalId: r.externalId,
		EventId:    r.eventId,
		SeqId:      r.seqId,
	}
	c.queueMessage(NoErrOK(join.Id, roomInfo))

	// notify other clients the user is present
	r.broadcast(&ServerMessage{
		Notification: &Notification{
			Presence: &Presence{
				Present: true,
				RoomId:  r.externalId,
				UserId:  c.user.Id,
			},
		},
		SkipClient: c,
	})
}

func (r *Room) handleLeave(leaveMsg *ClientMessage) {
	client := leaveMsg.client
	r.removeClient(client)

	if leaveMsg.GetUserId() != 0 {
		client.queueMessage(NoErrOK(leaveMsg.Id, nil))
	}

	// announce offline once the user has no remaining sessions in the room
	if r.userMap[client.user.Id] == nil {
		r.broadcast(&ServerMessage{
			Notification: &Notification{
				Presence: &Presence{
					Present: false,
					RoomId:  r.externalId,
					UserId:  client.user.Id,
				},
			},
			SkipClient: client,
		})
	}
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %q timed out", r.externalId)
	select {
	case r.cs.unloadRoomChan <- unloadRoomRequest{roomId: r.externalId}:
	default:
		// server busy, try again on the next idle period
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) handleRoomExit() {
	r.log.Printf("room %q is exiting", r.externalId)

	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.externalId)
	}
	r.clientLock.Unlock()
}

// saveAndBroadcast persists an inbound message under the next sequence id
// and fans it out to every client in the room, including the sender, whose
// copy carries the correlation id it submitted.
func (r *Room) saveAndBroadcast(msg *ClientMessage) {
	if _, ok := r.getClient(msg.client); !ok {
		msg.client.queueMessage(ErrForbidden(msg.Id))
		return
	}

	saved, err := r.cs.db.CreateMessage(database.Message{
		SeqId:         r.seqId + 1,
		RoomId:        r.id,
		AccountId:     msg.client.user.Id,
		CorrelationId: msg.Publish.CorrelationId,
		Content:       msg.Publish.Content,
		CreatedAt:     msg.Timestamp,
	})
	if err != nil {
		r.log.Println("error saving message:", err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	r.seqId++
	r.cs.stats.Incr(stats.MetricTotalMessages)
	msg.client.queueMessage(NoErrAccepted(msg.Id))

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{
			Id:        msg.Id,
			Timestamp: saved.CreatedAt,
		},
		Message: &types.Message{
			Id:            saved.Id,
			SeqId:         saved.SeqId,
			RoomId:        r.id,
			UserId:        saved.AccountId,
			CorrelationId: saved.CorrelationId,
			Content:       saved.Content,
			CreatedAt:     saved.CreatedAt,
		},
	})
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}

	c.addRoom(r)
}

func (r *Room) getClient(c *Client) (*Client, bool) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	_, ok := r.clients[c]
	if !ok {
		return nil, false
	}
	return c, true
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.delRoom(r.externalId)

	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.externalId)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) broadcast(msg *ServerMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = Now()
	}

	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}

		client.queueMessage(msg)
	}
}
