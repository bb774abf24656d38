package server

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"sync"

	"github.com/gatherly/gatherly/internal/database"
	"github.com/gatherly/gatherly/internal/stats"
)

type unloadRoomRequest struct {
	roomId string
}

// ChatServer owns the set of live clients and the room actors. Each room
// for an event is loaded on first join and unloaded again after sitting
// idle.
type ChatServer struct {
	log            *log.Logger
	db             database.GatherlyRepository
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	joinChan       chan *ClientMessage
	registerChan   chan *Client
	deRegisterChan chan *Client
	unloadRoomChan chan unloadRoomRequest
	rooms          map[string]*Room
	stop           chan struct{}
	done           chan struct{}
}

func NewChatServer(logger *log.Logger, db database.GatherlyRepository, sts stats.StatsProvider) (*ChatServer, error) {
	for _, metric := range []string{
		stats.MetricActiveConnections,
		stats.MetricActiveRooms,
		stats.MetricTotalMessages,
	} {
		sts.RegisterMetric(metric)
	}

	return &ChatServer{
		log:            logger,
		db:             db,
		stats:          sts,
		joinChan:       make(chan *ClientMessage, 256),
		clients:        make(map[*Client]struct{}),
		registerChan:   make(chan *Client, 64),
		deRegisterChan: make(chan *Client, 64),
		unloadRoomChan: make(chan unloadRoomRequest, 64),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		rooms:          make(map[string]*Room),
	}, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case joinMsg := <-cs.joinChan:
			cs.handleJoinRequest(joinMsg)
		case client := <-cs.registerChan:
			cs.log.Printf("adding connection from %q", client.user.Username)
			cs.addClient(client)
			cs.stats.Incr(stats.MetricActiveConnections)
		case client := <-cs.deRegisterChan:
			cs.log.Printf("removing connection from %q", client.user.Username)
			cs.removeClient(client)
			cs.stats.Decr(stats.MetricActiveConnections)
		case req := <-cs.unloadRoomChan:
			if r, ok := cs.rooms[req.roomId]; ok {
				cs.unloadRoom(r.externalId)
				r.exit <- exitReq{}
				<-r.done
			}
		case <-cs.stop:
			cs.log.Println("shutting down rooms")
			for _, r := range cs.rooms {
				close(r.exit)
				<-r.done
			}

			close(cs.done)
			return
		}
	}
}

// handleJoinRequest routes a join to the live room actor, loading the room
// from storage on first access.
func (cs *ChatServer) handleJoinRequest(joinMsg *ClientMessage) {
	if room, ok := cs.rooms[joinMsg.Join.RoomId]; ok {
		select {
		case room.joinChan <- joinMsg:
		default:
			cs.log.Printf("join channel full on room %q", room.externalId)
			joinMsg.client.queueMessage(ErrServiceUnavailable(joinMsg.Id))
		}
		return
	}

	dbRoom, err := cs.db.GetRoomByExternalId(joinMsg.Join.RoomId)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			cs.log.Println("GetRoomByExternalId:", err)
		}
		joinMsg.client.queueMessage(ErrRoomNotFound(joinMsg.Id))
		return
	}

	event, err := cs.db.GetEventById(dbRoom.EventId)
	if err != nil {
		cs.log.Println("GetEventById:", err)
		joinMsg.client.queueMessage(ErrInternalError(joinMsg.Id))
		return
	}

	room := newRoom(cs, dbRoom, event.OrganizerId)
	cs.rooms[room.externalId] = room
	cs.stats.Incr(stats.MetricActiveRooms)
	room.joinChan <- joinMsg

	go room.start()
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c] = struct{}{}
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	delete(cs.clients, c)
}

// RegisterClient hands a freshly upgraded connection to the server loop.
func (cs *ChatServer) RegisterClient(c *Client) {
	cs.registerChan <- c
}

func (cs *ChatServer) unloadRoom(roomId string) {
	if r, ok := cs.rooms[roomId]; ok {
		cs.log.Printf("removing room %q", r.externalId)
		delete(cs.rooms, roomId)
		cs.stats.Decr(stats.MetricActiveRooms)
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")
	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	close(cs.stop)

	select {
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
