package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/sru-kri/BidCraft/internal/comm"
	"github.com/sru-kri/BidCraft/internal/session"
	"github.com/sru-kri/BidCraft/internal/store"
)

// createAttempts bounds retries of room creation on a join code collision.
const createAttempts = 3

const requestTimeout = 10 * time.Second

// SessionFactory builds the room session for one socket. onChange must be
// passed through to the session.
type SessionFactory func(socketId string, onChange func(session.View)) *session.Client

type Ws struct {
	connMap    sync.Map // socketId -> *conn
	sessionMap sync.Map // socketId -> *session.Client

	newSession SessionFactory
	maxRounds  int
}

type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// gorilla connections support one concurrent writer
func (c *conn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func NewWs(newSession SessionFactory, maxRounds int) *Ws {
	return &Ws{newSession: newSession, maxRounds: maxRounds}
}

// SessionFactoryFor returns a factory building sessions on st and feed.
func SessionFactoryFor(st store.Store, feed store.Feed, opts ...session.Option) SessionFactory {
	return func(socketId string, onChange func(session.View)) *session.Client {
		all := append([]session.Option{
			session.OnChange(onChange),
			session.WithLogger(log.WithField("socket", socketId)),
		}, opts...)
		return session.NewClient(st, feed, all...)
	}
}

// StoreConnection registers a socket and opens its session.
func (s *Ws) StoreConnection(socketId string, wsConn *websocket.Conn) {
	s.connMap.Store(socketId, &conn{ws: wsConn})
	client := s.newSession(socketId, func(v session.View) {
		s.sendState(socketId, v)
	})
	s.sessionMap.Store(socketId, client)
}

func (s *Ws) getConnection(socketId string) (*conn, bool) {
	c, ok := s.connMap.Load(socketId)
	if !ok {
		return nil, false
	}
	return c.(*conn), true
}

func (s *Ws) GetSession(socketId string) (*session.Client, bool) {
	c, ok := s.sessionMap.Load(socketId)
	if !ok {
		return nil, false
	}
	return c.(*session.Client), true
}

// HandleDisconnect leaves the socket's room and forgets the socket.
func (s *Ws) HandleDisconnect(socketId string) {
	if client, ok := s.GetSession(socketId); ok {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := client.LeaveRoom(ctx); err != nil && !errors.Is(err, session.ErrNoRoom) {
			log.Errorf("Error leaving room for socket %s: %s", socketId, err)
		}
	}
	s.sessionMap.Delete(socketId)
	s.connMap.Delete(socketId)
}

// SocketMessage handles one message from a web client.
func (s *Ws) SocketMessage(socketId string, message *comm.WSMessage) {
	client, ok := s.GetSession(socketId)
	if !ok {
		log.Warnf("message for unknown socket %s", socketId)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var err error
	switch message.Type {
	case comm.TypeCreateRoom:
		err = s.handleCreateRoom(ctx, socketId, client, message)
	case comm.TypeJoinRoom:
		err = s.handleJoinRoom(ctx, client, message)
	case comm.TypeStartGame:
		err = client.StartGame(ctx)
	case comm.TypeNextRound:
		err = client.NextRound(ctx)
	case comm.TypePlay:
		err = s.handlePlay(ctx, socketId, client, message)
	case comm.TypeFinishGame:
		err = client.FinishGame(ctx)
	case comm.TypeLeaveRoom:
		err = client.LeaveRoom(ctx)
	default:
		log.Warnf("unknown event received: %s", message.Type)
		err = fmt.Errorf("unknown message type %q", message.Type)
	}

	if err != nil {
		log.WithFields(log.Fields{"socket": socketId, "type": message.Type}).Infof("request failed: %s", err)
		s.SendError(socketId, err.Error())
	}
}

func (s *Ws) handleCreateRoom(ctx context.Context, socketId string, client *session.Client, msg *comm.WSMessage) error {
	var payload comm.CreateRoomData
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return fmt.Errorf("malformed create-room payload: %w", err)
	}
	name, err := comm.CleanName(payload.Name)
	if err != nil {
		return err
	}

	var code string
	for attempt := 1; attempt <= createAttempts; attempt++ {
		code, err = client.CreateRoom(ctx, name)
		if !errors.Is(err, store.ErrCodeTaken) {
			break
		}
		log.Warnf("room code collision for socket %s, attempt %d", socketId, attempt)
	}
	if err != nil {
		return err
	}

	reply, err := comm.NewMessage(comm.TypeCreated, comm.CreatedData{Code: code})
	if err != nil {
		return err
	}
	s.send(socketId, reply)
	return nil
}

func (s *Ws) handleJoinRoom(ctx context.Context, client *session.Client, msg *comm.WSMessage) error {
	var payload comm.JoinRoomData
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return fmt.Errorf("malformed join-room payload: %w", err)
	}
	name, err := comm.CleanName(payload.Name)
	if err != nil {
		return err
	}
	return client.JoinRoom(ctx, payload.Code, name)
}

func (s *Ws) handlePlay(ctx context.Context, socketId string, client *session.Client, msg *comm.WSMessage) error {
	var payload comm.PlayData
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return fmt.Errorf("malformed play payload: %w", err)
	}
	result, err := client.Play(ctx, payload.Action)
	if err != nil {
		return err
	}
	reply, err := comm.NewMessage(comm.TypeResult, comm.ResultData{Round: result})
	if err != nil {
		return err
	}
	s.send(socketId, reply)
	return nil
}

func (s *Ws) sendState(socketId string, v session.View) {
	gameOver := session.State{Room: v.Room, Players: v.Players}.GameOver(s.maxRounds)
	msg, err := comm.NewMessage(comm.TypeState, comm.StateData{View: v, GameOver: gameOver})
	if err != nil {
		log.Errorf("Error encoding state for socket %s: %s", socketId, err)
		return
	}
	s.send(socketId, msg)
}

// SendError sends an error message back to the WebSocket client
func (s *Ws) SendError(socketId, text string) {
	s.send(socketId, comm.ErrorMessage(text))
}

// send socket message to the web client
func (s *Ws) send(socketId string, m *comm.WSMessage) {
	c, ok := s.getConnection(socketId)
	if !ok {
		return
	}
	m.SocketId = socketId
	if err := c.WriteJSON(m); err != nil {
		log.Errorf("Error writing to socket %s: %s", socketId, err)
	}
}
