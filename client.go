package main

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one live websocket connection. id starts as a fresh identity
// token and is swapped when the client recovers a previous identity; it is
// only touched from the connection's read loop.
type Client struct {
	conn *websocket.Conn
	send chan any
	id   string
}

// trySend queues a message for delivery, dropping it if the connection's
// buffer is full. Sends are fire-and-forget; a dead connection is reconciled
// through the disconnect path, never through send errors.
func (c *Client) trySend(msg any) {
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (c *Client) readPump(cfg *Config, state *State) {
	defer func() {
		// Once the closure is reconciled no registry references this client,
		// so nothing can send on the channel anymore.
		state.HandleSocketClosure(c.id, c)
		close(c.send)
		_ = c.conn.Close()
	}()

	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}

		c.handleMessage(cfg, state, env)
		state.CleanupGames()
	}
}

// handleMessage routes one inbound frame to a coordinator operation and sends
// back the response. A panic while processing is converted to a generic error
// response; the connection stays alive.
func (c *Client) handleMessage(cfg *Config, state *State, env envelope) {
	defer func() {
		if r := recover(); r != nil {
			logf(cfg, "WS: Recovered from panic handling %q: %v", env.Type, r)
			c.trySend(ErrorMessage{Type: "error", Message: "server error"})
		}
	}()

	switch env.Type {
	case "subscribe-to-menu-updates":
		state.SubscribeToMenu(c)

	case "new-user":
		var pl NewUserPayload
		if err := json.Unmarshal(env.Data, &pl); err != nil {
			c.trySend(outMessage{Type: "new-user-response", Data: UserResponse{Error: "malformed payload"}})
			return
		}
		state.CreateUser(c.id, pl.Username, c)
		c.trySend(outMessage{Type: "new-user-response", Data: UserResponse{ID: c.id, Username: pl.Username}})

	case "create-lobby":
		var pl CreateLobbyPayload
		if err := json.Unmarshal(env.Data, &pl); err != nil {
			c.trySend(outMessage{Type: "create-lobby-response", Data: LobbyResponse{Error: "malformed payload"}})
			return
		}
		lobby, err := state.CreateLobby(c.id, pl.Name, pl.Capacity)
		if err != nil {
			c.trySend(outMessage{Type: "create-lobby-response", Data: LobbyResponse{Error: err.Error()}})
			return
		}
		c.trySend(outMessage{Type: "create-lobby-response", Data: LobbyResponse{Lobby: lobby}})

	case "join-lobby":
		var pl JoinLobbyPayload
		if err := json.Unmarshal(env.Data, &pl); err != nil {
			c.trySend(outMessage{Type: "join-lobby-response", Data: LobbyResponse{Error: "malformed payload"}})
			return
		}
		lobby, err := state.JoinLobby(pl.LobbyID, c.id)
		if err != nil {
			c.trySend(outMessage{Type: "join-lobby-response", Data: LobbyResponse{Error: err.Error()}})
			return
		}
		c.trySend(outMessage{Type: "join-lobby-response", Data: LobbyResponse{Lobby: lobby}})

	case "leave-lobby":
		state.LeaveCurrentLobby(c.id)
		c.trySend(outMessage{Type: "leave-lobby-response", Data: SimpleResponse{}})

	case "start-game":
		gameID, err := state.StartGame(c.id)
		if err != nil {
			c.trySend(outMessage{Type: "start-game-response", Data: StartGameResponse{Error: err.Error()}})
			return
		}
		c.trySend(outMessage{Type: "start-game-response", Data: StartGameResponse{GameID: gameID}})

	case "choose-number":
		var pl ChooseNumberPayload
		if err := json.Unmarshal(env.Data, &pl); err != nil {
			c.trySend(outMessage{Type: "choose-number-response", Data: SimpleResponse{Error: "malformed payload"}})
			return
		}
		accepted, err := state.ChooseNumber(pl.GameID, c.id, pl.Chosen)
		switch {
		case err != nil:
			c.trySend(outMessage{Type: "choose-number-response", Data: SimpleResponse{Error: err.Error()}})
		case !accepted:
			c.trySend(outMessage{Type: "choose-number-response", Data: SimpleResponse{Error: "invalid choice"}})
		default:
			c.trySend(outMessage{Type: "choose-number-response", Data: SimpleResponse{}})
		}

	case "leave-game":
		var pl LeaveGamePayload
		if err := json.Unmarshal(env.Data, &pl); err != nil {
			c.trySend(outMessage{Type: "leave-game-response", Data: SimpleResponse{Error: "malformed payload"}})
			return
		}
		if err := state.LeaveGame(pl.GameID, c.id); err != nil {
			c.trySend(outMessage{Type: "leave-game-response", Data: SimpleResponse{Error: err.Error()}})
			return
		}
		c.trySend(outMessage{Type: "leave-game-response", Data: SimpleResponse{}})

	case "get-lobbies":
		c.trySend(outMessage{Type: "get-lobbies-response", Data: state.MenuSnapshot()})

	case "recover-user":
		var pl RecoverUserPayload
		if err := json.Unmarshal(env.Data, &pl); err != nil {
			c.trySend(outMessage{Type: "recover-user-response", Data: SimpleResponse{Error: "malformed payload"}})
			return
		}
		res := state.RecoverConnection(pl.ID, c)
		if !res.OK {
			c.trySend(outMessage{Type: "recover-user-response", Data: SimpleResponse{Error: ErrUnknownUser.Error()}})
			return
		}
		c.id = pl.ID
		c.trySend(outMessage{Type: "new-user-response", Data: UserResponse{ID: pl.ID, Username: res.Username}})
		if res.Lobby != nil {
			c.trySend(outMessage{Type: "lobby-update", Data: LobbyUpdate{Lobby: *res.Lobby}})
		}
		if res.Game != nil {
			c.trySend(outMessage{Type: "game-info", Data: *res.Game})
		}
		c.trySend(outMessage{Type: "recover-user-response", Data: SimpleResponse{}})

	default:
		c.trySend(ErrorMessage{Type: "error", Message: "unknown message type"})
	}
}

// serveWS upgrades the connection and runs its pumps. Each connection starts
// out under a fresh identity token; recover-user can later re-bind it.
func serveWS(cfg *Config, state *State) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "WS: Upgrade error from %s: %v", realIP(r), err)
			return
		}

		c := &Client{
			conn: conn,
			send: make(chan any, 32),
			id:   uuid.NewString(),
		}

		logf(cfg, "WS: New connection from %s", realIP(r))

		go c.writePump()
		c.readPump(cfg, state)
	}
}
