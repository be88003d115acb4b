package main

import "encoding/json"

// The wire protocol is JSON text frames shaped as {"type": ..., "data": ...}.
// Inbound frames are decoded into envelope first; data is decoded per type.

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Messages coming from clients
type NewUserPayload struct {
	Username string `json:"username"`
}

type CreateLobbyPayload struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
}

type JoinLobbyPayload struct {
	LobbyID string `json:"lobbyId"`
}

type ChooseNumberPayload struct {
	GameID string `json:"gameId"`
	Chosen int    `json:"chosen"`
}

type LeaveGamePayload struct {
	GameID string `json:"gameId"`
}

type RecoverUserPayload struct {
	ID string `json:"id"`
}

// Messages sent to clients
type outMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ErrorMessage is the catch-all for unroutable or malformed frames.
type ErrorMessage struct {
	Type    string `json:"type"` // always "error"
	Message string `json:"message"`
}

// UserResponse answers new-user and confirms identity after recover-user.
type UserResponse struct {
	Error    string `json:"error,omitempty"`
	ID       string `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
}

// LobbyMemberView is one member of a lobby as shown to clients.
type LobbyMemberView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsOwner  bool   `json:"isOwner"`
}

// LobbyView is the outbound projection of a lobby.
type LobbyView struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Capacity int               `json:"capacity"`
	Clients  []LobbyMemberView `json:"clients"`
}

// LobbyResponse answers create-lobby and join-lobby.
type LobbyResponse struct {
	Error string     `json:"error,omitempty"`
	Lobby *LobbyView `json:"lobby,omitempty"`
}

// LobbyUpdate is pushed to all members when a lobby's composition changes.
type LobbyUpdate struct {
	Lobby LobbyView `json:"lobby"`
}

// LobbySummary is one row of the menu listing.
type LobbySummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Capacity [2]int `json:"capacity"` // [current, max]
}

// MenuSnapshot answers get-lobbies and is fanned out to menu subscribers.
type MenuSnapshot struct {
	Lobbies     []LobbySummary `json:"lobbies"`
	ActiveGames int            `json:"activeGames"`
}

// StartGameResponse answers start-game.
type StartGameResponse struct {
	Error  string `json:"error,omitempty"`
	GameID string `json:"gameId,omitempty"`
}

// SimpleResponse answers leave-lobby, choose-number, leave-game and recover-user.
type SimpleResponse struct {
	Error string `json:"error,omitempty"`
}

// PlayerView is one player's public game state.
type PlayerView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Board    []int  `json:"board"`
}

// GameSnapshot is the full outbound projection of a running game, sent as
// game-info after every roll and board change.
type GameSnapshot struct {
	ID           string       `json:"id"`
	Players      []PlayerView `json:"players"`
	IsOver       bool         `json:"isOver"`
	Roll         *[3]int      `json:"roll"`
	TurnPlayerID string       `json:"turnPlayerId"`
}

// WinnerRef names the winning player in a game-over broadcast.
type WinnerRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// GameOver is broadcast exactly once when a game finishes. Winner is null
// when the game ended with no players left.
type GameOver struct {
	Winner *WinnerRef `json:"winner"`
}
