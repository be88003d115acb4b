package main

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func testState(cfg *Config) *State {
	s := NewState(cfg)
	s.rollDice = func() [3]int { return [3]int{2, 4, 6} }
	s.pickFirst = func(int) int { return 0 }
	return s
}

func addUser(s *State, id, username string) *Client {
	c := testClient()
	s.CreateUser(id, username, c)
	return c
}

// twoPlayerGame registers two users, runs them through a lobby, and starts a
// game with the owner as the active player.
func twoPlayerGame(t *testing.T, s *State) (gameID, lobbyID string, owner, joiner *Client) {
	t.Helper()

	owner = addUser(s, "owner", "alice")
	joiner = addUser(s, "joiner", "bob")

	lobby, err := s.CreateLobby("owner", "test lobby", 2)
	if err != nil {
		t.Fatalf("CreateLobby: %v", err)
	}
	lobbyID = lobby.ID

	if _, err := s.JoinLobby(lobbyID, "joiner"); err != nil {
		t.Fatalf("JoinLobby: %v", err)
	}

	gameID, err = s.StartGame("owner")
	if err != nil {
		t.Fatalf("StartGame: %v", err)
	}

	drainQueued(owner)
	drainQueued(joiner)

	return gameID, lobbyID, owner, joiner
}

func TestCreateLobbyValidation(t *testing.T) {
	tests := []struct {
		name     string
		ownerID  string
		lobby    string
		capacity int
		wantErr  error
	}{
		{"unknown owner", "nobody", "room", 4, ErrUnknownOwner},
		{"empty name", "owner", "", 4, ErrInvalidName},
		{"whitespace name", "owner", "   ", 4, ErrInvalidName},
		{"name too long", "owner", strings.Repeat("x", 33), 4, ErrInvalidName},
		{"capacity too low", "owner", "room", 0, ErrInvalidCapacity},
		{"capacity too high", "owner", "room", 17, ErrInvalidCapacity},
		{"valid", "owner", "room", 16, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := testState(testConfig())
			addUser(s, "owner", "alice")

			lobby, err := s.CreateLobby(tc.ownerID, tc.lobby, tc.capacity)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("CreateLobby error = %v, want %v", err, tc.wantErr)
			}
			if tc.wantErr != nil {
				return
			}
			if len(lobby.Clients) != 1 || !lobby.Clients[0].IsOwner {
				t.Errorf("new lobby members = %+v, want the owner alone", lobby.Clients)
			}
		})
	}
}

func TestJoinLobby(t *testing.T) {
	s := testState(testConfig())
	owner := addUser(s, "owner", "alice")
	addUser(s, "joiner", "bob")

	lobby, err := s.CreateLobby("owner", "room", 2)
	if err != nil {
		t.Fatalf("CreateLobby: %v", err)
	}

	if _, err := s.JoinLobby("missing", "joiner"); !errors.Is(err, ErrLobbyNotFound) {
		t.Errorf("join of missing lobby = %v, want %v", err, ErrLobbyNotFound)
	}
	if _, err := s.JoinLobby(lobby.ID, "nobody"); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("join by unknown user = %v, want %v", err, ErrUnknownUser)
	}

	view, err := s.JoinLobby(lobby.ID, "joiner")
	if err != nil {
		t.Fatalf("JoinLobby: %v", err)
	}
	if len(view.Clients) != 2 || view.Clients[1].IsOwner {
		t.Errorf("lobby members = %+v, want owner plus one non-owner", view.Clients)
	}

	addUser(s, "late", "carol")
	if _, err := s.JoinLobby(lobby.ID, "late"); !errors.Is(err, ErrLobbyFull) {
		t.Errorf("join of full lobby = %v, want %v", err, ErrLobbyFull)
	}

	if got := countQueued(owner, "lobby-update"); got == 0 {
		t.Error("owner never notified of the join")
	}
}

func TestLeaveLobbyTransfersOwnership(t *testing.T) {
	s := testState(testConfig())
	addUser(s, "owner", "alice")
	joiner := addUser(s, "joiner", "bob")

	lobby, err := s.CreateLobby("owner", "room", 4)
	if err != nil {
		t.Fatalf("CreateLobby: %v", err)
	}
	if _, err := s.JoinLobby(lobby.ID, "joiner"); err != nil {
		t.Fatalf("JoinLobby: %v", err)
	}
	drainQueued(joiner)

	s.LeaveLobby(lobby.ID, "owner")

	s.mu.Lock()
	l := s.lobbies[lobby.ID]
	if l == nil || len(l.members) != 1 || !l.members[0].isOwner || l.members[0].id != "joiner" {
		t.Errorf("lobby after owner left = %+v, want joiner as sole owner", l)
	}
	s.mu.Unlock()

	if got := countQueued(joiner, "lobby-update"); got == 0 {
		t.Error("remaining member never notified of the ownership change")
	}
}

func TestEmptyLobbyReapedAfterGrace(t *testing.T) {
	cfg := testConfig()
	cfg.lobbyGrace = 30 * time.Millisecond

	s := testState(cfg)
	addUser(s, "owner", "alice")

	lobby, err := s.CreateLobby("owner", "room", 4)
	if err != nil {
		t.Fatalf("CreateLobby: %v", err)
	}

	s.LeaveLobby(lobby.ID, "owner")

	if !s.LobbyExists(lobby.ID) {
		t.Fatal("emptied lobby deleted before the grace period")
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.LobbyExists(lobby.ID) {
		if time.Now().After(deadline) {
			t.Fatal("emptied lobby never reaped")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJoinDuringGraceCancelsReap(t *testing.T) {
	cfg := testConfig()
	cfg.lobbyGrace = 40 * time.Millisecond

	s := testState(cfg)
	addUser(s, "owner", "alice")
	addUser(s, "joiner", "bob")

	lobby, err := s.CreateLobby("owner", "room", 4)
	if err != nil {
		t.Fatalf("CreateLobby: %v", err)
	}

	s.LeaveLobby(lobby.ID, "owner")
	if _, err := s.JoinLobby(lobby.ID, "joiner"); err != nil {
		t.Fatalf("JoinLobby during grace: %v", err)
	}

	time.Sleep(4 * cfg.lobbyGrace)

	if !s.LobbyExists(lobby.ID) {
		t.Fatal("re-populated lobby was reaped anyway")
	}
}

func TestStartGameRequiresOwnership(t *testing.T) {
	s := testState(testConfig())
	addUser(s, "owner", "alice")
	addUser(s, "joiner", "bob")

	lobby, err := s.CreateLobby("owner", "room", 2)
	if err != nil {
		t.Fatalf("CreateLobby: %v", err)
	}
	if _, err := s.JoinLobby(lobby.ID, "joiner"); err != nil {
		t.Fatalf("JoinLobby: %v", err)
	}

	if _, err := s.StartGame("joiner"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("StartGame by non-owner = %v, want %v", err, ErrNotOwner)
	}
	if _, err := s.StartGame("nobody"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("StartGame by stranger = %v, want %v", err, ErrNotOwner)
	}
}

func TestStartGameConsumesLobby(t *testing.T) {
	s := testState(testConfig())

	owner := addUser(s, "owner", "alice")
	joiner := addUser(s, "joiner", "bob")

	lobby, err := s.CreateLobby("owner", "room", 2)
	if err != nil {
		t.Fatalf("CreateLobby: %v", err)
	}
	if _, err := s.JoinLobby(lobby.ID, "joiner"); err != nil {
		t.Fatalf("JoinLobby: %v", err)
	}
	drainQueued(owner)
	drainQueued(joiner)

	gameID, err := s.StartGame("owner")
	if err != nil {
		t.Fatalf("StartGame: %v", err)
	}
	if gameID == "" {
		t.Fatal("StartGame returned an empty game id")
	}

	if s.LobbyExists(lobby.ID) {
		t.Error("lobby still listed after the game started")
	}
	if snap := s.MenuSnapshot(); snap.ActiveGames != 1 || len(snap.Lobbies) != 0 {
		t.Errorf("menu = %+v, want one active game and no lobbies", snap)
	}
	if got := countQueued(owner, "game-info"); got == 0 {
		t.Error("owner never received the opening game state")
	}
	if got := countQueued(joiner, "game-info"); got == 0 {
		t.Error("joiner never received the opening game state")
	}
}

func TestChooseNumberUnknownGame(t *testing.T) {
	s := testState(testConfig())
	addUser(s, "owner", "alice")

	if _, err := s.ChooseNumber("missing", "owner", 12); !errors.Is(err, ErrGameNotFound) {
		t.Errorf("ChooseNumber on missing game = %v, want %v", err, ErrGameNotFound)
	}
}

func TestChooseNumberAdvancesGame(t *testing.T) {
	s := testState(testConfig())
	gameID, _, owner, joiner := twoPlayerGame(t, s)

	accepted, err := s.ChooseNumber(gameID, "owner", 12)
	if err != nil || !accepted {
		t.Fatalf("ChooseNumber = (%v, %v), want accepted", accepted, err)
	}

	s.mu.Lock()
	snap := s.games[gameID].snapshotLocked()
	s.mu.Unlock()

	if snap.TurnPlayerID != "joiner" {
		t.Errorf("turn now belongs to %s, want joiner", snap.TurnPlayerID)
	}
	if got := snap.Players[0].Board; len(got) != 1 || got[0] != 12 {
		t.Errorf("owner board = %v, want [12]", got)
	}
	if got := countQueued(owner, "game-info"); got == 0 {
		t.Error("owner never received the updated game state")
	}
	if got := countQueued(joiner, "game-info"); got == 0 {
		t.Error("joiner never received the updated game state")
	}
}

func TestLeaveGameRestoresLobby(t *testing.T) {
	s := testState(testConfig())
	gameID, lobbyID, owner, joiner := twoPlayerGame(t, s)

	if err := s.LeaveGame(gameID, "joiner"); err != nil {
		t.Fatalf("LeaveGame: %v", err)
	}

	if got := countQueued(owner, "game-over"); got != 1 {
		t.Errorf("owner received %d game-over messages, want 1", got)
	}

	// Both participants are still connected, so the pre-game lobby comes back
	// with its original composition.
	if !s.LobbyExists(lobbyID) {
		t.Fatal("lobby not restored after the game ended")
	}

	s.mu.Lock()
	l := s.lobbies[lobbyID]
	members := len(l.members)
	ownerOK := l.members[0].id == "owner" && l.members[0].isOwner
	_, gameLive := s.games[gameID]
	s.mu.Unlock()

	if members != 2 || !ownerOK {
		t.Errorf("restored lobby has %d members (owner first: %v), want both with alice owning", members, ownerOK)
	}
	if gameLive {
		t.Error("finished game still in the live registry")
	}
	if got := countQueued(joiner, "lobby-update"); got == 0 {
		t.Error("joiner never notified of the restored lobby")
	}
}

func TestSocketClosureMidGame(t *testing.T) {
	cfg := testConfig()
	cfg.identityGrace = 40 * time.Millisecond

	s := testState(cfg)
	gameID, lobbyID, owner, joiner := twoPlayerGame(t, s)

	s.HandleSocketClosure("joiner", joiner)

	if got := countQueued(owner, "game-over"); got != 1 {
		t.Errorf("owner received %d game-over messages, want 1", got)
	}

	s.mu.Lock()
	l := s.lobbies[lobbyID]
	_, gameLive := s.games[gameID]
	s.mu.Unlock()

	// The disconnected identity is still inside its grace period, so the
	// restored lobby holds the winner alone.
	if l == nil || len(l.members) != 1 || l.members[0].id != "owner" {
		t.Fatalf("restored lobby = %+v, want the owner alone", l)
	}
	if gameLive {
		t.Error("abandoned game still in the live registry")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		_, live := s.identities["joiner"]
		s.mu.Unlock()
		if !live {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("disconnected identity never reaped")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if res := s.RecoverConnection("joiner", testClient()); res.OK {
		t.Error("reaped identity still recoverable")
	}
}

func TestRecoverConnectionMidGame(t *testing.T) {
	s := testState(testConfig())
	gameID, _, _, _ := twoPlayerGame(t, s)

	fresh := testClient()
	res := s.RecoverConnection("joiner", fresh)
	if !res.OK || res.Username != "bob" {
		t.Fatalf("RecoverConnection = %+v, want bob recovered", res)
	}
	if res.Game == nil {
		t.Fatal("recovery did not return the running game")
	}
	if len(res.Game.Players) != 2 || res.Game.Roll == nil {
		t.Errorf("recovered game snapshot = %+v, want two players and a roll", res.Game)
	}

	// Further broadcasts reach the replacement connection.
	if _, err := s.ChooseNumber(gameID, "owner", 12); err != nil {
		t.Fatalf("ChooseNumber: %v", err)
	}
	if got := countQueued(fresh, "game-info"); got == 0 {
		t.Error("recovered connection never received game updates")
	}
}

func TestRecoverConnectionInLobby(t *testing.T) {
	s := testState(testConfig())
	addUser(s, "owner", "alice")

	lobby, err := s.CreateLobby("owner", "room", 4)
	if err != nil {
		t.Fatalf("CreateLobby: %v", err)
	}

	res := s.RecoverConnection("owner", testClient())
	if !res.OK || res.Lobby == nil || res.Lobby.ID != lobby.ID {
		t.Fatalf("RecoverConnection = %+v, want the lobby returned", res)
	}
	if res.Game != nil {
		t.Error("recovery reported a game for a user only in a lobby")
	}
}

func TestRecoverConnectionUnknownIdentity(t *testing.T) {
	s := testState(testConfig())

	if res := s.RecoverConnection("nobody", testClient()); res.OK {
		t.Error("recovery succeeded for an unknown identity")
	}
}

func TestStaleClosureAfterRecoveryIgnored(t *testing.T) {
	s := testState(testConfig())
	gameID, _, _, joiner := twoPlayerGame(t, s)

	fresh := testClient()
	if res := s.RecoverConnection("joiner", fresh); !res.OK {
		t.Fatal("RecoverConnection failed")
	}

	// The old connection's read loop reports its closure only now. It must
	// not tear down the identity that already moved to the new connection.
	s.HandleSocketClosure("joiner", joiner)

	s.mu.Lock()
	g, gameLive := s.games[gameID]
	twoPlayers := gameLive && g.hasPlayerLocked("joiner")
	s.mu.Unlock()

	if !twoPlayers {
		t.Fatal("stale closure removed the recovered player from the game")
	}
	if res := s.RecoverConnection("joiner", testClient()); !res.OK {
		t.Error("stale closure tore down the recovered identity")
	}
}

func TestMenuSubscription(t *testing.T) {
	s := testState(testConfig())
	addUser(s, "owner", "alice")

	sub := testClient()
	s.SubscribeToMenu(sub)

	if got := countQueued(sub, "get-lobbies-response"); got != 1 {
		t.Fatalf("subscriber received %d summaries on subscribe, want 1", got)
	}

	if _, err := s.CreateLobby("owner", "room", 4); err != nil {
		t.Fatalf("CreateLobby: %v", err)
	}

	if got := countQueued(sub, "get-lobbies-response"); got == 0 {
		t.Error("subscriber never notified of the new lobby")
	}
}

func TestCreateUserCancelsIdentityReap(t *testing.T) {
	cfg := testConfig()
	cfg.identityGrace = 40 * time.Millisecond

	s := testState(cfg)
	c := addUser(s, "u1", "alice")

	s.HandleSocketClosure("u1", c)
	s.CreateUser("u1", "alice", testClient())

	time.Sleep(4 * cfg.identityGrace)

	if res := s.RecoverConnection("u1", testClient()); !res.OK {
		t.Error("re-registered identity was reaped anyway")
	}
}
