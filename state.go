package main

import (
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownUser     = errors.New("unknown user")
	ErrUnknownOwner    = errors.New("unknown owner")
	ErrInvalidName     = errors.New("lobby name must be 1-32 characters")
	ErrInvalidCapacity = errors.New("lobby capacity must be between 1 and 16")
	ErrLobbyNotFound   = errors.New("lobby not found")
	ErrLobbyFull       = errors.New("lobby full")
	ErrNotOwner        = errors.New("you are not owner of any lobby")
	ErrGameNotFound    = errors.New("game not found")
)

// identity is a registered participant, independent of any particular
// connection. conn is replaced wholesale on reconnection.
type identity struct {
	id       string
	username string
	conn     *Client
}

type lobbyMember struct {
	id       string
	username string
	conn     *Client
	isOwner  bool
}

// Lobby is a pre-game waiting room. members is kept in join order; the first
// owner flag is transferred down the list when the owner leaves.
type Lobby struct {
	id       string
	name     string
	capacity int
	members  []*lobbyMember
}

// lobbySnapshot freezes a lobby's composition at game start so the lobby can
// be rebuilt for still-connected participants once the game ends.
type lobbySnapshot struct {
	id       string
	name     string
	capacity int
	members  []LobbyMemberView
}

// State is the session coordinator. It owns the identity, lobby, and game
// registries, the menu subscriber set, and every grace-period timer. A single
// mutex serializes all mutations; commands and timer callbacks alike run to
// completion under it. Methods suffixed Locked require the mutex held.
type State struct {
	cfg *Config
	mu  sync.Mutex

	identities map[string]*identity
	lobbies    map[string]*Lobby
	games      map[string]*Game
	menuSubs   map[*Client]struct{}

	lobbyTimers    map[string]*time.Timer
	gameTimers     map[string]*time.Timer
	identityTimers map[string]*time.Timer
	snapshots      map[string]*lobbySnapshot // keyed by game id

	// Randomness policies, injectable for tests.
	rollDice  func() [3]int
	pickFirst func(n int) int
}

func NewState(cfg *Config) *State {
	return &State{
		cfg:            cfg,
		identities:     make(map[string]*identity),
		lobbies:        make(map[string]*Lobby),
		games:          make(map[string]*Game),
		menuSubs:       make(map[*Client]struct{}),
		lobbyTimers:    make(map[string]*time.Timer),
		gameTimers:     make(map[string]*time.Timer),
		identityTimers: make(map[string]*time.Timer),
		snapshots:      make(map[string]*lobbySnapshot),
		rollDice: func() [3]int {
			return [3]int{rand.Intn(6) + 1, rand.Intn(6) + 1, rand.Intn(6) + 1}
		},
		pickFirst: rand.Intn,
	}
}

// CreateUser registers or overwrites the identity. Idempotent by id.
func (s *State) CreateUser(id, username string, c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.identities[id] = &identity{id: id, username: username, conn: c}
	s.cancelIdentityCleanupLocked(id)

	logf(s.cfg, "STATE: Registered user %q (%s)", username, id)
}

// SubscribeToMenu adds the connection to the menu broadcast set and
// immediately replies with the current summary.
func (s *State) SubscribeToMenu(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.menuSubs[c] = struct{}{}
	c.trySend(outMessage{Type: "get-lobbies-response", Data: s.menuSnapshotLocked()})
}

// MenuSnapshot returns the lobby summary listing and the active game count.
func (s *State) MenuSnapshot() MenuSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.menuSnapshotLocked()
}

func (s *State) menuSnapshotLocked() MenuSnapshot {
	lobbies := make([]LobbySummary, 0, len(s.lobbies))
	for _, l := range s.lobbies {
		lobbies = append(lobbies, LobbySummary{
			ID:       l.id,
			Name:     l.name,
			Capacity: [2]int{len(l.members), l.capacity},
		})
	}

	active := 0
	for _, g := range s.games {
		if !g.isDoneLocked() && !g.isEmptyLocked() {
			active++
		}
	}

	return MenuSnapshot{Lobbies: lobbies, ActiveGames: active}
}

func (s *State) broadcastMenuLocked() {
	msg := outMessage{Type: "get-lobbies-response", Data: s.menuSnapshotLocked()}
	for c := range s.menuSubs {
		c.trySend(msg)
	}
}

// CreateLobby creates a lobby with the owner as its sole member.
func (s *State) CreateLobby(ownerID, name string, capacity int) (*LobbyView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.identities[ownerID]
	if !ok {
		return nil, ErrUnknownOwner
	}

	name = strings.TrimSpace(name)
	if len(name) < 1 || len(name) > 32 {
		return nil, ErrInvalidName
	}
	if capacity < 1 || capacity > 16 {
		return nil, ErrInvalidCapacity
	}

	l := &Lobby{
		id:       uuid.NewString(),
		name:     name,
		capacity: capacity,
		members: []*lobbyMember{
			{id: owner.id, username: owner.username, conn: owner.conn, isOwner: true},
		},
	}
	s.lobbies[l.id] = l
	s.cancelLobbyCleanupLocked(l.id)
	s.broadcastMenuLocked()

	logf(s.cfg, "STATE: Lobby %q (%s) created by %q", name, l.id, owner.username)

	view := s.lobbyViewLocked(l)
	return &view, nil
}

// JoinLobby appends the user as a non-owner member.
func (s *State) JoinLobby(lobbyID, userID string) (*LobbyView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lobbies[lobbyID]
	if !ok {
		return nil, ErrLobbyNotFound
	}
	user, ok := s.identities[userID]
	if !ok {
		return nil, ErrUnknownUser
	}
	if len(l.members) >= l.capacity {
		return nil, ErrLobbyFull
	}

	l.members = append(l.members, &lobbyMember{id: user.id, username: user.username, conn: user.conn})
	s.cancelLobbyCleanupLocked(lobbyID)
	s.updateLobbyLocked(l)
	s.broadcastMenuLocked()

	logf(s.cfg, "STATE: %q joined lobby %s", user.username, lobbyID)

	view := s.lobbyViewLocked(l)
	return &view, nil
}

// LeaveLobby removes the member. An emptied lobby is kept around for the
// grace period in case its members are only momentarily disconnected; if the
// owner leaves while others remain, ownership passes to the next member.
func (s *State) LeaveLobby(lobbyID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.leaveLobbyLocked(lobbyID, userID)
}

func (s *State) leaveLobbyLocked(lobbyID, userID string) {
	l, ok := s.lobbies[lobbyID]
	if !ok {
		return
	}

	wasOwner := false
	kept := l.members[:0]
	for _, m := range l.members {
		if m.id == userID {
			wasOwner = m.isOwner
			continue
		}
		kept = append(kept, m)
	}
	l.members = kept

	if len(l.members) == 0 {
		s.scheduleLobbyCleanupLocked(lobbyID)
	} else {
		s.cancelLobbyCleanupLocked(lobbyID)
		if wasOwner {
			l.members[0].isOwner = true
		}
		s.updateLobbyLocked(l)
	}

	s.broadcastMenuLocked()
}

// LeaveCurrentLobby removes the user from whichever lobby they belong to.
func (s *State) LeaveCurrentLobby(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeFromLobbiesLocked(userID)
}

func (s *State) removeFromLobbiesLocked(userID string) {
	for id, l := range s.lobbies {
		for _, m := range l.members {
			if m.id == userID {
				s.leaveLobbyLocked(id, userID)
				break
			}
		}
	}
}

// LobbyExists reports whether a lobby is currently joinable. Used by the QR
// invite endpoint.
func (s *State) LobbyExists(lobbyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.lobbies[lobbyID]
	return ok
}

func (s *State) lobbyViewLocked(l *Lobby) LobbyView {
	clients := make([]LobbyMemberView, 0, len(l.members))
	for _, m := range l.members {
		clients = append(clients, LobbyMemberView{ID: m.id, Username: m.username, IsOwner: m.isOwner})
	}
	return LobbyView{ID: l.id, Name: l.name, Capacity: l.capacity, Clients: clients}
}

// updateLobbyLocked pushes the lobby's current composition to all members.
func (s *State) updateLobbyLocked(l *Lobby) {
	msg := outMessage{Type: "lobby-update", Data: LobbyUpdate{Lobby: s.lobbyViewLocked(l)}}
	for _, m := range l.members {
		m.conn.trySend(msg)
	}
}

// StartGame starts a game from the lobby the user owns.
func (s *State) StartGame(ownerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.lobbies {
		for _, m := range l.members {
			if m.id == ownerID && m.isOwner {
				return s.startGameFromLobbyLocked(l.id)
			}
		}
	}

	return "", ErrNotOwner
}

// startGameFromLobbyLocked snapshots the lobby, constructs a game over its
// members in lobby order, and consumes the lobby. The first snapshot
// broadcast and turn start happen before the operation returns.
func (s *State) startGameFromLobbyLocked(lobbyID string) (string, error) {
	l, ok := s.lobbies[lobbyID]
	if !ok {
		return "", ErrLobbyNotFound
	}

	snap := &lobbySnapshot{
		id:       l.id,
		name:     l.name,
		capacity: l.capacity,
		members:  s.lobbyViewLocked(l).Clients,
	}

	gameID := uuid.NewString()
	g := newGame(s.cfg, gameID, l.members, &s.mu, s.rollDice, s.pickFirst)

	s.games[gameID] = g
	s.cancelGameCleanupLocked(gameID)
	s.snapshots[gameID] = snap

	delete(s.lobbies, lobbyID)
	s.cancelLobbyCleanupLocked(lobbyID)
	s.broadcastMenuLocked()

	g.broadcastSnapshotLocked()
	g.startTurnLocked()

	return gameID, nil
}

// ChooseNumber routes a choose-number command to the game. The boolean
// reports whether the number was accepted; out-of-turn submissions are
// rejected without error.
func (s *State) ChooseNumber(gameID, userID string, chosen int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.games[gameID]
	if !ok {
		return false, ErrGameNotFound
	}

	accepted, res := g.chooseNumberLocked(userID, chosen)
	s.settleGameLocked(gameID, res)

	return accepted, nil
}

// LeaveGame removes the user from a game they chose to quit.
func (s *State) LeaveGame(gameID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.games[gameID]
	if !ok {
		return ErrGameNotFound
	}

	res := g.handleDisconnectLocked(userID)
	s.settleGameLocked(gameID, res)

	return nil
}

// settleGameLocked acts on a game operation's outcome: a termination result
// retires the game from the live registry and rebuilds a lobby from the
// retained snapshot for whoever is still connected; otherwise the cleanup
// timer is re-evaluated.
func (s *State) settleGameLocked(gameID string, res *gameResult) {
	if res == nil {
		s.evaluateGameCleanupLocked(gameID)
		return
	}

	if res.winnerID != "" {
		logf(s.cfg, "STATE: Game %s ended, winner %s", gameID, res.winnerID)
	} else {
		logf(s.cfg, "STATE: Game %s ended with no players", gameID)
	}

	delete(s.games, gameID)
	s.scheduleGameCleanupLocked(gameID)
	s.restoreLobbyLocked(gameID)
}

// restoreLobbyLocked rebuilds the pre-game lobby from its snapshot, keeping
// only identities that are still connected. With nobody left the snapshot is
// simply discarded; with no owner left, ownership falls to the first member.
func (s *State) restoreLobbyLocked(gameID string) {
	snap, ok := s.snapshots[gameID]
	if !ok {
		return
	}
	delete(s.snapshots, gameID)

	members := make([]*lobbyMember, 0, len(snap.members))
	for _, m := range snap.members {
		live, ok := s.identities[m.ID]
		if !ok {
			continue
		}
		if _, gone := s.identityTimers[m.ID]; gone {
			// Identity only lingering through its disconnect grace period.
			continue
		}
		members = append(members, &lobbyMember{id: live.id, username: live.username, conn: live.conn, isOwner: m.IsOwner})
	}

	if len(members) == 0 {
		return
	}

	ownerIdx := 0
	for i, m := range members {
		if m.isOwner {
			ownerIdx = i
			break
		}
	}
	for i, m := range members {
		m.isOwner = i == ownerIdx
	}

	l := &Lobby{id: snap.id, name: snap.name, capacity: snap.capacity, members: members}
	s.lobbies[l.id] = l
	s.cancelLobbyCleanupLocked(l.id)
	s.broadcastMenuLocked()
	s.updateLobbyLocked(l)

	logf(s.cfg, "STATE: Restored lobby %q (%s) with %d members", l.name, l.id, len(members))
}

// RecoverResult is what a reconnecting client gets back: the lobby or game
// the identity is currently part of, if any.
type RecoverResult struct {
	OK       bool
	Username string
	Lobby    *LobbyView
	Game     *GameSnapshot
}

// RecoverConnection re-binds a known identity to a fresh connection. The
// identity's stored connection handle is replaced everywhere it appears; no
// board or timer state is touched.
func (s *State) RecoverConnection(id string, c *Client) RecoverResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.identities[id]
	if !ok {
		return RecoverResult{}
	}

	ident.conn = c
	s.cancelIdentityCleanupLocked(id)

	res := RecoverResult{OK: true, Username: ident.username}

	for _, l := range s.lobbies {
		for _, m := range l.members {
			if m.id == id {
				m.conn = c
				view := s.lobbyViewLocked(l)
				res.Lobby = &view
				return res
			}
		}
	}

	for gameID, g := range s.games {
		if !g.hasPlayerLocked(id) {
			continue
		}
		g.updateConnLocked(id, c)
		s.cancelGameCleanupLocked(gameID)
		snap := g.snapshotLocked()
		res.Game = &snap
		return res
	}

	return res
}

// HandleSocketClosure reconciles an abruptly dead connection: the connection
// leaves the menu set, the identity leaves its lobby, every game it plays in
// is notified, and the identity itself is kept for the grace period so a
// reconnect can still succeed.
func (s *State) HandleSocketClosure(id string, c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.menuSubs, c)

	if ident, ok := s.identities[id]; ok && ident.conn != c {
		// A stale connection closing after the identity already recovered
		// onto a new one must not tear the identity down.
		return
	}

	// Scheduled before the games are notified: a lobby restored by a game
	// ending in this very call must see the identity as disconnected.
	if _, ok := s.identities[id]; ok {
		s.scheduleIdentityCleanupLocked(id)
	}

	s.removeFromLobbiesLocked(id)

	for gameID, g := range s.games {
		res := g.handleDisconnectLocked(id)
		s.settleGameLocked(gameID, res)
	}
}

// CleanupGames re-evaluates the deletion timer of every tracked game. Called
// opportunistically after command processing rather than on a scheduler.
func (s *State) CleanupGames() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.games {
		s.evaluateGameCleanupLocked(id)
	}
}

// evaluateGameCleanupLocked arms the deletion timer for a finished or empty
// game and cancels it otherwise.
func (s *State) evaluateGameCleanupLocked(gameID string) {
	g, ok := s.games[gameID]
	if !ok {
		return
	}

	if g.isDoneLocked() || g.isEmptyLocked() {
		s.scheduleGameCleanupLocked(gameID)
	} else {
		s.cancelGameCleanupLocked(gameID)
	}
}

// Grace-period timers. Each family is single-instance per key: scheduling
// while one is pending is a no-op, cancelling is idempotent. Callbacks
// re-check that the stored timer is still their own before acting, so a
// raced Stop is harmless.

func (s *State) scheduleLobbyCleanupLocked(lobbyID string) {
	if _, ok := s.lobbyTimers[lobbyID]; ok {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(s.cfg.lobbyGrace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.lobbyTimers[lobbyID] != t {
			return
		}
		delete(s.lobbyTimers, lobbyID)
		delete(s.lobbies, lobbyID)
		s.broadcastMenuLocked()
		logf(s.cfg, "STATE: Reaped empty lobby %s", lobbyID)
	})
	s.lobbyTimers[lobbyID] = t
}

func (s *State) cancelLobbyCleanupLocked(lobbyID string) {
	if t, ok := s.lobbyTimers[lobbyID]; ok {
		t.Stop()
		delete(s.lobbyTimers, lobbyID)
	}
}

func (s *State) scheduleGameCleanupLocked(gameID string) {
	if _, ok := s.gameTimers[gameID]; ok {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(s.cfg.gameGrace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gameTimers[gameID] != t {
			return
		}
		delete(s.gameTimers, gameID)
		delete(s.games, gameID)
		delete(s.snapshots, gameID)
		logf(s.cfg, "STATE: Reaped game %s", gameID)
	})
	s.gameTimers[gameID] = t
}

func (s *State) cancelGameCleanupLocked(gameID string) {
	if t, ok := s.gameTimers[gameID]; ok {
		t.Stop()
		delete(s.gameTimers, gameID)
	}
}

func (s *State) scheduleIdentityCleanupLocked(id string) {
	if _, ok := s.identityTimers[id]; ok {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(s.cfg.identityGrace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.identityTimers[id] != t {
			return
		}
		delete(s.identityTimers, id)
		delete(s.identities, id)
		logf(s.cfg, "STATE: Reaped identity %s", id)
	})
	s.identityTimers[id] = t
}

func (s *State) cancelIdentityCleanupLocked(id string) {
	if t, ok := s.identityTimers[id]; ok {
		t.Stop()
		delete(s.identityTimers, id)
	}
}
