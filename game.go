package main

import (
	"sort"
	"sync"
	"time"
)

// gamePlayer is one participant of a running game. conn is replaced wholesale
// when the player reconnects; board holds the numbers the player has locked.
type gamePlayer struct {
	id       string
	username string
	conn     *Client
	board    map[int]bool
}

// gamePhase makes the match lifecycle explicit: created but not yet rolled,
// waiting on the active player's submission, or finished.
type gamePhase int

const (
	gameAwaitingStart gamePhase = iota
	gameAwaitingChoice
	gameDone
)

// gameResult reports that an operation terminated the game. winnerID is ""
// when the game ended with no players remaining. The coordinator, not the
// game, decides what happens next.
type gameResult struct {
	winnerID string
}

// Game is one running match: an ordered turn sequence, per-player boards of
// locked numbers 1-16, the last dice roll, and a turn timeout.
//
// A Game does no locking of its own. Every method must be called with the
// owning State's mutex held; the turn timer re-acquires that same mutex
// through the locker field before touching anything.
type Game struct {
	cfg *Config
	id  string

	locker    sync.Locker
	players   map[string]*gamePlayer
	turnOrder []string
	current   int
	phase     gamePhase
	lastRoll  *[3]int

	turnTimer *time.Timer
	turnSeq   int // bumped whenever the pending timer becomes stale

	rollDice  func() [3]int
	pickFirst func(n int) int
}

func newGame(cfg *Config, id string, members []*lobbyMember, locker sync.Locker, rollDice func() [3]int, pickFirst func(n int) int) *Game {
	g := &Game{
		cfg:       cfg,
		id:        id,
		locker:    locker,
		players:   make(map[string]*gamePlayer, len(members)),
		turnOrder: make([]string, 0, len(members)),
		rollDice:  rollDice,
		pickFirst: pickFirst,
	}

	for _, m := range members {
		g.players[m.id] = &gamePlayer{
			id:       m.id,
			username: m.username,
			conn:     m.conn,
			board:    make(map[int]bool),
		}
		g.turnOrder = append(g.turnOrder, m.id)
	}

	if len(g.turnOrder) > 0 {
		g.current = pickFirst(len(g.turnOrder))
	}

	logf(cfg, "GAME: Created %s with %d players", id, len(members))

	return g
}

// startTurnLocked rolls the dice for the active player, broadcasts the new
// snapshot, and arms the turn timeout. No-op once the game is done.
func (g *Game) startTurnLocked() {
	if g.phase == gameDone || len(g.turnOrder) == 0 {
		return
	}

	roll := g.rollDice()
	g.lastRoll = &roll
	g.phase = gameAwaitingChoice
	logf(g.cfg, "GAME: %s rolled %d,%d,%d for %s", g.id, roll[0], roll[1], roll[2], g.turnOrder[g.current])

	g.broadcastSnapshotLocked()
	g.armTurnTimerLocked()
}

func (g *Game) armTurnTimerLocked() {
	g.stopTurnTimerLocked()

	seq := g.turnSeq
	g.turnTimer = time.AfterFunc(g.cfg.turnTimeout, func() {
		g.locker.Lock()
		defer g.locker.Unlock()

		if g.phase != gameAwaitingChoice || seq != g.turnSeq {
			return
		}

		logf(g.cfg, "GAME: %s turn timed out for %s", g.id, g.turnOrder[g.current])
		g.advanceTurnLocked()
	})
}

// stopTurnTimerLocked cancels any pending turn timeout. Bumping turnSeq makes
// a timer callback that already fired but lost the lock race a no-op.
func (g *Game) stopTurnTimerLocked() {
	g.turnSeq++
	if g.turnTimer != nil {
		g.turnTimer.Stop()
		g.turnTimer = nil
	}
}

func (g *Game) advanceTurnLocked() {
	g.stopTurnTimerLocked()
	if len(g.turnOrder) == 0 {
		return
	}
	g.current = (g.current + 1) % len(g.turnOrder)
	g.startTurnLocked()
}

// chooseNumberLocked applies the active player's submission. The first
// submission per turn is final: an out-of-range, unreachable, or duplicate
// value forfeits the turn. Submissions from anyone but the active player are
// inert and change nothing. A non-nil result means this submission completed
// the board and ended the game.
func (g *Game) chooseNumberLocked(playerID string, chosen int) (bool, *gameResult) {
	if g.phase != gameAwaitingChoice || len(g.turnOrder) == 0 {
		return false, nil
	}

	if playerID != g.turnOrder[g.current] {
		return false, nil
	}

	p, ok := g.players[playerID]
	if !ok {
		return false, nil
	}

	roll := *g.lastRoll
	if chosen < 1 || chosen > 16 || !canReach(roll[0], roll[1], roll[2], chosen) || p.board[chosen] {
		logf(g.cfg, "GAME: %s forfeits turn of %s on %d", g.id, playerID, chosen)
		g.advanceTurnLocked()
		return false, nil
	}

	g.stopTurnTimerLocked()
	p.board[chosen] = true
	g.broadcastSnapshotLocked()

	if len(p.board) >= 16 {
		g.phase = gameDone
		logf(g.cfg, "GAME: %s won by %s", g.id, p.username)
		g.broadcastLocked(outMessage{Type: "game-over", Data: GameOver{Winner: &WinnerRef{ID: p.id, Username: p.username}}})
		return true, &gameResult{winnerID: p.id}
	}

	g.advanceTurnLocked()
	return true, nil
}

// handleDisconnectLocked removes the player entirely. A game reduced to one
// player declares that player winner; a game reduced to zero players ends
// with no winner. Otherwise the turn cycle resumes for whichever player the
// corrected index now selects. A non-nil result means the removal ended the
// game.
func (g *Game) handleDisconnectLocked(playerID string) *gameResult {
	if _, ok := g.players[playerID]; !ok {
		return nil
	}

	logf(g.cfg, "GAME: %s player disconnected: %s", g.id, playerID)

	delete(g.players, playerID)

	for i, id := range g.turnOrder {
		if id != playerID {
			continue
		}
		g.turnOrder = append(g.turnOrder[:i], g.turnOrder[i+1:]...)
		if i < g.current {
			g.current--
		}
		if g.current >= len(g.turnOrder) {
			g.current = 0
		}
		break
	}

	g.stopTurnTimerLocked()

	if g.phase == gameDone {
		return nil
	}

	switch len(g.turnOrder) {
	case 0:
		g.phase = gameDone
		return &gameResult{}
	case 1:
		g.phase = gameDone
		winner := g.players[g.turnOrder[0]]
		logf(g.cfg, "GAME: %s ends, last player standing is %s", g.id, winner.username)
		g.broadcastLocked(outMessage{Type: "game-over", Data: GameOver{Winner: &WinnerRef{ID: winner.id, Username: winner.username}}})
		return &gameResult{winnerID: winner.id}
	default:
		g.broadcastSnapshotLocked()
		g.startTurnLocked()
		return nil
	}
}

// updateConnLocked swaps the stored connection for a still-present player.
func (g *Game) updateConnLocked(playerID string, c *Client) {
	if p, ok := g.players[playerID]; ok {
		p.conn = c
	}
}

func (g *Game) hasPlayerLocked(playerID string) bool {
	_, ok := g.players[playerID]
	return ok
}

func (g *Game) isEmptyLocked() bool {
	return len(g.turnOrder) == 0
}

func (g *Game) isDoneLocked() bool {
	return g.phase == gameDone
}

// snapshotLocked builds the outbound projection of the game. Players are
// listed in turn order so clients render a stable sequence.
func (g *Game) snapshotLocked() GameSnapshot {
	players := make([]PlayerView, 0, len(g.turnOrder))
	for _, id := range g.turnOrder {
		p := g.players[id]
		board := make([]int, 0, len(p.board))
		for n := range p.board {
			board = append(board, n)
		}
		sort.Ints(board)
		players = append(players, PlayerView{ID: p.id, Username: p.username, Board: board})
	}

	var turnPlayerID string
	if len(g.turnOrder) > 0 && g.current < len(g.turnOrder) {
		turnPlayerID = g.turnOrder[g.current]
	}

	return GameSnapshot{
		ID:           g.id,
		Players:      players,
		IsOver:       g.phase == gameDone,
		Roll:         g.lastRoll,
		TurnPlayerID: turnPlayerID,
	}
}

func (g *Game) broadcastSnapshotLocked() {
	g.broadcastLocked(outMessage{Type: "game-info", Data: g.snapshotLocked()})
}

func (g *Game) broadcastLocked(msg any) {
	for _, p := range g.players {
		p.conn.trySend(msg)
	}
}
