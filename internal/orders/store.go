// Package orders implements the order ticket store (C3, spec §3 OrderTicket
// and §4.4's state transition table): a token-indexed registry persisted as
// JSON, debounce-saved the way the teacher's approval.Store persists its
// in-memory maps to disk.
package orders

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// Side is the order's direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Type is the order's execution type.
type Type string

const (
	TypeMarket Type = "MARKET"
	TypeLimit  Type = "LIMIT"
	TypeStop   Type = "STOP"
)

// State is a ticket's lifecycle state, per spec §4.4's transition table.
type State string

const (
	StatePending       State = "PENDING"
	StateConfirmedChat State = "CONFIRMED_CHAT"
	StateConfirmed     State = "CONFIRMED"
	StateRejected      State = "REJECTED"
	StateCanceled      State = "CANCELED"
	StateExpired       State = "EXPIRED"
	StateFilled        State = "FILLED"
)

var terminalStates = map[State]struct{}{
	StateRejected: {},
	StateCanceled: {},
	StateExpired:  {},
	StateFilled:   {},
}

// IsTerminal reports whether s admits no further transitions.
func (s State) IsTerminal() bool {
	_, ok := terminalStates[s]
	return ok
}

// Ticket mirrors spec §3's OrderTicket.
type Ticket struct {
	ID                string         `json:"id"`
	Token             string         `json:"token"`
	Symbol            string         `json:"symbol"`
	Side              Side           `json:"side"`
	Qty               float64        `json:"qty"`
	Type              Type           `json:"type"`
	LimitPrice        *float64       `json:"limitPrice,omitempty"`
	StopPrice         *float64       `json:"stopPrice,omitempty"`
	State             State          `json:"state"`
	CreatedAt         time.Time      `json:"createdAt"`
	ExpiresAt         *time.Time     `json:"expiresAt,omitempty"`
	LastActorBySource map[string]string `json:"lastActorBySource"`
}

// NewTicket constructs a PENDING ticket with a fresh ULID id and a short,
// human-typeable token. Tokens are not globally unique forever — only
// unique among currently-active tickets, per spec §3.
func NewTicket(symbol string, side Side, qty float64, typ Type) *Ticket {
	return &Ticket{
		ID:                ulid.Make().String(),
		Token:             shortToken(),
		Symbol:            symbol,
		Side:              side,
		Qty:               qty,
		Type:              typ,
		State:             StatePending,
		CreatedAt:         time.Now().UTC(),
		LastActorBySource: map[string]string{},
	}
}

func shortToken() string {
	id := ulid.Make()
	// ULID's final characters carry the most entropy; 8 chars is within
	// the 6-10 character bound spec §6 puts on chat-typed tokens.
	s := id.String()
	return s[len(s)-8:]
}

// Store is the token-indexed ticket registry. It holds the full set in
// memory and persists it to a single JSON index file. No separate event log
// file is written; ticket changes are recorded only as bus events emitted
// by the worker.
type Store struct {
	mu      sync.RWMutex
	path    string
	tickets map[string]*Ticket // token -> ticket

	saveMu    sync.Mutex
	saveTimer *time.Timer
}

// Open loads (or creates) the ticket index at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("orders: data path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("orders: create data dir: %w", err)
		}
	}
	s := &Store{path: path, tickets: map[string]*Ticket{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("orders: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	var tickets []*Ticket
	if err := json.Unmarshal(data, &tickets); err != nil {
		return fmt.Errorf("orders: parse %s: %w", s.path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tickets {
		s.tickets[t.Token] = t
	}
	return nil
}

// scheduleSave debounces writes the way the teacher's approval store does,
// coalescing bursts of ticket mutations into one atomic write.
func (s *Store) scheduleSave() {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.saveTimer = time.AfterFunc(200*time.Millisecond, func() {
		if err := s.Flush(); err != nil {
			log.Warn().Err(err).Msg("orders: debounced save failed")
		}
	})
}

// Flush writes the current ticket set to disk atomically (temp file + rename).
func (s *Store) Flush() error {
	s.mu.RLock()
	tickets := make([]*Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		tickets = append(tickets, t)
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(tickets, "", "  ")
	if err != nil {
		return fmt.Errorf("orders: marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("orders: write temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("orders: rename: %w", err)
	}
	return nil
}

// Put inserts or replaces a ticket and schedules a debounced save.
func (s *Store) Put(t *Ticket) {
	s.mu.Lock()
	s.tickets[t.Token] = t
	s.mu.Unlock()
	s.scheduleSave()
}

// Get looks up a ticket by token. Returns nil if not found.
func (s *Store) Get(token string) *Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tickets[token]
}

// List returns a snapshot of all tickets, for the projection API's order
// list (spec §4.6).
func (s *Store) List() []*Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		out = append(out, t)
	}
	return out
}

// PendingOrConfirmedChat returns tickets in a non-terminal state that the
// kill-switch (stop.now) must cancel, and orders.confirm_all must iterate.
func (s *Store) PendingOrConfirmedChat() []*Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Ticket
	for _, t := range s.tickets {
		if t.State == StatePending || t.State == StateConfirmedChat {
			out = append(out, t)
		}
	}
	return out
}

// ErrInvalidTransition is returned by Transition when the requested state
// change is not permitted by spec §4.4's table.
var ErrInvalidTransition = fmt.Errorf("orders: invalid state transition")

var allowedTransitions = map[State]map[State]bool{
	StatePending: {
		StateConfirmedChat: true,
		StateConfirmed:     true,
		StateRejected:      true,
		StateCanceled:      true,
		StateExpired:       true,
	},
	StateConfirmedChat: {
		StateConfirmed: true,
		StateCanceled:  true,
		StateExpired:   true,
	},
	StateConfirmed: {
		StateFilled:   true,
		StateCanceled: true,
	},
}

// Transition moves a ticket to newState if permitted, recording the acting
// source/actor, and schedules a save. Returns ErrInvalidTransition if the
// ticket is terminal or the edge is not in the table.
func (s *Store) Transition(token string, newState State, source, actorID string) (*Ticket, error) {
	s.mu.Lock()
	t, ok := s.tickets[token]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("orders: unknown token %s", token)
	}
	if t.State.IsTerminal() {
		s.mu.Unlock()
		return nil, ErrInvalidTransition
	}
	edges, ok := allowedTransitions[t.State]
	if !ok || !edges[newState] {
		s.mu.Unlock()
		return nil, ErrInvalidTransition
	}
	t.State = newState
	if t.LastActorBySource == nil {
		t.LastActorBySource = map[string]string{}
	}
	t.LastActorBySource[source] = actorID
	s.mu.Unlock()
	s.scheduleSave()
	return t, nil
}
