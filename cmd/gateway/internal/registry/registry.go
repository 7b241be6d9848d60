// Package registry tracks live client connections, their symbol
// subscriptions and liveness. A Registry is not safe for concurrent use; the
// hub's event loop is its only caller.
package registry

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// DefaultMaxSymbols caps a single connection's subscription.
const DefaultMaxSymbols = 50

var symbolPattern = regexp.MustCompile(`^[A-Z]{2,10}$`)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrDuplicateID       = errors.New("connection id already registered")
	ErrNoSymbols         = errors.New("no symbols provided")
	ErrInvalidUser       = errors.New("userId is required")
)

// InvalidSymbolsError lists symbols that failed validation.
type InvalidSymbolsError struct {
	Symbols []string
}

func (e *InvalidSymbolsError) Error() string {
	return fmt.Sprintf("invalid symbols %v: expected 2-10 letters", e.Symbols)
}

// Conn is the socket side of a connection as seen by the registry and hub.
// Send and Ping must not block.
type Conn interface {
	ID() string
	Send(msg []byte) error
	Ping() error
	Close()
}

// Connection is the registry's bookkeeping for one socket.
type Connection struct {
	conn        Conn
	symbols     map[string]struct{}
	userID      string
	alive       bool
	lastSeen    time.Time
	connectedAt time.Time
}

func (c *Connection) ID() string             { return c.conn.ID() }
func (c *Connection) Conn() Conn             { return c.conn }
func (c *Connection) UserID() string         { return c.userID }
func (c *Connection) Authenticated() bool    { return c.userID != "" }
func (c *Connection) Alive() bool            { return c.alive }
func (c *Connection) LastSeen() time.Time    { return c.lastSeen }
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Symbols returns the subscription as a sorted copy.
func (c *Connection) Symbols() []string {
	return sortedKeys(c.symbols)
}

// SymbolSet returns a copy of the subscription set.
func (c *Connection) SymbolSet() map[string]struct{} {
	out := make(map[string]struct{}, len(c.symbols))
	for s := range c.symbols {
		out[s] = struct{}{}
	}
	return out
}

// SubscriptionChange is the outcome of UpdateSubscription.
type SubscriptionChange struct {
	Symbols []string // the new subscription, in request order
	Added   []string // symbols not present before the update
}

type Registry struct {
	conns      map[string]*Connection
	index      map[string]map[string]struct{} // symbol -> connection ids
	maxSymbols int
	now        func() time.Time
}

func New(maxSymbols int) *Registry {
	if maxSymbols <= 0 {
		maxSymbols = DefaultMaxSymbols
	}
	return &Registry{
		conns:      make(map[string]*Connection),
		index:      make(map[string]map[string]struct{}),
		maxSymbols: maxSymbols,
		now:        time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

func (r *Registry) Register(conn Conn) (string, error) {
	id := conn.ID()
	if _, exists := r.conns[id]; exists {
		return "", ErrDuplicateID
	}
	now := r.now()
	r.conns[id] = &Connection{
		conn:        conn,
		symbols:     make(map[string]struct{}),
		alive:       true,
		lastSeen:    now,
		connectedAt: now,
	}
	return id, nil
}

// Unregister drops the connection from every index and returns its socket so
// the caller can close it. A missing id is not an error.
func (r *Registry) Unregister(id string) (Conn, bool) {
	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	for sym := range c.symbols {
		r.unindex(sym, id)
	}
	delete(r.conns, id)
	return c.conn, true
}

// UpdateSubscription replaces the connection's subscription wholesale.
// Symbols are trimmed, uppercased and deduplicated, then truncated to the
// configured maximum. Any invalid symbol rejects the whole request.
func (r *Registry) UpdateSubscription(id string, raw []string) (SubscriptionChange, error) {
	c, ok := r.conns[id]
	if !ok {
		return SubscriptionChange{}, ErrUnknownConnection
	}

	symbols, err := NormalizeSymbols(raw, r.maxSymbols)
	if err != nil {
		return SubscriptionChange{}, err
	}

	next := make(map[string]struct{}, len(symbols))
	var added []string
	for _, s := range symbols {
		next[s] = struct{}{}
		if _, had := c.symbols[s]; !had {
			added = append(added, s)
			r.indexAdd(s, id)
		}
	}
	for s := range c.symbols {
		if _, keep := next[s]; !keep {
			r.unindex(s, id)
		}
	}
	c.symbols = next

	return SubscriptionChange{Symbols: symbols, Added: added}, nil
}

// RemoveSymbols drops the given symbols and returns the remaining
// subscription. Unknown or malformed symbols are ignored.
func (r *Registry) RemoveSymbols(id string, raw []string) ([]string, error) {
	c, ok := r.conns[id]
	if !ok {
		return nil, ErrUnknownConnection
	}
	for _, s := range raw {
		s = normalize(s)
		if _, had := c.symbols[s]; had {
			delete(c.symbols, s)
			r.unindex(s, id)
		}
	}
	return c.Symbols(), nil
}

// ClearSymbols empties the subscription but keeps the connection registered.
func (r *Registry) ClearSymbols(id string) error {
	c, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	for s := range c.symbols {
		r.unindex(s, id)
	}
	c.symbols = make(map[string]struct{})
	return nil
}

func (r *Registry) Authenticate(id, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidUser
	}
	c, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	c.userID = userID
	return nil
}

// Touch records a heartbeat acknowledgment.
func (r *Registry) Touch(id string) bool {
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	c.alive = true
	c.lastSeen = r.now()
	return true
}

// MarkPinged clears the liveness flag ahead of a heartbeat ping.
func (r *Registry) MarkPinged(id string) bool {
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	c.alive = false
	return true
}

func (r *Registry) Get(id string) (*Connection, bool) {
	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) Len() int { return len(r.conns) }

// All returns every connection ordered by id.
func (r *Registry) All() []*Connection {
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ConnectionsFor returns the connections subscribed to symbol.
func (r *Registry) ConnectionsFor(symbol string) []*Connection {
	ids := r.index[symbol]
	out := make([]*Connection, 0, len(ids))
	for id := range ids {
		if c, ok := r.conns[id]; ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ConnectionsForUser returns the authenticated connections of userID.
func (r *Registry) ConnectionsForUser(userID string) []*Connection {
	var out []*Connection
	for _, c := range r.conns {
		if c.userID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ActiveSymbols is the sorted union of all subscriptions.
func (r *Registry) ActiveSymbols() []string {
	out := make([]string, 0, len(r.index))
	for s := range r.index {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) indexAdd(symbol, id string) {
	ids, ok := r.index[symbol]
	if !ok {
		ids = make(map[string]struct{})
		r.index[symbol] = ids
	}
	ids[id] = struct{}{}
}

func (r *Registry) unindex(symbol, id string) {
	ids, ok := r.index[symbol]
	if !ok {
		return
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(r.index, symbol)
	}
}

// NormalizeSymbols validates and canonicalizes a symbol list.
func NormalizeSymbols(raw []string, max int) ([]string, error) {
	if len(raw) == 0 {
		return nil, ErrNoSymbols
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	var invalid []string
	for _, s := range raw {
		s = normalize(s)
		if s == "" {
			continue
		}
		if !symbolPattern.MatchString(s) {
			invalid = append(invalid, s)
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	if len(invalid) > 0 {
		return nil, &InvalidSymbolsError{Symbols: invalid}
	}
	if len(out) == 0 {
		return nil, ErrNoSymbols
	}
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
