// Package dispatch fans document changes out to connected clients, hiding
// samples a client is not allowed to read.
package dispatch

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"virtool/internal/core"
	"virtool/pkg/domain"
)

// Message is one change sent to a connection.
type Message struct {
	Interface string `json:"interface"`
	Operation string `json:"operation"`
	Data      any    `json:"data"`
}

// Connection is a subscribed client. Send must not block for long; a
// connection whose Send fails is dropped.
type Connection interface {
	ID() string
	Client() core.Client
	Send(Message) error
}

// Dispatcher implements core.Dispatcher over a set of connections.
type Dispatcher struct {
	mu     sync.RWMutex
	conns  map[string]Connection
	logger core.Logger
}

var _ core.Dispatcher = (*Dispatcher)(nil)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger dropped connections are reported to.
func WithLogger(logger core.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New returns a dispatcher with no connections.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		conns:  make(map[string]Connection),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// closer is implemented by connections that must learn they were dropped.
type closer interface {
	Close()
}

// Add subscribes conn, replacing and closing any connection with the same id.
func (d *Dispatcher) Add(conn Connection) {
	d.mu.Lock()
	old, ok := d.conns[conn.ID()]
	d.conns[conn.ID()] = conn
	d.mu.Unlock()
	if ok && old != conn {
		closeConn(old)
	}
}

// Remove unsubscribes and closes the connection with id.
func (d *Dispatcher) Remove(id string) {
	d.mu.Lock()
	conn, ok := d.conns[id]
	delete(d.conns, id)
	d.mu.Unlock()
	if ok {
		closeConn(conn)
	}
}

func closeConn(conn Connection) {
	if c, ok := conn.(closer); ok {
		c.Close()
	}
}

// Connections returns the ids of subscribed connections, sorted.
func (d *Dispatcher) Connections() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.conns))
	for id := range d.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dispatch sends a change to every connection. Sample inserts and updates
// reach only connections that can read the sample; the others receive a
// remove for its id.
func (d *Dispatcher) Dispatch(iface, operation string, data any) {
	d.mu.RLock()
	conns := make([]Connection, 0, len(d.conns))
	for _, conn := range d.conns {
		conns = append(conns, conn)
	}
	d.mu.RUnlock()

	var failed []string
	for _, conn := range conns {
		for _, msg := range messagesFor(conn.Client(), iface, operation, data) {
			if err := conn.Send(msg); err != nil {
				d.logger.Warn("dropping connection", "connection_id", conn.ID(), "interface", iface, "error", err)
				failed = append(failed, conn.ID())
				break
			}
		}
	}
	for _, id := range failed {
		d.Remove(id)
	}
}

func messagesFor(client core.Client, iface, operation string, data any) []Message {
	if iface != core.InterfaceSamples || operation == core.OperationRemove {
		return []Message{{Interface: iface, Operation: operation, Data: data}}
	}
	summaries, ok := sampleSummaries(data)
	if !ok {
		return []Message{{Interface: iface, Operation: operation, Data: data}}
	}
	var (
		readable []domain.SampleSummary
		hidden   []string
	)
	for _, s := range summaries {
		if core.CanRead(rightsOf(s), client) {
			readable = append(readable, s)
		} else {
			hidden = append(hidden, s.ID)
		}
	}
	var out []Message
	switch {
	case len(readable) == 1 && !isSlice(data):
		out = append(out, Message{Interface: iface, Operation: operation, Data: readable[0]})
	case len(readable) > 0:
		out = append(out, Message{Interface: iface, Operation: operation, Data: readable})
	}
	if len(hidden) > 0 {
		out = append(out, Message{Interface: iface, Operation: core.OperationRemove, Data: hidden})
	}
	return out
}

func sampleSummaries(data any) ([]domain.SampleSummary, bool) {
	switch v := data.(type) {
	case domain.SampleSummary:
		return []domain.SampleSummary{v}, true
	case []domain.SampleSummary:
		return v, true
	case domain.Sample:
		return []domain.SampleSummary{v.Summary()}, true
	}
	return nil, false
}

func isSlice(data any) bool {
	_, ok := data.([]domain.SampleSummary)
	return ok
}

// rightsOf rebuilds the fields SampleRights consults.
func rightsOf(s domain.SampleSummary) domain.Sample {
	return domain.Sample{
		Base:       domain.Base{ID: s.ID},
		User:       s.User,
		Group:      s.Group,
		GroupRead:  s.GroupRead,
		GroupWrite: s.GroupWrite,
		AllRead:    s.AllRead,
		AllWrite:   s.AllWrite,
	}
}

// ErrSlowConsumer is returned by a ChannelConnection whose buffer is full.
var ErrSlowConsumer = errors.New("connection buffer full")

// ChannelConnection buffers messages for a reader such as a streaming HTTP
// response. The reader stops once Done is closed.
type ChannelConnection struct {
	id     string
	client core.Client
	ch     chan Message
	done   chan struct{}
	once   sync.Once
}

// NewChannelConnection returns a connection holding up to buffer messages.
func NewChannelConnection(id string, client core.Client, buffer int) *ChannelConnection {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelConnection{id: id, client: client, ch: make(chan Message, buffer), done: make(chan struct{})}
}

func (c *ChannelConnection) ID() string          { return c.id }
func (c *ChannelConnection) Client() core.Client { return c.client }

// Messages is the receive side of the buffer.
func (c *ChannelConnection) Messages() <-chan Message { return c.ch }

// Done is closed when the dispatcher drops the connection.
func (c *ChannelConnection) Done() <-chan struct{} { return c.done }

// Close marks the connection dropped. It is safe to call more than once.
func (c *ChannelConnection) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *ChannelConnection) Send(msg Message) error {
	select {
	case c.ch <- msg:
		return nil
	default:
		return ErrSlowConsumer
	}
}
