// Package realtime tracks the live connections held by this process and
// which conversation topics each of them is subscribed to.
package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrBufferFull is returned by Conn.Send when the outbound buffer is full.
// The connection closes itself in that case.
var ErrBufferFull = errors.New("realtime: send buffer full")

// ErrClosed is returned by Conn.Send after the connection has closed.
var ErrClosed = errors.New("realtime: connection closed")

// Conn is one live client session.
//
// Send must not block: a connection that cannot take the frame reports an
// error and may close itself. SendWait is for replay. It waits for buffer
// room and returns only once the frame was written to the peer, or with an
// error when the connection closes or ctx ends first.
type Conn interface {
	ID() string
	UserID() string
	Send(b []byte) error
	SendWait(ctx context.Context, b []byte) error
}

// Registry maps users to their live connections and conversations to the
// connections currently joined to them. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]Conn // user id -> conn id -> conn
	topics map[string]map[string]Conn // conversation id -> conn id -> conn
	joined map[string]map[string]bool // conn id -> conversation ids
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]Conn),
		topics: make(map[string]map[string]Conn),
		joined: make(map[string]map[string]bool),
	}
}

// Register adds c under userID and reports whether it is the user's first
// live connection.
func (r *Registry) Register(userID string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.byUser[userID]
	if conns == nil {
		conns = make(map[string]Conn)
		r.byUser[userID] = conns
	}
	first := len(conns) == 0
	conns[c.ID()] = c
	return first
}

// Unregister removes c and every topic subscription it held. It reports
// whether the user has no live connection left. Unregistering an unknown
// connection is a no-op that reports false.
func (r *Registry) Unregister(userID string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for conv := range r.joined[c.ID()] {
		if subs := r.topics[conv]; subs != nil {
			delete(subs, c.ID())
			if len(subs) == 0 {
				delete(r.topics, conv)
			}
		}
	}
	delete(r.joined, c.ID())

	conns := r.byUser[userID]
	if _, ok := conns[c.ID()]; !ok {
		return false
	}
	delete(conns, c.ID())
	if len(conns) == 0 {
		delete(r.byUser, userID)
		return true
	}
	return false
}

// ConnectionsOf returns a snapshot of userID's live connections.
func (r *Registry) ConnectionsOf(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byUser[userID])
}

func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Subscribe joins c to the conversation topic.
func (r *Registry) Subscribe(conversationID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.topics[conversationID]
	if subs == nil {
		subs = make(map[string]Conn)
		r.topics[conversationID] = subs
	}
	subs[c.ID()] = c
	j := r.joined[c.ID()]
	if j == nil {
		j = make(map[string]bool)
		r.joined[c.ID()] = j
	}
	j[conversationID] = true
}

func (r *Registry) Unsubscribe(conversationID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribe(conversationID, c.ID())
}

// UnsubscribeUser drops every connection of userID from the topic.
func (r *Registry) UnsubscribeUser(conversationID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.byUser[userID] {
		r.unsubscribe(conversationID, id)
	}
}

func (r *Registry) unsubscribe(conversationID, connID string) {
	if subs := r.topics[conversationID]; subs != nil {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(r.topics, conversationID)
		}
	}
	if j := r.joined[connID]; j != nil {
		delete(j, conversationID)
		if len(j) == 0 {
			delete(r.joined, connID)
		}
	}
}

// Subscribers returns a snapshot of the connections joined to the topic.
func (r *Registry) Subscribers(conversationID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.topics[conversationID])
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, conns := range r.byUser {
		n += len(conns)
	}
	return n
}

func snapshot(m map[string]Conn) []Conn {
	out := make([]Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
