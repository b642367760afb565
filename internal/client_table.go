package internal

import (
	"sync/atomic"

	"github.com/sessamekesh/spanreed-frontend/pkg/errors"
	"github.com/sessamekesh/spanreed-frontend/pkg/handlers"
	"github.com/sessamekesh/spanreed-frontend/pkg/session"
)

type ClientEntry struct {
	Connection  handlers.ClientConnection
	Session     *session.Session
	CreatedTime int64
}

// ClientTable tracks every registered connection and the uids bound to them. It is owned
// by the frontend event loop and is not safe for concurrent mutation; LiveCount may be
// read from anywhere.
type ClientTable struct {
	clients map[handlers.ClientConnection]*ClientEntry
	uids    map[string]*ClientEntry

	liveCount atomic.Int64
}

func CreateClientTable() *ClientTable {
	return &ClientTable{
		clients: make(map[handlers.ClientConnection]*ClientEntry),
		uids:    make(map[string]*ClientEntry),
	}
}

func (t *ClientTable) Add(conn handlers.ClientConnection, sess *session.Session, timestamp int64) error {
	if _, has := t.clients[conn]; has {
		return &errors.AlreadyRegistered{RemoteAddress: conn.RemoteAddress()}
	}

	t.clients[conn] = &ClientEntry{
		Connection:  conn,
		Session:     sess,
		CreatedTime: timestamp,
	}
	t.liveCount.Add(1)
	return nil
}

// Remove drops the connection and its uid binding, returning the session it held.
func (t *ClientTable) Remove(conn handlers.ClientConnection) (*session.Session, bool) {
	entry, has := t.clients[conn]
	if !has {
		return nil, false
	}

	if uid := entry.Session.Uid(); uid != "" {
		if bound, has := t.uids[uid]; has && bound == entry {
			delete(t.uids, uid)
		}
	}
	delete(t.clients, conn)
	t.liveCount.Add(-1)
	return entry.Session, true
}

func (t *ClientTable) Get(conn handlers.ClientConnection) (*ClientEntry, bool) {
	entry, has := t.clients[conn]
	return entry, has
}

// BindUid associates uid with a registered connection holding sess. A uid already held by
// another live connection is refused.
func (t *ClientTable) BindUid(uid string, conn handlers.ClientConnection, sess *session.Session) bool {
	entry, has := t.clients[conn]
	if !has || entry.Session != sess {
		return false
	}
	if _, taken := t.uids[uid]; taken {
		return false
	}
	t.uids[uid] = entry
	return true
}

func (t *ClientTable) GetByUid(uid string) (*ClientEntry, bool) {
	entry, has := t.uids[uid]
	return entry, has
}

func (t *ClientTable) Len() int {
	return len(t.clients)
}

func (t *ClientTable) BoundLen() int {
	return len(t.uids)
}

func (t *ClientTable) LiveCount() int64 {
	return t.liveCount.Load()
}
