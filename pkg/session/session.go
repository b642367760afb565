package session

import (
	"encoding/binary"
	"maps"
	"math"
	"sort"

	"github.com/sessamekesh/spanreed-frontend/pkg/cluster"
	"github.com/sessamekesh/spanreed-frontend/pkg/errors"
	"github.com/sessamekesh/spanreed-frontend/pkg/message/wire"
)

// Binder registers a uid for a session in the owning node's client table.
type Binder interface {
	BindUid(uid string, s *Session) bool
}

type ClosedFunc func(nc *cluster.NodeContext, s *Session)

// Session is the per-connection state of one client. It is only touched from the
// frontend event loop.
type Session struct {
	uid         string
	ownerNodeId string
	fields      map[string][]byte

	binder   Binder
	onClosed ClosedFunc

	serialized []byte
}

func New(ownerNodeId string, binder Binder) *Session {
	return &Session{
		ownerNodeId: ownerNodeId,
		fields:      make(map[string][]byte),
		binder:      binder,
	}
}

func (s *Session) Uid() string {
	return s.uid
}

func (s *Session) OwnerNodeId() string {
	return s.ownerNodeId
}

// Bind attaches a uid to an unbound session. It fails if the session already has a uid or
// the uid is held by another live connection.
func (s *Session) Bind(uid string) bool {
	if s.uid != "" || uid == "" {
		return false
	}
	if s.binder != nil && !s.binder.BindUid(uid, s) {
		return false
	}
	s.uid = uid
	s.serialized = nil
	return true
}

func (s *Session) Get(key string) ([]byte, bool) {
	v, has := s.fields[key]
	return v, has
}

func (s *Session) GetString(key string) string {
	return string(s.fields[key])
}

func (s *Session) Set(key string, value []byte) {
	s.fields[key] = value
	s.serialized = nil
}

func (s *Session) SetString(key, value string) {
	s.Set(key, []byte(value))
}

func (s *Session) Delete(key string) {
	delete(s.fields, key)
	s.serialized = nil
}

// SetAll overwrites every field present in the snapshot. Fields the snapshot does not
// carry are left as they are.
func (s *Session) SetAll(snapshot *Snapshot) {
	for k, v := range snapshot.Fields {
		s.fields[k] = v
	}
	s.serialized = nil
}

func (s *Session) Fields() map[string][]byte {
	return maps.Clone(s.fields)
}

func (s *Session) SetOnClosed(fn ClosedFunc) {
	s.onClosed = fn
}

func (s *Session) OnClosed() ClosedFunc {
	return s.onClosed
}

// Serialized returns the snapshot attached to every forwarded command. The encoding is
// cached until the next mutation.
func (s *Session) Serialized() ([]byte, error) {
	if s.serialized != nil {
		return s.serialized, nil
	}
	buf, err := EncodeSnapshot(&Snapshot{
		Uid:         s.uid,
		OwnerNodeId: s.ownerNodeId,
		Fields:      s.fields,
	})
	if err != nil {
		return nil, err
	}
	s.serialized = buf
	return buf, nil
}

//
// Snapshot encoding:
// u16 uidLen | uid | u16 sidLen | sid | u16 fieldCount | { u16 keyLen | key | u16 valLen | val }*

type Snapshot struct {
	Uid         string
	OwnerNodeId string
	Fields      map[string][]byte
}

func EncodeSnapshot(snapshot *Snapshot) ([]byte, error) {
	out := make([]byte, 0, 64)
	var err error

	if out, err = wire.AppendString(out, "Session::Uid", snapshot.Uid); err != nil {
		return nil, err
	}
	if out, err = wire.AppendString(out, "Session::OwnerNodeId", snapshot.OwnerNodeId); err != nil {
		return nil, err
	}

	if len(snapshot.Fields) > math.MaxUint16 {
		return nil, &errors.Overflow{
			MessageName: "Session::Fields",
			Size:        len(snapshot.Fields),
			MaximumSize: math.MaxUint16,
		}
	}
	out = binary.BigEndian.AppendUint16(out, uint16(len(snapshot.Fields)))

	keys := make([]string, 0, len(snapshot.Fields))
	for k := range snapshot.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if out, err = wire.AppendString(out, "Session::FieldKey", k); err != nil {
			return nil, err
		}
		if out, err = wire.AppendBytes(out, "Session::FieldValue", snapshot.Fields[k]); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func ParseSnapshot(buf []byte) (*Snapshot, error) {
	r := wire.NewReader("Session", buf)

	uid := r.String()
	ownerNodeId := r.String()
	count := int(r.Uint16())
	if r.Err() != nil {
		return nil, r.Err()
	}

	fields := make(map[string][]byte, count)
	for range count {
		key := r.String()
		value := r.Bytes()
		if r.Err() != nil {
			return nil, r.Err()
		}
		fields[key] = append([]byte(nil), value...)
	}

	return &Snapshot{
		Uid:         uid,
		OwnerNodeId: ownerNodeId,
		Fields:      fields,
	}, nil
}
