package command

import (
	"testing"

	"github.com/sessamekesh/spanreed-frontend/pkg/errors"
	"github.com/sessamekesh/spanreed-frontend/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	var replied any
	join := func(msg any, _ *session.Session, reply Replier) error {
		reply.Reply(msg)
		return nil
	}
	require.NoError(t, r.Register("room", Handler{"join": join}))

	err := r.Register("room", Handler{})
	var collision *errors.NameCollision
	assert.ErrorAs(t, err, &collision)

	m, has := r.Lookup("room", "join")
	require.True(t, has)
	require.NoError(t, m("hello", nil, ReplierFunc(func(msg any) { replied = msg })))
	assert.Equal(t, "hello", replied)

	_, has = r.Lookup("room", "leave")
	assert.False(t, has)
	_, has = r.Lookup("lobby", "join")
	assert.False(t, has)
	assert.Equal(t, 1, r.Len())
}
