package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStaticRegistry(t *testing.T) {
	r := CreateStaticRegistry(
		Node{Id: "gate-1", ServerType: "gate", Frontend: true},
		Node{Id: "chat-2", ServerType: "chat"},
		Node{Id: "chat-1", ServerType: "chat"},
		Node{Id: "area-1", ServerType: "area"},
	)

	chat := r.ListNodesByType("chat")
	assert.Len(t, chat, 2)
	assert.Equal(t, "chat-1", chat[0].Id)
	assert.Equal(t, "chat-2", chat[1].Id)

	assert.Empty(t, r.ListNodesByType("missing"))
	assert.True(t, r.IsKnown("area-1"))
	assert.False(t, r.IsKnown("area-2"))

	backends := r.Backends("gate-1")
	assert.Len(t, backends, 3)
	for _, n := range backends {
		assert.False(t, n.Frontend)
	}

	r.Remove("chat-1")
	assert.Len(t, r.ListNodesByType("chat"), 1)

	r.Add(Node{Id: "chat-3", ServerType: "chat"})
	n, has := r.Get("chat-3")
	assert.True(t, has)
	assert.Equal(t, "chat", n.ServerType)
}
