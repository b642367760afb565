// Package command holds the handlers a frontend serves locally.
//
// The hosting application registers each handler under the name routes refer to before
// the frontend starts; the registry is read-only afterwards.
package command

import (
	"github.com/sessamekesh/spanreed-frontend/pkg/errors"
	"github.com/sessamekesh/spanreed-frontend/pkg/session"
)

// Replier sends a handler's result back to the client that issued the command. Reply may
// be called after the method returns, at most once.
type Replier interface {
	Reply(msg any)
}

type ReplierFunc func(msg any)

func (f ReplierFunc) Reply(msg any) {
	f(msg)
}

// Method serves one route. msg is the decoded client message; a returned error is logged
// and the client gets no reply unless the method already sent one.
type Method func(msg any, sess *session.Session, reply Replier) error

// Handler maps method names to methods.
type Handler map[string]Method

type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(name string, h Handler) error {
	if _, has := r.handlers[name]; has {
		return &errors.NameCollision{
			CollisionContext: "command.Registry",
			Name:             name,
		}
	}
	r.handlers[name] = h
	return nil
}

func (r *Registry) Lookup(handler, method string) (Method, bool) {
	h, has := r.handlers[handler]
	if !has {
		return nil, false
	}
	m, has := h[method]
	if !has || m == nil {
		return nil, false
	}
	return m, true
}

func (r *Registry) Len() int {
	return len(r.handlers)
}
