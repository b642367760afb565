package routing

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/sessamekesh/spanreed-frontend/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Route names the server type, handler and method a command id is served by, written as
// "serverType.handler.method".
type Route struct {
	ServerType string
	Handler    string
	Method     string
}

func (r Route) String() string {
	return r.ServerType + "." + r.Handler + "." + r.Method
}

func ParseRoute(s string) (Route, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Route{}, &errors.InvalidRoute{Route: s}
	}
	return Route{
		ServerType: parts[0],
		Handler:    parts[1],
		Method:     parts[2],
	}, nil
}

// RouteTable maps a command id (the index in the configured list) to its route. It is
// immutable once built.
type RouteTable struct {
	routes []Route
}

func NewRouteTable(routes []string) (*RouteTable, error) {
	if len(routes) > math.MaxUint16+1 {
		return nil, &errors.Overflow{
			MessageName: "RouteTable",
			Size:        len(routes),
			MaximumSize: math.MaxUint16 + 1,
		}
	}

	table := &RouteTable{routes: make([]Route, 0, len(routes))}
	for i, s := range routes {
		route, err := ParseRoute(s)
		if err != nil {
			return nil, fmt.Errorf("command %d: %w", i, err)
		}
		table.routes = append(table.routes, route)
	}
	return table, nil
}

type routeFile struct {
	Routes []string `yaml:"routes"`
}

// LoadRouteTable reads a YAML document of the form
//
//	routes:
//	  - connector.entry.login
//	  - chat.room.join
func LoadRouteTable(path string) (*RouteTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read route file: %w", err)
	}

	var file routeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse route file: %w", err)
	}

	return NewRouteTable(file.Routes)
}

func (t *RouteTable) Lookup(commandId uint16) (Route, bool) {
	if int(commandId) >= len(t.routes) {
		return Route{}, false
	}
	return t.routes[commandId], true
}

func (t *RouteTable) Len() int {
	return len(t.routes)
}

// Routes returns a copy of the table in command id order.
func (t *RouteTable) Routes() []Route {
	return append([]Route(nil), t.routes...)
}
