// Package server contains misc server utilities.
package server

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi"
)

// MethodPath is an HTTP method and a route pattern, the key of a RouteTable
type MethodPath struct {
	Method string
	Path   string
}

// RouteTable maps URL endpoints to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints lists the routes in a RouteTable as "METHOD /path", sorted
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, k.Method+" "+k.Path)
	}
	sort.Strings(routes)
	return routes
}

// Bind adds every route to r
func (rt RouteTable) Bind(r chi.Router) {
	for k, h := range rt {
		r.MethodFunc(k.Method, k.Path, h)
	}
}

// BoolT is a struct with a single bool field
type BoolT struct {
	Bool bool `json:"bool"`
}

// ErrorT is the JSON body of an error reply
type ErrorT struct {
	Error string `json:"error"`
}

// EncodeAndRespond writes v as JSON with the given status code
func EncodeAndRespond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// the header is out, nothing useful can be done with an error here
	_ = json.NewEncoder(w).Encode(v)
}

// Error replies with {"error": err} and the given status code
func Error(w http.ResponseWriter, status int, err error) {
	EncodeAndRespond(w, status, ErrorT{Error: err.Error()})
}
