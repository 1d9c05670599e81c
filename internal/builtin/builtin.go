// Package builtin holds the handlers a route manifest can name: echo and
// whoami for smoke testing, and kv handlers that read and write the SQLite
// store through the transaction the executor opened.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/roach88/txexec/internal/engine"
)

// Registry maps handler names to handlers.
type Registry map[string]engine.Handler

// Default returns every builtin handler under its manifest name.
func Default() Registry {
	return Registry{
		"echo":      engine.HandlerFunc(Echo),
		"whoami":    engine.HandlerFunc(WhoAmI),
		"kv.get":    engine.HandlerFunc(KVGet),
		"kv.put":    engine.HandlerFunc(KVPut),
		"kv.delete": engine.HandlerFunc(KVDelete),
	}
}

// Lookup returns the handler registered as name.
func (r Registry) Lookup(name string) (engine.Handler, error) {
	h, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("unknown handler %q (have %v)", name, r.Names())
	}
	return h, nil
}

// Names returns the registered names, sorted.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Echo copies the request body to the response with the request's content type.
func Echo(ctx context.Context, x *engine.Exchange) error {
	in, err := x.Request.Body()
	if err != nil {
		return err
	}
	if ct := x.Request.Header().Get("Content-Type"); ct != "" {
		x.Response.Header().Set("Content-Type", ct)
	}
	x.Response.WriteHeader(http.StatusOK)
	out, err := x.Response.Body()
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	return err
}

type whoami struct {
	Authenticated string   `json:"authenticated,omitempty"`
	RunAs         string   `json:"run_as,omitempty"`
	Effective     string   `json:"effective,omitempty"`
	Roles         []string `json:"roles,omitempty"`
}

// WhoAmI reports the identities of the current frame as JSON.
func WhoAmI(ctx context.Context, x *engine.Exchange) error {
	var w whoami
	if auth := x.Auth.Authenticated(); !auth.IsZero() {
		w.Authenticated = auth.Name
	}
	if runAs := x.Auth.RunAs(); !runAs.IsZero() {
		w.RunAs = runAs.Name
	}
	eff := x.Auth.Effective()
	if !eff.IsZero() {
		w.Effective = eff.Name
		for _, r := range eff.Roles {
			w.Roles = append(w.Roles, string(r))
		}
	}
	return writeJSON(x, http.StatusOK, w)
}

func writeJSON(x *engine.Exchange, status int, v any) error {
	x.Response.Header().Set("Content-Type", "application/json")
	x.Response.WriteHeader(status)
	out, err := x.Response.Body()
	if err != nil {
		return err
	}
	return json.NewEncoder(out).Encode(v)
}
