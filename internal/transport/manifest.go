package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/txexec/internal/auth"
	"github.com/roach88/txexec/internal/authctx"
	"github.com/roach88/txexec/internal/engine"
	"github.com/roach88/txexec/internal/txn"
)

// Manifest lists the routes the server exposes.
//
//	routes:
//	  - route: PUT /kv/:key
//	    handler: kv.put
//	    auth: user
//	    transaction: required
//	    capability: readwrite
//	    buffer_size: 65536
type Manifest struct {
	Routes []Route `yaml:"routes"`
}

// Route binds "METHOD path" to a handler and the descriptor it runs under.
type Route struct {
	Route       string `yaml:"route"`
	Handler     string `yaml:"handler"`
	Auth        string `yaml:"auth"`
	Transaction string `yaml:"transaction"`
	Capability  string `yaml:"capability"`
	BufferSize  int64  `yaml:"buffer_size"`
	RunAs       *RunAs `yaml:"run_as"`
}

// RunAs is the identity a level-none route executes as. A container minimum
// level above none would authenticate such routes anyway, so CheckMinLevel
// rejects the combination.
type RunAs struct {
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

var methods = map[string]bool{
	http.MethodGet:    true,
	http.MethodHead:   true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Split returns the route's method and path.
func (r Route) Split() (method, path string, err error) {
	method, path, ok := strings.Cut(strings.TrimSpace(r.Route), " ")
	path = strings.TrimSpace(path)
	if !ok || path == "" {
		return "", "", fmt.Errorf("route %q: want \"METHOD /path\"", r.Route)
	}
	method = strings.ToUpper(method)
	if !methods[method] {
		return "", "", fmt.Errorf("route %q: unsupported method %s", r.Route, method)
	}
	if !strings.HasPrefix(path, "/") {
		return "", "", fmt.Errorf("route %q: path must start with /", r.Route)
	}
	return method, path, nil
}

// Request builds the execution descriptor declared by the route.
func (r Route) Request() (engine.ExecutionRequest, error) {
	level, err := auth.ParseLevel(r.Auth)
	if err != nil {
		return engine.ExecutionRequest{}, fmt.Errorf("route %q: %w", r.Route, err)
	}
	prop, err := txn.ParsePropagation(r.Transaction)
	if err != nil {
		return engine.ExecutionRequest{}, fmt.Errorf("route %q: %w", r.Route, err)
	}
	capability, err := txn.ParseCapability(r.Capability)
	if err != nil {
		return engine.ExecutionRequest{}, fmt.Errorf("route %q: %w", r.Route, err)
	}
	if r.BufferSize < 0 {
		return engine.ExecutionRequest{}, fmt.Errorf("route %q: buffer_size must be >= 0", r.Route)
	}

	req := engine.ExecutionRequest{
		Handler:      r.Handler,
		RequiredAuth: level,
		Transaction:  prop,
		Capability:   capability,
		BufferSize:   r.BufferSize,
	}
	if r.RunAs != nil {
		if level != auth.LevelNone {
			return engine.ExecutionRequest{}, fmt.Errorf("route %q: run_as needs auth none", r.Route)
		}
		if r.RunAs.Name == "" {
			return engine.ExecutionRequest{}, fmt.Errorf("route %q: run_as needs a name", r.Route)
		}
		roles := make([]authctx.Role, 0, len(r.RunAs.Roles))
		for _, role := range r.RunAs.Roles {
			roles = append(roles, authctx.Role(role))
		}
		req.RunAs = authctx.NewIdentity(r.RunAs.Name, roles...)
	}
	return req, nil
}

// Validate checks every route and rejects duplicates.
func (m *Manifest) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for _, r := range m.Routes {
		method, path, err := r.Split()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if r.Handler == "" {
			errs = append(errs, fmt.Errorf("route %q: missing handler", r.Route))
		}
		if _, err := r.Request(); err != nil {
			errs = append(errs, err)
		}
		key := method + " " + path
		if seen[key] {
			errs = append(errs, fmt.Errorf("route %q: declared twice", r.Route))
		}
		seen[key] = true
	}
	return errors.Join(errs...)
}

// CheckMinLevel rejects routes whose run_as would be overridden by the
// container-wide minimum level.
func (m *Manifest) CheckMinLevel(level auth.Level) error {
	if level <= auth.LevelNone {
		return nil
	}
	var errs []error
	for _, r := range m.Routes {
		if r.RunAs != nil {
			errs = append(errs, fmt.Errorf("route %q: run_as cannot be combined with min_auth_level %s", r.Route, level))
		}
	}
	return errors.Join(errs...)
}

// ParseManifest decodes and validates a YAML manifest. Unknown fields are errors.
func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest reads the manifest at path. An empty path returns DefaultManifest.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return DefaultManifest(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// DefaultManifest exposes every builtin handler.
func DefaultManifest() *Manifest {
	return &Manifest{Routes: []Route{
		{Route: "POST /echo", Handler: "echo"},
		{Route: "GET /whoami", Handler: "whoami", Auth: "guest"},
		{Route: "GET /kv/:key", Handler: "kv.get", Auth: "user", Transaction: "required", Capability: "readonly"},
		{Route: "PUT /kv/:key", Handler: "kv.put", Auth: "user", Transaction: "required", Capability: "readwrite", BufferSize: 64 << 10},
		{Route: "DELETE /kv/:key", Handler: "kv.delete", Auth: "user", Transaction: "required", Capability: "readwrite", BufferSize: 4 << 10},
	}}
}
