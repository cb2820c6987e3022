// Package config loads the CUE configuration of the dss tools.
//
// A configuration file is unified with the embedded #Config schema before it
// is decoded, so defaults, types and closedness come from the schema:
//
//	database: "meta.db"
//	policy: {
//		max_attempts:       5
//		invocation_timeout: "15m"
//	}
//	replicas: {
//		aws: bucket: "dss-prod"
//		gcp: bucket: "dss-prod-gcp"
//	}
package config

import (
	_ "embed"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/dss/internal/backoff"
	"github.com/roach88/dss/internal/engine"
)

//go:embed schema.cue
var schemaSource string

// Error codes.
const (
	ErrCodeRead    = "E_CONFIG_READ"
	ErrCodeSyntax  = "E_CONFIG_SYNTAX"
	ErrCodeSchema  = "E_CONFIG_SCHEMA"
	ErrCodeInvalid = "E_CONFIG_INVALID"
)

// Error is a configuration error, positioned in the CUE source when known.
type Error struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func cueError(code string, err error) *Error {
	e := &Error{Code: code, Message: err.Error()}
	if errs := cueerrors.Errors(err); len(errs) > 0 {
		e.Pos = errs[0].Position()
	}
	return e
}

// Replica is the configuration of one replica.
type Replica struct {
	Bucket string `json:"bucket"`
}

// Policy holds the resolved engine and walker settings.
type Policy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	InvocationTimeout time.Duration
	ShutdownMargin    time.Duration
	IndexTimeout      time.Duration
	PageSize          int
}

// Config is a resolved configuration.
type Config struct {
	Database string
	Policy   Policy
	Replicas map[string]Replica
}

type rawPolicy struct {
	MaxAttempts       int    `json:"max_attempts"`
	InitialBackoff    string `json:"initial_backoff"`
	MaxBackoff        string `json:"max_backoff"`
	InvocationTimeout string `json:"invocation_timeout"`
	ShutdownMargin    string `json:"shutdown_margin"`
	IndexTimeout      string `json:"index_timeout"`
	PageSize          int    `json:"page_size"`
}

type rawConfig struct {
	Database string             `json:"database"`
	Policy   rawPolicy          `json:"policy"`
	Replicas map[string]Replica `json:"replicas"`
}

// Default returns the schema defaults.
func Default() (*Config, error) {
	return Parse("default.cue", nil)
}

// Load reads and resolves the configuration file at path. An empty path
// yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Code: ErrCodeRead, Message: err.Error()}
	}
	return Parse(path, data)
}

// Parse resolves CUE source against the schema. filename is used in error
// positions only.
func Parse(filename string, data []byte) (*Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, cueError(ErrCodeSchema, err)
	}

	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, cueError(ErrCodeSyntax, err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(ErrCodeInvalid, err)
	}

	var raw rawConfig
	if err := unified.Decode(&raw); err != nil {
		return nil, cueError(ErrCodeInvalid, err)
	}
	return raw.resolve()
}

func (r rawConfig) resolve() (*Config, error) {
	c := &Config{
		Database: r.Database,
		Replicas: r.Replicas,
		Policy: Policy{
			MaxAttempts: r.Policy.MaxAttempts,
			PageSize:    r.Policy.PageSize,
		},
	}
	if c.Replicas == nil {
		c.Replicas = map[string]Replica{}
	}

	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"initial_backoff", r.Policy.InitialBackoff, &c.Policy.InitialBackoff},
		{"max_backoff", r.Policy.MaxBackoff, &c.Policy.MaxBackoff},
		{"invocation_timeout", r.Policy.InvocationTimeout, &c.Policy.InvocationTimeout},
		{"shutdown_margin", r.Policy.ShutdownMargin, &c.Policy.ShutdownMargin},
		{"index_timeout", r.Policy.IndexTimeout, &c.Policy.IndexTimeout},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, &Error{Code: ErrCodeInvalid, Message: fmt.Sprintf("policy.%s: %v", d.field, err)}
		}
		if parsed < 0 {
			return nil, &Error{Code: ErrCodeInvalid, Message: fmt.Sprintf("policy.%s must not be negative", d.field)}
		}
		*d.dst = parsed
	}

	if c.Policy.InitialBackoff > c.Policy.MaxBackoff {
		return nil, &Error{Code: ErrCodeInvalid, Message: fmt.Sprintf(
			"policy.initial_backoff (%s) exceeds policy.max_backoff (%s)", c.Policy.InitialBackoff, c.Policy.MaxBackoff)}
	}
	if err := c.EnginePolicy().Validate(); err != nil {
		return nil, &Error{Code: ErrCodeInvalid, Message: "policy." + err.Error()}
	}
	return c, nil
}

// EnginePolicy returns the invocation policy of the local engine.
func (c *Config) EnginePolicy() engine.Policy {
	return engine.Policy{
		MaxAttempts:       c.Policy.MaxAttempts,
		InvocationTimeout: c.Policy.InvocationTimeout,
		ShutdownMargin:    c.Policy.ShutdownMargin,
		Backoff:           backoff.NewJittered(c.Policy.InitialBackoff, c.Policy.MaxBackoff),
	}
}

// ReplicaNames returns the configured replica names in sorted order.
func (c *Config) ReplicaNames() []string {
	return slices.Sorted(maps.Keys(c.Replicas))
}
