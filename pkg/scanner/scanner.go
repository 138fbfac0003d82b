// Package scanner provides the external payload scan engines and their
// registry. Engines are selected by configuration key at startup; there is
// no runtime string-to-type resolution.
package scanner

import (
	"context"
	"fmt"
)

// Verdict is an engine's judgement on a payload.
type Verdict string

const (
	VerdictClean      Verdict = "clean"
	VerdictInfected   Verdict = "infected"
	VerdictSuspicious Verdict = "suspicious"
)

// Request identifies the payload under scan. Path points at the staged file
// for engines that shell out; Prefix carries the first N bytes for engines
// that inspect content in-process.
type Request struct {
	Path   string
	Prefix []byte
}

// Result is one engine's verdict.
type Result struct {
	Engine    string
	Verdict   Verdict
	Signature string
}

// Scanner is one scan engine. Scan returns an infrastructure error
// (timeout, unreachable) distinct from a negative verdict: verdicts are
// data, errors are transient failures.
type Scanner interface {
	Name() string
	Scan(ctx context.Context, req Request) (Result, error)
}

// Registry holds the engines enabled by configuration.
type Registry struct {
	engines []Scanner
}

// NewRegistry selects engines by name from the available set.
func NewRegistry(enabled []string, available map[string]Scanner) (*Registry, error) {
	engines := make([]Scanner, 0, len(enabled))
	for _, name := range enabled {
		engine, ok := available[name]
		if !ok {
			return nil, fmt.Errorf("unknown scan engine %q", name)
		}
		engines = append(engines, engine)
	}
	return &Registry{engines: engines}, nil
}

// Engines returns the enabled engines in configuration order.
func (r *Registry) Engines() []Scanner {
	return r.engines
}
