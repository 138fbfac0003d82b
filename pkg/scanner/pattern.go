package scanner

import (
	"context"
	"regexp"
)

// Pattern is the heuristic byte-level engine: a regex pass over the first N
// bytes looking for embedded script markers. It is a best-effort signal
// layered under the AV engine, not a security boundary; obfuscated payloads
// will slip past it.
type Pattern struct {
	patterns []*regexp.Regexp
}

var defaultPatterns = []*regexp.Regexp{
	// Interpreter tags.
	regexp.MustCompile(`(?i)<\?php`),
	regexp.MustCompile(`(?i)<\?=`),
	regexp.MustCompile(`(?i)<%[\s=!]`),
	regexp.MustCompile(`(?i)<script[\s>]`),
	regexp.MustCompile(`(?i)#!\s*/(usr/)?bin/(ba|z|da)?sh`),
	// Dangerous call patterns.
	regexp.MustCompile(`(?i)\b(eval|exec|system|passthru|shell_exec|popen|proc_open|assert)\s*\(`),
	// Encoded payload markers.
	regexp.MustCompile(`(?i)\bbase64_decode\s*\(`),
	regexp.MustCompile(`(?i)\bgzinflate\s*\(`),
	regexp.MustCompile(`(?i)\bstr_rot13\s*\(`),
}

// NewPattern builds the engine with the default marker set.
func NewPattern() *Pattern {
	return &Pattern{patterns: defaultPatterns}
}

// Name returns the engine key.
func (p *Pattern) Name() string { return "pattern" }

// Scan checks the payload prefix against the marker set. A hit is a
// suspicious verdict, never an infrastructure error.
func (p *Pattern) Scan(ctx context.Context, req Request) (Result, error) {
	for _, pattern := range p.patterns {
		if loc := pattern.Find(req.Prefix); loc != nil {
			return Result{Engine: p.Name(), Verdict: VerdictSuspicious, Signature: pattern.String()}, nil
		}
	}
	return Result{Engine: p.Name(), Verdict: VerdictClean}, nil
}
