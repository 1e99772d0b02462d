package policyengine

import (
	"fmt"
	"regexp"

	"github.com/coreattest/verifier/internal/core"
)

// CompiledRuntimePolicy is core.RuntimePolicy with its exclude-list
// regexes compiled once at load time, per spec §4.B: "an unparseable
// regex is a configuration error surfaced at policy load time, never
// at verification."
type CompiledRuntimePolicy struct {
	Allowlist        map[string]string
	RequireSignature map[string]bool
	Exclude          []*regexp.Regexp
	Keyring          *Keyring
}

// CompileRuntimePolicy compiles a core.RuntimePolicy into the form the
// Engine evaluates against. Any malformed exclude-list regex or
// verification key is reported as a *core.ConfigurationError.
func CompileRuntimePolicy(rp core.RuntimePolicy) (*CompiledRuntimePolicy, error) {
	compiled := &CompiledRuntimePolicy{
		Allowlist:        rp.Allowlist,
		RequireSignature: rp.RequireSignature,
	}
	for _, pattern := range rp.Exclude {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, &core.ConfigurationError{Message: fmt.Sprintf("exclude pattern %q: %v", pattern, err)}
		}
		compiled.Exclude = append(compiled.Exclude, re)
	}
	keyring, err := NewKeyring(rp.VerificationKeys)
	if err != nil {
		return nil, &core.ConfigurationError{Message: fmt.Sprintf("verification keys: %v", err)}
	}
	compiled.Keyring = keyring
	return compiled, nil
}

func (p *CompiledRuntimePolicy) excluded(path string) bool {
	for _, re := range p.Exclude {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}
