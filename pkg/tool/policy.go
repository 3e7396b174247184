package tool

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrToolsDisabled rejects every tool when no executable is allowed.
var ErrToolsDisabled = errors.New("tools disabled: no allowed executables configured")

// Policy restricts which tools steps may run. Tools are denied unless their
// executable is listed.
type Policy struct {
	// AllowedExecs lists permitted executables; empty denies every tool.
	AllowedExecs []string `yaml:"allowed_execs,omitempty"`
	// Root confines tool working directories when set.
	Root string `yaml:"root,omitempty"`
}

// Check validates a command and workdir against the policy.
func (p *Policy) Check(command []string, workdir string) error {
	if len(command) == 0 {
		return fmt.Errorf("tool requires a command")
	}
	if p == nil || len(p.AllowedExecs) == 0 {
		return ErrToolsDisabled
	}
	allowed := false
	for _, exec := range p.AllowedExecs {
		if command[0] == exec {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("tool %q not in allowed executables", command[0])
	}
	if p.Root != "" && workdir != "" {
		if ok, reason := confined(p.Root, workdir); !ok {
			return fmt.Errorf("tool workdir %q: %s", workdir, reason)
		}
	}
	return nil
}

func confined(root, workdir string) (bool, string) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return false, "invalid root"
	}
	candidate := workdir
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(rootAbs, candidate)
	}
	cand, err := filepath.Abs(candidate)
	if err != nil {
		return false, "invalid path"
	}
	if cand == rootAbs || strings.HasPrefix(cand, rootAbs+string(filepath.Separator)) {
		return true, ""
	}
	return false, "path escapes root"
}
