// Package shim converts the legacy inline-markup calling convention into
// tool call envelopes so both calling styles funnel through one executor.
// The markup predates the structured envelope format; it survives only for
// older agent prompts that still emit it.
package shim

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/haasonsaas/crucible/pkg/models"
)

// Markup forms. run and write convert into envelopes; note and cite are
// annotation-only and are never executed.
var (
	runTagRe   = regexp.MustCompile(`\{\{run:([^}]+)\}\}`)
	writeTagRe = regexp.MustCompile(`(?s)\{\{write:([^}]+)\}\}(.*?)\{\{/write\}\}`)
	noteTagRe  = regexp.MustCompile(`\{\{note:([^}]*)\}\}`)
	citeTagRe  = regexp.MustCompile(`\{\{cite:([^}]*)\}\}`)
)

// extLangs infers a runtime from a file extension when the tag carries no
// explicit runtime prefix.
var extLangs = map[string]string{
	".py": "python",
	".js": "node",
	".sh": "bash",
}

// runtimes are the accepted explicit runtime prefixes ({{run:python:x.py}}).
var runtimes = map[string]bool{
	"python": true,
	"node":   true,
	"bash":   true,
}

// Call is one converted legacy invocation. Blocked marks envelopes produced
// while the shim is disabled; they are returned for display but must not be
// executed.
type Call struct {
	Envelope models.ToolCallEnvelope
	Blocked  bool
}

// Conversion is the outcome of scanning one block of agent output.
type Conversion struct {
	// Calls holds the converted envelopes. Write calls are ordered before
	// run calls so a file written in the same block exists before a run
	// tag references it.
	Calls []Call
	// Annotations holds the literal text of note/cite tags, retained for
	// display only.
	Annotations []string
	// Errors lists tags that were recognized but rejected.
	Errors []string
}

// Shim converts legacy markup. The blocked flag can be flipped at runtime
// by an operator to disable the legacy calling convention without touching
// the tools it maps to.
type Shim struct {
	blocked atomic.Bool
}

// New creates a shim.
func New(blocked bool) *Shim {
	s := &Shim{}
	s.blocked.Store(blocked)
	return s
}

// SetBlocked flips the global blocked flag.
func (s *Shim) SetBlocked(blocked bool) { s.blocked.Store(blocked) }

// Blocked reports the current flag.
func (s *Shim) Blocked() bool { return s.blocked.Load() }

// Convert scans text for legacy markup and produces call envelopes.
// Annotation tags are collected but their literal text stays in the input;
// the caller keeps displaying it.
func (s *Shim) Convert(text string) *Conversion {
	conv := &Conversion{}
	blocked := s.blocked.Load()

	for _, m := range writeTagRe.FindAllStringSubmatch(text, -1) {
		target := strings.TrimSpace(m[1])
		if strings.Contains(target, "..") {
			conv.Errors = append(conv.Errors, fmt.Sprintf("write target %q rejected: path traversal", target))
			continue
		}
		args := mustJSON(map[string]string{"path": target, "content": m[2]})
		conv.Calls = append(conv.Calls, Call{
			Envelope: models.ToolCallEnvelope{ID: uuid.New().String(), Name: "vfs.write", Args: args},
			Blocked:  blocked,
		})
	}

	for _, m := range runTagRe.FindAllStringSubmatch(text, -1) {
		spec := strings.TrimSpace(m[1])
		lang, file, err := parseRunSpec(spec)
		if err != nil {
			conv.Errors = append(conv.Errors, err.Error())
			continue
		}
		args := mustJSON(map[string]string{"cmd": file, "lang": lang})
		conv.Calls = append(conv.Calls, Call{
			Envelope: models.ToolCallEnvelope{ID: uuid.New().String(), Name: "runner.spawn", Args: args},
			Blocked:  blocked,
		})
	}

	for _, m := range noteTagRe.FindAllStringSubmatch(text, -1) {
		conv.Annotations = append(conv.Annotations, m[1])
	}
	for _, m := range citeTagRe.FindAllStringSubmatch(text, -1) {
		conv.Annotations = append(conv.Annotations, m[1])
	}

	return conv
}

// parseRunSpec handles both "{{run:file.py}}" and "{{run:python:file.py}}".
// Any path component is stripped down to the bare filename.
func parseRunSpec(spec string) (lang, file string, err error) {
	if prefix, rest, found := strings.Cut(spec, ":"); found && runtimes[strings.TrimSpace(prefix)] {
		lang = strings.TrimSpace(prefix)
		file = strings.TrimSpace(rest)
	} else {
		file = spec
	}

	file = path.Base(strings.ReplaceAll(file, "\\", "/"))
	if file == "." || file == "/" || file == "" {
		return "", "", fmt.Errorf("run tag %q has no filename", spec)
	}

	if lang == "" {
		ext := strings.ToLower(path.Ext(file))
		inferred, ok := extLangs[ext]
		if !ok {
			return "", "", fmt.Errorf("run tag %q: cannot infer runtime from %q", spec, ext)
		}
		lang = inferred
	}
	return lang, file, nil
}

func mustJSON(v map[string]string) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
