// Package policy decides whether an AE may publish or subscribe to a
// subject. Decisions combine a static YAML document (operator-owned,
// hot-reloaded) with the dynamic capability grants AEs declare at
// registration.
package policy

import (
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// supportedVersions gates the document schema. Documents outside this
// range are refused at load so an operator cannot accidentally deploy a
// file written for a different gateway generation.
var supportedVersions = mustConstraint(">= 1.0.0, < 2.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// SubjectRule is the membership set for one subject: which AEs may
// publish to it and which may subscribe.
type SubjectRule struct {
	Pubs   []string `yaml:"pubs"`
	Subs   []string `yaml:"subs"`
	Labels []string `yaml:"labels"`
	// Guard is an optional CEL expression over (producer, labels)
	// evaluated after a membership allow. A false result denies.
	Guard string `yaml:"guard"`
}

// RoleGrant names the subjects a keyring role may publish or subscribe
// to, as patterns. Roles extend the per-subject memberships.
type RoleGrant struct {
	Pubs []string `yaml:"pubs"`
	Subs []string `yaml:"subs"`
}

// Document is the parsed static policy file. Subjects is keyed by
// subject name (a literal topic, or a trailing-* prefix covering a
// family of topics); the rule lists the member ae_ids per direction.
type Document struct {
	Version  string                 `yaml:"version"`
	Subjects map[string]SubjectRule `yaml:"subjects"`
	Roles    map[string]RoleGrant   `yaml:"roles"`

	guards map[string]cel.Program
}

// guardEnv is the CEL environment guards are compiled against.
func guardEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("producer", cel.StringType),
		cel.Variable("labels", cel.ListType(cel.StringType)),
	)
}

// ParseDocument parses and validates a static policy document. Guards are
// compiled here so a broken expression is caught at load time, not at the
// first matching emission.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("policy: parse: %w", err)
	}

	if doc.Version == "" {
		doc.Version = "1.0.0"
	}
	v, err := semver.NewVersion(doc.Version)
	if err != nil {
		return nil, fmt.Errorf("policy: version %q: %w", doc.Version, err)
	}
	if !supportedVersions.Check(v) {
		return nil, fmt.Errorf("policy: version %s outside supported range %s", v, supportedVersions)
	}

	doc.guards = make(map[string]cel.Program)
	if len(doc.Subjects) > 0 {
		env, err := guardEnv()
		if err != nil {
			return nil, fmt.Errorf("policy: cel env: %w", err)
		}
		for name, rule := range doc.Subjects {
			if rule.Guard == "" {
				continue
			}
			ast, iss := env.Compile(rule.Guard)
			if iss.Err() != nil {
				return nil, fmt.Errorf("policy: subject %q guard: %w", name, iss.Err())
			}
			if ast.OutputType() != cel.BoolType {
				return nil, fmt.Errorf("policy: subject %q guard must yield bool", name)
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("policy: subject %q guard program: %w", name, err)
			}
			doc.guards[name] = prg
		}
	}
	return &doc, nil
}

// LoadFile reads and parses path.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return ParseDocument(data)
}

// lookup resolves subject against the rule map: an exact key wins, then
// any trailing-* key covering it. The matched key is returned so callers
// can find the rule's guard.
func (d *Document) lookup(subject string) (string, SubjectRule, bool) {
	if rule, ok := d.Subjects[subject]; ok {
		return subject, rule, true
	}
	for name, rule := range d.Subjects {
		if strings.HasSuffix(name, "*") && subjectMatches(name, subject) {
			return name, rule, true
		}
	}
	return "", SubjectRule{}, false
}

// KnowsSubject reports whether subject is named by the document: covered
// by a subject rule key or by a role grant pattern. Capability
// declarations are fenced on this: an AE cannot declare a subject the
// operator has never named.
func (d *Document) KnowsSubject(subject string) bool {
	if _, _, ok := d.lookup(subject); ok {
		return true
	}
	for _, g := range d.Roles {
		if anyMatches(g.Pubs, subject) || anyMatches(g.Subs, subject) {
			return true
		}
	}
	return false
}

// subjectMatches reports whether pattern covers subject. Patterns are
// exact strings, or prefixes when they end in "*" ("telemetry.*" covers
// "telemetry.cpu").
func subjectMatches(pattern, subject string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(subject, prefix)
	}
	return pattern == subject
}

func anyMatches(patterns []string, subject string) bool {
	for _, p := range patterns {
		if subjectMatches(p, subject) {
			return true
		}
	}
	return false
}

func containsAE(members []string, aeID string) bool {
	for _, m := range members {
		if m == aeID {
			return true
		}
	}
	return false
}
