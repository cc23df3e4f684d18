// Package template parses and validates pipeline templates.
//
// A template travels on the wire as base64url-encoded UTF-8 YAML:
//
//	image: <string>?
//	env: { <k>: <v> }?
//	before: { script: [<string>+] }?
//	after:  { script: [<string>+] }?
//	stages:
//	  <stage-name>:
//	    image: <string>?
//	    env: { <k>: <v> }?
//	    script: [<string>+]
//	    depends_on: [<stage-name>]?
//
// Stage declaration order is preserved; it is the tie-break when stages
// land in the same execution layer.
package template

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// PipelineTemplate is the decoded template of a job.
type PipelineTemplate struct {
	Image  string            `yaml:"image"`
	Env    map[string]string `yaml:"env"`
	Before *Script           `yaml:"before"`
	After  *Script           `yaml:"after"`
	Stages Stages            `yaml:"stages"`
}

// Script is a bare command list, used by the before/after hooks.
type Script struct {
	Script []string `yaml:"script"`
}

// Stage is one named unit of work. Name is filled from the mapping key.
type Stage struct {
	Name      string            `yaml:"-"`
	Image     string            `yaml:"image"`
	Env       map[string]string `yaml:"env"`
	Script    []string          `yaml:"script"`
	DependsOn []string          `yaml:"depends_on"`
}

// Stages is an order-preserving map of stage name to stage.
type Stages struct {
	names  []string
	byName map[string]Stage
}

// UnmarshalYAML decodes the stages mapping while keeping key order.
func (s *Stages) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("stages must be a mapping")
	}
	s.names = nil
	s.byName = make(map[string]Stage, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valNode := node.Content[i], node.Content[i+1]
		var st Stage
		if err := valNode.Decode(&st); err != nil {
			return fmt.Errorf("stage %s: %w", keyNode.Value, err)
		}
		st.Name = keyNode.Value
		if _, dup := s.byName[keyNode.Value]; dup {
			return fmt.Errorf("duplicate stage %s", keyNode.Value)
		}
		s.names = append(s.names, keyNode.Value)
		s.byName[keyNode.Value] = st
	}
	return nil
}

// Names returns the stage names in declaration order.
func (s *Stages) Names() []string {
	return s.names
}

// Get returns the named stage.
func (s *Stages) Get(name string) (Stage, bool) {
	st, ok := s.byName[name]
	return st, ok
}

// Len returns the number of stages.
func (s *Stages) Len() int {
	return len(s.names)
}

// Error aggregates every template problem found during validation.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("Pipeline template: [%s]", strings.Join(e.Problems, ", "))
}

// Parse decodes a base64url-encoded YAML template and validates it.
// All validation problems are aggregated into a single *Error.
func Parse(encoded string) (*PipelineTemplate, error) {
	raw, err := decodeBase64URL(encoded)
	if err != nil {
		return nil, &Error{Problems: []string{"template is not valid base64url"}}
	}
	if !utf8.Valid(raw) {
		return nil, &Error{Problems: []string{"template is not valid UTF-8"}}
	}

	var t PipelineTemplate
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, &Error{Problems: []string{fmt.Sprintf("template is not valid YAML: %v", err)}}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Encode renders YAML source into the wire encoding Parse accepts.
func Encode(yamlSrc string) string {
	return base64.URLEncoding.EncodeToString([]byte(yamlSrc))
}

func decodeBase64URL(encoded string) ([]byte, error) {
	if raw, err := base64.URLEncoding.DecodeString(encoded); err == nil {
		return raw, nil
	}
	return base64.RawURLEncoding.DecodeString(encoded)
}

// Validate checks the semantic rules and aggregates every violation.
func (t *PipelineTemplate) Validate() error {
	var problems []string

	if t.Stages.Len() == 0 {
		problems = append(problems, "stages cannot be empty")
	}
	if t.Before != nil && len(t.Before.Script) == 0 {
		problems = append(problems, "before script cannot be empty")
	}
	if t.After != nil && len(t.After.Script) == 0 {
		problems = append(problems, "after script cannot be empty")
	}

	for _, name := range t.Stages.Names() {
		st, _ := t.Stages.Get(name)
		if len(st.Script) == 0 {
			problems = append(problems, fmt.Sprintf("stage %s script cannot be empty", name))
		}
		for _, dep := range st.DependsOn {
			if dep == name {
				problems = append(problems, "stage cannot depend on itself")
				continue
			}
			if _, ok := t.Stages.Get(dep); !ok {
				problems = append(problems, fmt.Sprintf("stage %s depends on unknown stage %s", name, dep))
			}
		}
	}

	if len(problems) > 0 {
		return &Error{Problems: problems}
	}
	return nil
}
