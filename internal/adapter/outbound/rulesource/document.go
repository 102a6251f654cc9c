// Package rulesource loads declarative policy rules from YAML or JSON documents.
package rulesource

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Sentinel-Gate/governor/internal/domain/policy"
)

//go:embed rules.schema.json
var schemaJSON string

const schemaURL = "https://governor.local/schemas/rules.schema.json"

// SupportedVersions is the semver constraint on a document's version field.
const SupportedVersions = "^1"

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile(schemaURL)
})

var validate = validator.New(validator.WithRequiredStructEnabled())

// Document is one rule file.
type Document struct {
	Version string    `json:"version" validate:"required"`
	Rules   []RuleDoc `json:"rules" validate:"required"`
}

// RuleDoc is the serialized form of a rule.
type RuleDoc struct {
	Name      string    `json:"name" validate:"required,max=128"`
	Pattern   string    `json:"pattern" validate:"required,max=1024"`
	Scope     ScopeList `json:"scope" validate:"required,min=1,dive,required"`
	Verdict   string    `json:"verdict" validate:"required"`
	Priority  int       `json:"priority"`
	Condition string    `json:"condition" validate:"max=1024"`
	Reason    string    `json:"reason" validate:"max=512"`
}

// ScopeList accepts either a single action or a list of actions.
type ScopeList []string

func (s *ScopeList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = ScopeList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// Format is the encoding of a rule document.
type Format int

const (
	FormatYAML Format = iota
	FormatJSON
)

// ParseDocument validates raw bytes against the embedded schema, checks the version
// and converts every rule, stopping at the first invalid one.
func ParseDocument(source string, data []byte, format Format) ([]policy.Rule, error) {
	jsonData, err := toJSON(data, format)
	if err != nil {
		return nil, &policy.ConfigError{Source: source, Index: -1, Err: err}
	}

	schema, err := compiledSchema()
	if err != nil {
		return nil, &policy.ConfigError{Source: source, Index: -1, Err: fmt.Errorf("compile rule schema: %w", err)}
	}
	// Validate wants json.Number for numbers.
	var instance any
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return nil, &policy.ConfigError{Source: source, Index: -1, Err: err}
	}
	if err := schema.Validate(instance); err != nil {
		return nil, schemaError(source, instance, err)
	}

	var doc Document
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return nil, &policy.ConfigError{Source: source, Index: -1, Err: err}
	}
	if err := checkVersion(doc.Version); err != nil {
		return nil, &policy.ConfigError{Source: source, Index: -1, Err: err}
	}

	rules := make([]policy.Rule, 0, len(doc.Rules))
	for i, rd := range doc.Rules {
		rule, err := convertRule(rd)
		if err != nil {
			return nil, &policy.ConfigError{Source: source, Index: i, Rule: rd.Name, Err: err}
		}
		rule.Source = source
		rules = append(rules, rule)
	}
	return rules, nil
}

// toJSON decodes YAML into generic values and re-encodes it as JSON.
func toJSON(data []byte, format Format) ([]byte, error) {
	if format == FormatJSON {
		if !json.Valid(data) {
			return nil, errors.New("invalid JSON document")
		}
		return data, nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("convert YAML: %w", err)
	}
	return out, nil
}

func checkVersion(v string) error {
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", v, err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(version) {
		return fmt.Errorf("unsupported version %s (want %s)", v, SupportedVersions)
	}
	return nil
}

// schemaError reports the lowest rule index among the leaf schema failures.
func schemaError(source string, instance any, err error) error {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return &policy.ConfigError{Source: source, Index: -1, Err: err}
	}
	first := -1
	var firstLeaf *jsonschema.ValidationError
	for _, leaf := range leaves(verr) {
		idx := ruleIndex(leaf.InstanceLocation)
		if idx >= 0 && (first < 0 || idx < first) {
			first, firstLeaf = idx, leaf
		}
	}
	if first < 0 {
		return &policy.ConfigError{Source: source, Index: -1, Err: fmt.Errorf("schema: %s", verr.Error())}
	}
	return &policy.ConfigError{
		Source: source,
		Index:  first,
		Rule:   ruleName(instance, first),
		Err:    fmt.Errorf("schema: %s: %s", firstLeaf.InstanceLocation, firstLeaf.Message),
	}
}

func leaves(e *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(e.Causes) == 0 {
		return []*jsonschema.ValidationError{e}
	}
	var out []*jsonschema.ValidationError
	for _, c := range e.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}

// ruleIndex extracts N from an instance location like "/rules/N/verdict".
func ruleIndex(loc string) int {
	parts := strings.Split(strings.TrimPrefix(loc, "/"), "/")
	if len(parts) < 2 || parts[0] != "rules" {
		return -1
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return -1
	}
	return n
}

func ruleName(instance any, idx int) string {
	doc, ok := instance.(map[string]any)
	if !ok {
		return ""
	}
	rules, ok := doc["rules"].([]any)
	if !ok || idx >= len(rules) {
		return ""
	}
	rule, ok := rules[idx].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := rule["name"].(string)
	return name
}

func convertRule(rd RuleDoc) (policy.Rule, error) {
	if err := validate.Struct(rd); err != nil {
		return policy.Rule{}, formatValidationErrors(err)
	}
	verdict, err := policy.ParseDecision(rd.Verdict)
	if err != nil {
		return policy.Rule{}, err
	}
	scope := make([]policy.ActionKind, 0, len(rd.Scope))
	for _, s := range rd.Scope {
		if strings.TrimSpace(s) == string(policy.ActionAny) {
			scope = append(scope, policy.ActionAny)
			continue
		}
		kind, err := policy.ParseActionKind(s)
		if err != nil {
			return policy.Rule{}, fmt.Errorf("scope: %w", err)
		}
		scope = append(scope, kind)
	}
	if !policy.ValidatePattern(rd.Pattern) {
		return policy.Rule{}, fmt.Errorf("invalid glob pattern %q", rd.Pattern)
	}
	return policy.Rule{
		Name:      rd.Name,
		Pattern:   rd.Pattern,
		Scope:     scope,
		Verdict:   verdict,
		Priority:  rd.Priority,
		Condition: rd.Condition,
		Reason:    rd.Reason,
	}, nil
}

func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	sort.Strings(msgs)
	return errors.New(strings.Join(msgs, "; "))
}
