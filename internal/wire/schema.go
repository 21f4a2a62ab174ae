package wire

import (
	"fmt"
	"slices"
	"strings"

	"github.com/g960059/portal/internal/pool"
)

// Strategy resolves one declared field to the name it was sent under.
type Strategy interface {
	resolve(env *Envelope, claimed map[string]bool) (string, bool)
	String() string
}

type named []string

// Named matches the first present name, in declared order.
func Named(names ...string) Strategy {
	return named(names)
}

func (n named) resolve(env *Envelope, _ map[string]bool) (string, bool) {
	for _, name := range n {
		if _, ok := env.Fields[name]; ok {
			return name, true
		}
	}
	return "", false
}

func (n named) String() string {
	return "named(" + strings.Join(n, ",") + ")"
}

type byKind []Kind

// ByKind matches when exactly one unclaimed field has one of kinds.
func ByKind(kinds ...Kind) Strategy {
	return byKind(kinds)
}

func (k byKind) resolve(env *Envelope, claimed map[string]bool) (string, bool) {
	found := ""
	for name, v := range env.Fields {
		if claimed[name] || !slices.Contains(k, v.Kind) {
			continue
		}
		if found != "" {
			return "", false
		}
		found = name
	}
	return found, found != ""
}

func (k byKind) String() string {
	parts := make([]string, len(k))
	for i, kind := range k {
		parts[i] = string(kind)
	}
	return "kind(" + strings.Join(parts, ",") + ")"
}

type FieldSpec struct {
	Name       string
	Strategies []Strategy
}

type CommandSpec struct {
	ID      string
	Aliases []string
	Fields  []FieldSpec
}

type resolveKey struct {
	command   string
	field     string
	signature string
}

// Schema is a versioned table of (command, field) accessors. Resolution
// tries each strategy in order; the first hit wins.
type Schema struct {
	Version  string
	commands map[string]*CommandSpec
	aliases  map[string]string
	cache    *pool.Cache[resolveKey, string]
}

func NewSchema(version string, specs []CommandSpec, cacheSize int) (*Schema, error) {
	cache, err := pool.NewCache[resolveKey, string](cacheSize)
	if err != nil {
		return nil, err
	}
	s := &Schema{
		Version:  version,
		commands: make(map[string]*CommandSpec, len(specs)),
		aliases:  map[string]string{},
		cache:    cache,
	}
	for i := range specs {
		spec := &specs[i]
		if _, dup := s.commands[spec.ID]; dup {
			return nil, fmt.Errorf("schema %s: duplicate command %s", version, spec.ID)
		}
		s.commands[spec.ID] = spec
		for _, alias := range spec.Aliases {
			s.aliases[alias] = spec.ID
		}
	}
	return s, nil
}

// Canonical maps a command alias to its id.
func (s *Schema) Canonical(commandID string) string {
	if id, ok := s.aliases[commandID]; ok {
		return id
	}
	return commandID
}

func (s *Schema) Known(commandID string) bool {
	_, ok := s.commands[s.Canonical(commandID)]
	return ok
}

// Lookup returns the value sent for the declared field. Undeclared fields
// resolve by exact name only.
func (s *Schema) Lookup(env *Envelope, field string) (Value, bool) {
	if env == nil || len(env.Fields) == 0 {
		return Value{}, false
	}
	command := s.Canonical(env.CommandID)
	key := resolveKey{command: command, field: field, signature: signature(env)}
	name, err := s.cache.GetOrLoad(key, func(resolveKey) (string, error) {
		return s.resolve(command, field, env), nil
	})
	if err != nil || name == "" {
		return Value{}, false
	}
	v, ok := env.Fields[name]
	return v, ok
}

func (s *Schema) resolve(command, field string, env *Envelope) string {
	spec, ok := s.commands[command]
	if !ok || !slices.ContainsFunc(spec.Fields, func(f FieldSpec) bool { return f.Name == field }) {
		name, _ := named{field}.resolve(env, nil)
		return name
	}
	return assign(spec, env)[field]
}

// assign resolves every declared field of spec in declared order. A sent
// field serves at most one declared field, and shape scans never take a
// name another declared field lists.
func assign(spec *CommandSpec, env *Envelope) map[string]string {
	claimed := map[string]bool{}
	for _, f := range spec.Fields {
		for _, st := range f.Strategies {
			if n, ok := st.(named); ok {
				for _, name := range n {
					claimed[name] = true
				}
			}
		}
	}
	taken := map[string]bool{}
	out := make(map[string]string, len(spec.Fields))
	for _, f := range spec.Fields {
		for _, st := range f.Strategies {
			name, ok := st.resolve(env, claimed)
			if !ok || taken[name] {
				continue
			}
			out[f.Name] = name
			taken[name] = true
			claimed[name] = true
			break
		}
	}
	return out
}

func signature(env *Envelope) string {
	var b strings.Builder
	for _, name := range env.Names() {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(string(env.Fields[name].Kind))
		b.WriteByte(';')
	}
	return b.String()
}

// Float reads a numeric field. present is false when the field is absent;
// a present field of another kind is an invalid argument.
func (s *Schema) Float(env *Envelope, field string) (value float64, present bool, err error) {
	v, ok := s.Lookup(env, field)
	if !ok {
		return 0, false, nil
	}
	f, ok := v.AsFloat64()
	if !ok {
		return 0, true, fmt.Errorf("%w: %s must be numeric, got %s", ErrInvalidArgument, field, v.Kind)
	}
	return f, true, nil
}

func (s *Schema) Int(env *Envelope, field string) (value int64, present bool, err error) {
	v, ok := s.Lookup(env, field)
	if !ok {
		return 0, false, nil
	}
	n, ok := v.AsInt64()
	if !ok {
		return 0, true, fmt.Errorf("%w: %s must be an integer, got %s", ErrInvalidArgument, field, v.Kind)
	}
	return n, true, nil
}

func (s *Schema) Bool(env *Envelope, field string) (value bool, present bool, err error) {
	v, ok := s.Lookup(env, field)
	if !ok {
		return false, false, nil
	}
	b, ok := v.AsBool()
	if !ok {
		return false, true, fmt.Errorf("%w: %s must be a bool, got %s", ErrInvalidArgument, field, v.Kind)
	}
	return b, true, nil
}

func (s *Schema) Text(env *Envelope, field string) (value string, present bool, err error) {
	v, ok := s.Lookup(env, field)
	if !ok {
		return "", false, nil
	}
	str, ok := v.AsString()
	if !ok {
		return "", true, fmt.Errorf("%w: %s must be a string, got %s", ErrInvalidArgument, field, v.Kind)
	}
	return str, true, nil
}

// RequireFloat is Float with absence reported as an invalid argument.
func (s *Schema) RequireFloat(env *Envelope, field string) (float64, error) {
	f, ok, err := s.Float(env, field)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidArgument, field)
	}
	return f, nil
}

func (s *Schema) RequireBool(env *Envelope, field string) (bool, error) {
	b, ok, err := s.Bool(env, field)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: %s is required", ErrInvalidArgument, field)
	}
	return b, nil
}

func (s *Schema) RequireText(env *Envelope, field string) (string, error) {
	str, ok, err := s.Text(env, field)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidArgument, field)
	}
	return str, nil
}

func (s *Schema) RequireInt(env *Envelope, field string) (int64, error) {
	n, ok, err := s.Int(env, field)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidArgument, field)
	}
	return n, nil
}
