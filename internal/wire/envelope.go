package wire

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Envelope is the request/reply container of one command. Handlers write
// their results into Fields of the same envelope.
type Envelope struct {
	CommandID string           `json:"command_id"`
	Fields    map[string]Value `json:"fields,omitempty"`
	Success   bool             `json:"success"`
}

func NewEnvelope(commandID string) *Envelope {
	return &Envelope{CommandID: strings.TrimSpace(commandID), Fields: map[string]Value{}}
}

func (e *Envelope) Set(name string, v Value) *Envelope {
	if e.Fields == nil {
		e.Fields = map[string]Value{}
	}
	e.Fields[name] = v
	return e
}

func (e *Envelope) Get(name string) (Value, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

func (e *Envelope) Delete(name string) {
	delete(e.Fields, name)
}

// Names returns field names in sorted order.
func (e *Envelope) Names() []string {
	return slices.Sorted(maps.Keys(e.Fields))
}

func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	out := &Envelope{CommandID: e.CommandID, Success: e.Success, Fields: make(map[string]Value, len(e.Fields))}
	for k, v := range e.Fields {
		if b, ok := v.AsBinary(); ok {
			v = Binary(b)
		}
		out.Fields[k] = v
	}
	return out
}

// Replace overwrites e with reply, the way a transport call hands back its
// result in the request envelope.
func (e *Envelope) Replace(reply *Envelope) {
	if reply == nil {
		return
	}
	e.Success = reply.Success
	e.Fields = make(map[string]Value, len(reply.Fields))
	maps.Copy(e.Fields, reply.Fields)
}

func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: envelope is required", ErrInvalidFrame)
	}
	if strings.TrimSpace(e.CommandID) == "" {
		return fmt.Errorf("%w: command_id is required", ErrInvalidFrame)
	}
	for name, v := range e.Fields {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: empty field name", ErrInvalidFrame)
		}
		if !v.Kind.Valid() {
			return fmt.Errorf("%w: field %s has type %q", ErrInvalidFrame, name, v.Kind)
		}
	}
	return nil
}
