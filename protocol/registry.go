// Package protocol describes the methods and events a dispatcher accepts.
//
// A Registry is organised in domains. Each domain declares methods, with an
// optional parameter schema and an optional return schema, and events, each
// with a parameter schema. Fully qualified names are written "Domain.name".
//
// Registries are built in code (NewRegistry + AddMethod/AddEvent, usually
// with schemas reflected from Go types by SchemaFor) or loaded from a JSON
// document:
//
//	{
//	  "domains": {
//	    "Page": {
//	      "methods": {"navigate": {"params": {...}, "returns": {...}}},
//	      "events":  {"navigationCommitted": {...}}
//	    }
//	  }
//	}
//
// A Registry must not be mutated once it is handed to a dispatcher. Use a
// Watcher to swap whole registries when the document changes on disk.
package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Separator splits a fully qualified name into domain and member.
const Separator = "."

// Provider yields the registry in effect. *Registry provides itself.
type Provider interface {
	Registry() *Registry
}

// Method describes one callable method. A nil Params means the method takes
// no parameters; a nil Returns means it produces no result.
type Method struct {
	Params  *Schema `json:"params,omitempty"`
	Returns *Schema `json:"returns,omitempty"`
}

// Domain groups the methods and events of one namespace.
type Domain struct {
	Methods map[string]Method  `json:"methods,omitempty"`
	Events  map[string]*Schema `json:"events,omitempty"`
}

// Registry is the set of domains known to a dispatcher.
type Registry struct {
	Domains map[string]*Domain `json:"domains"`
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{Domains: make(map[string]*Domain)}
}

// Registry implements Provider.
func (r *Registry) Registry() *Registry { return r }

// SplitName splits "Domain.member" on the first separator. A name without a
// separator yields an empty member.
func SplitName(name string) (domain, member string) {
	domain, member, _ = strings.Cut(name, Separator)
	return domain, member
}

func (r *Registry) domain(name string, create bool) *Domain {
	if r.Domains == nil {
		if !create {
			return nil
		}
		r.Domains = make(map[string]*Domain)
	}
	d, ok := r.Domains[name]
	if !ok && create {
		d = &Domain{}
		r.Domains[name] = d
	}
	return d
}

// AddMethod declares a method by its fully qualified name.
func (r *Registry) AddMethod(name string, m Method) error {
	domain, member := SplitName(name)
	if domain == "" || member == "" {
		return fmt.Errorf("invalid method name %q", name)
	}
	d := r.domain(domain, true)
	if d.Methods == nil {
		d.Methods = make(map[string]Method)
	}
	if _, dup := d.Methods[member]; dup {
		return fmt.Errorf("method %q already declared", name)
	}
	d.Methods[member] = m
	return nil
}

// AddEvent declares an event by its fully qualified name.
func (r *Registry) AddEvent(name string, params *Schema) error {
	domain, member := SplitName(name)
	if domain == "" || member == "" {
		return fmt.Errorf("invalid event name %q", name)
	}
	if params == nil {
		return fmt.Errorf("event %q requires a schema", name)
	}
	d := r.domain(domain, true)
	if d.Events == nil {
		d.Events = make(map[string]*Schema)
	}
	if _, dup := d.Events[member]; dup {
		return fmt.Errorf("event %q already declared", name)
	}
	d.Events[member] = params
	return nil
}

// LookupMethod finds the descriptor of a fully qualified method name.
func (r *Registry) LookupMethod(name string) (Method, bool) {
	domain, member := SplitName(name)
	d := r.domain(domain, false)
	if d == nil || d.Methods == nil {
		return Method{}, false
	}
	m, ok := d.Methods[member]
	return m, ok
}

// LookupEvent finds the parameter schema of a fully qualified event name.
func (r *Registry) LookupEvent(name string) (*Schema, bool) {
	domain, member := SplitName(name)
	d := r.domain(domain, false)
	if d == nil || d.Events == nil {
		return nil, false
	}
	s, ok := d.Events[member]
	return s, ok && s != nil
}

// MethodNames lists every declared method, sorted.
func (r *Registry) MethodNames() []string {
	var out []string
	for dn, d := range r.Domains {
		for mn := range d.Methods {
			out = append(out, dn+Separator+mn)
		}
	}
	sort.Strings(out)
	return out
}

// EventNames lists every declared event, sorted.
func (r *Registry) EventNames() []string {
	var out []string
	for dn, d := range r.Domains {
		for en := range d.Events {
			out = append(out, dn+Separator+en)
		}
	}
	sort.Strings(out)
	return out
}

// Load decodes a registry document.
func Load(rd io.Reader) (*Registry, error) {
	var reg Registry
	dec := json.NewDecoder(rd)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&reg); err != nil {
		return nil, fmt.Errorf("decode protocol: %w", err)
	}
	if reg.Domains == nil {
		reg.Domains = make(map[string]*Domain)
	}
	for name, d := range reg.Domains {
		if d == nil {
			return nil, fmt.Errorf("domain %q is null", name)
		}
		if strings.Contains(name, Separator) {
			return nil, fmt.Errorf("domain name %q contains %q", name, Separator)
		}
		for ev, s := range d.Events {
			if s == nil {
				return nil, fmt.Errorf("event %q has no schema", name+Separator+ev)
			}
		}
	}
	return &reg, nil
}

// LoadFile reads a registry document from disk.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}
