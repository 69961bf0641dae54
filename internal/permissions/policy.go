package permissions

import (
	"fmt"
	"slices"
)

// IAMKey is the capability key that stands for the role bindings.
const IAMKey = "iam"

// Policy is a project's role-binding policy.
type Policy struct {
	Version  int64
	Etag     string
	Bindings []*Binding
}

// Binding grants Role to a set of members.
type Binding struct {
	Role      string
	Members   []string
	Condition *Condition
}

// Condition is carried through unchanged; conditional bindings are never
// merged into.
type Condition struct {
	Title       string
	Description string
	Expression  string
}

// Binding returns the unconditional binding for role, or nil.
func (p *Policy) Binding(role string) *Binding {
	for _, b := range p.Bindings {
		if b.Role == role && b.Condition == nil {
			return b
		}
	}
	return nil
}

// AddMember adds member to role with set semantics. It reports whether the
// policy changed.
func (p *Policy) AddMember(role, member string) bool {
	if b := p.Binding(role); b != nil {
		if slices.Contains(b.Members, member) {
			return false
		}
		b.Members = append(b.Members, member)
		return true
	}
	p.Bindings = append(p.Bindings, &Binding{Role: role, Members: []string{member}})
	return true
}

// HasMember reports whether member holds role unconditionally.
func (p *Policy) HasMember(role, member string) bool {
	b := p.Binding(role)
	return b != nil && slices.Contains(b.Members, member)
}

// CloudBuildPrincipal derives the Cloud Build service account member from
// the numeric project identifier.
func CloudBuildPrincipal(projectNumber string) string {
	return fmt.Sprintf("serviceAccount:%s@cloudbuild.gserviceaccount.com", projectNumber)
}

// GrantRecord tracks which capability keys were granted. Entries are only
// ever added.
type GrantRecord map[string]bool

func (r GrantRecord) grant(key string) { r[key] = true }

// Complete reports whether every key has been granted.
func (r GrantRecord) Complete(keys []string) bool {
	for _, k := range keys {
		if !r[k] {
			return false
		}
	}
	return true
}

// Missing lists the keys not yet granted, in input order.
func (r GrantRecord) Missing(keys []string) []string {
	var out []string
	for _, k := range keys {
		if !r[k] {
			out = append(out, k)
		}
	}
	return out
}
