package model

import "strings"

// ScopeSeparator splits a scope root from its child path.
const ScopeSeparator = ":"

// Scope is a hierarchical context address such as "implementation:feature-x".
// Root is the leading segment; Path is everything after the first separator.
type Scope struct {
	Root string
	Path string
}

// ParseScope splits a raw scope string. Only an empty root is rejected;
// unknown roots are valid and simply have no place in the hierarchy.
func ParseScope(s string) (Scope, error) {
	root, path, _ := strings.Cut(strings.TrimSpace(s), ScopeSeparator)
	if root == "" {
		return Scope{}, &InputError{Field: "scope", Reason: "empty scope root in " + quote(s)}
	}
	return Scope{Root: root, Path: path}, nil
}

// MustScope is ParseScope for literals known to be valid.
func MustScope(s string) Scope {
	sc, err := ParseScope(s)
	if err != nil {
		panic(err)
	}
	return sc
}

// RootScope returns a scope with no child path.
func RootScope(root string) Scope { return Scope{Root: root} }

func (s Scope) String() string {
	if s.Path == "" {
		return s.Root
	}
	return s.Root + ScopeSeparator + s.Path
}

// Child appends a segment to the path.
func (s Scope) Child(segment string) Scope {
	if s.Path == "" {
		return Scope{Root: s.Root, Path: segment}
	}
	return Scope{Root: s.Root, Path: s.Path + ScopeSeparator + segment}
}
