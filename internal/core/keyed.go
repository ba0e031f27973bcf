// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

// StringRegistry provides a string-identified facade over a Registry for
// callers that want to name handles by a single string rather than a
// (class, id) pair.
type StringRegistry struct {
	reg   *Registry
	class string
}

// NewStringRegistry creates a StringRegistry backed by reg, scoping every
// handle it creates under class. Multiple StringRegistry facades sharing
// one Registry but using different class values do not collide, even if
// they happen to use the same id string's hash.
func NewStringRegistry(reg *Registry, class string) *StringRegistry {
	return &StringRegistry{reg: reg, class: class}
}

func (s *StringRegistry) key(id string) HandleKey {
	return HandleKey{Class: s.class, ID: uintptr(stringID(id))}
}

// Register establishes id with the given value and destructor. If depIDs is
// non-empty, it also establishes a dependency edge onto each of them within
// this StringRegistry's class.
func (s *StringRegistry) Register(id string, value any, destructor Destructor, depIDs ...string) error {
	deps := make([]HandleKey, len(depIDs))
	for i, d := range depIDs {
		deps[i] = s.key(d)
	}
	return s.reg.Register(s.key(id), value, destructor, deps...)
}

// Unregister releases the caller's reference to id.
func (s *StringRegistry) Unregister(id string) error {
	return s.reg.Unregister(s.key(id))
}

// AddDependency records that dependerID depends on dependencyID.
func (s *StringRegistry) AddDependency(dependerID, dependencyID string) error {
	return s.reg.AddDependency(s.key(dependerID), s.key(dependencyID))
}

// RemoveDependency removes a dependency edge previously added with AddDependency.
func (s *StringRegistry) RemoveDependency(dependerID, dependencyID string) error {
	return s.reg.RemoveDependency(s.key(dependerID), s.key(dependencyID))
}

// stringID hashes id into a uintptr using the same FNV-1a construction the
// handle map uses for its class tags, so string-identified handles spread
// across buckets the same way numeric ones do.
func stringID(id string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(id); i++ {
		h ^= uint64(id[i])
		h *= prime64
	}
	return h
}
