package jsonconfig

// Flusher is implemented by Store and Delayed: anything that can persist a
// document on demand.
type Flusher interface {
	Write() error
}

// Child is a typed view into a field of a parent document. It shares the
// parent's persistence instead of owning a file of its own: Write delegates
// to the parent, so a Child backed by a Delayed parent participates in that
// parent's coalescing (spec.md §4.2).
type Child[T any] struct {
	parent Flusher
	get    func() *T
}

// NewChild builds a Child view backed by parent, where get returns a
// pointer into data already owned by parent's document.
func NewChild[T any](parent Flusher, get func() *T) *Child[T] {
	return &Child[T]{parent: parent, get: get}
}

// Data returns the mutable view into the parent's document.
func (c *Child[T]) Data() *T {
	return c.get()
}

// Write persists through the parent.
func (c *Child[T]) Write() error {
	return c.parent.Write()
}
