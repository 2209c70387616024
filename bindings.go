package shardq

// Bindings is the per-evaluation variable context handed to a predicate next
// to the document. Enrichment stores term offsets here; callers may bind
// arbitrary variables.
type Bindings struct {
	offsets map[Term][]int
	vars    map[string]any
}

func NewBindings() *Bindings {
	return &Bindings{
		offsets: make(map[Term][]int),
		vars:    make(map[string]any),
	}
}

// Reset clears all bindings, keeping allocated maps for reuse.
func (b *Bindings) Reset() {
	clear(b.offsets)
	clear(b.vars)
}

// SetOffsets records the token offsets of t within the document.
func (b *Bindings) SetOffsets(t Term, offsets []int) {
	b.offsets[t] = offsets
}

func (b *Bindings) Offsets(t Term) ([]int, bool) {
	offs, ok := b.offsets[t]
	return offs, ok
}

func (b *Bindings) Set(name string, v any) {
	b.vars[name] = v
}

func (b *Bindings) Get(name string) (any, bool) {
	v, ok := b.vars[name]
	return v, ok
}
