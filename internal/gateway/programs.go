package gateway

import "sync"

// programMapper assigns monotonically increasing program ids within
// this faculty instance, keyed by program name.
type programMapper struct {
	mu   sync.Mutex
	seen map[string]int64
	next int64
}

func newProgramMapper() *programMapper {
	return &programMapper{seen: make(map[string]int64)}
}

// idFor returns the id for a program name, assigning a fresh one on
// first appearance.
func (p *programMapper) idFor(name string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.seen[name]; ok {
		return id
	}
	p.next++
	p.seen[name] = p.next
	return p.next
}
