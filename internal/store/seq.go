package store

import "sync"

// seqGenerator hands out per-conversation sequence numbers so history can
// be returned in arrival order even when clocks tie.
type seqGenerator struct {
	mu              sync.Mutex
	perConversation map[string]int64
}

func newSeqGenerator() *seqGenerator {
	return &seqGenerator{perConversation: make(map[string]int64)}
}

func (g *seqGenerator) next(conversationID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.perConversation[conversationID]++
	return g.perConversation[conversationID]
}

// observe raises the counter to at least seq, used after loading state.
func (g *seqGenerator) observe(conversationID string, seq int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if seq > g.perConversation[conversationID] {
		g.perConversation[conversationID] = seq
	}
}
