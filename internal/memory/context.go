package memory

// maxContextLines caps the per-partner conversation context at the last six
// turns, matching what the speaker's respond prompt consumes.
const maxContextLines = 6

// AppendConversationContext records one line of the running exchange between
// npc and partner. Only the most recent [maxContextLines] lines are kept.
// The context is process-local and is not persisted.
func (s *Service) AppendConversationContext(npc, partner, line string) {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()

	partners, ok := s.contexts[npc]
	if !ok {
		partners = make(map[string][]string)
		s.contexts[npc] = partners
	}
	lines := append(partners[partner], line)
	if len(lines) > maxContextLines {
		lines = lines[len(lines)-maxContextLines:]
	}
	partners[partner] = lines
}

// ConversationContext returns a copy of the recent exchange between npc and
// partner, oldest line first.
func (s *Service) ConversationContext(npc, partner string) []string {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()

	lines := s.contexts[npc][partner]
	if len(lines) == 0 {
		return nil
	}
	out := make([]string, len(lines))
	copy(out, lines)
	return out
}

// ClearConversationContexts drops all per-partner contexts owned by the
// given NPCs. The simulation loop calls this at the end of each day so
// conversations do not bleed across days.
func (s *Service) ClearConversationContexts(npcs []string) {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()

	for _, npc := range npcs {
		delete(s.contexts, npc)
	}
}
