package dialogue

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/talewind-ai/talewind/internal/social"
	"github.com/talewind-ai/talewind/pkg/store"
)

// applySocialUpdates runs the post-dialogue transducers from one pre-update
// snapshot of both participants: knowledge extraction for both sides
// concurrently, then both stances concurrently, then both reputations with
// their own timeout. Every step is best-effort; failures only warn and
// partial success stands.
func (e *Engine) applySocialUpdates(ctx context.Context, sess *store.Session, a, b *store.NPCMemory, dialogueText string) {
	e.updateKnowledge(ctx, sess, a, b, dialogueText)
	e.updateStances(ctx, sess, a, b)
	e.updateReputations(ctx, sess, a, b, dialogueText)
}

func (e *Engine) updateKnowledge(ctx context.Context, sess *store.Session, a, b *store.NPCMemory, dialogueText string) {
	if e.agents.Knowledge == nil || !e.agents.Knowledge.Enabled() {
		return
	}

	results := make(map[string]map[string]any, 2)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, mem := range []*store.NPCMemory{a, b} {
		g.Go(func() error {
			updated, err := e.agents.Knowledge.Extract(gctx, social.KnowledgeInput{
				Observer:     mem.Properties,
				Current:      mem.WorldKnowledge,
				DialogueText: dialogueText,
			})
			if err != nil {
				e.logger.Warn("knowledge agent failed", "observer", mem.NPCName, "error", err)
				return nil
			}
			mu.Lock()
			results[mem.NPCName] = updated
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for name, updated := range results {
		_, err := e.store.UpdateNPCMemoryFn(ctx, name, sess.ID, func(m *store.NPCMemory) error {
			m.WorldKnowledge = social.MergeKnowledge(m.WorldKnowledge, updated)
			return nil
		})
		if err != nil {
			e.logger.Warn("knowledge persist failed", "observer", name, "error", err)
		}
	}
}

func (e *Engine) updateStances(ctx context.Context, sess *store.Session, a, b *store.NPCMemory) {
	if e.agents.Stance == nil || !e.agents.Stance.Enabled() {
		return
	}

	interactions := sharedDialogues(a, b)
	stances := make(map[string]string, 2)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, pair := range [][2]*store.NPCMemory{{a, b}, {b, a}} {
		observer, opponent := pair[0], pair[1]
		g.Go(func() error {
			stance, err := e.agents.Stance.Decide(gctx, social.StanceInput{
				Observer:           observer.Properties,
				Opponent:           opponent.NPCName,
				OpponentReputation: sess.Reputations[opponent.NPCName],
				OpponentOpinion:    opponent.OpinionOnNPCs[observer.NPCName],
				WorldKnowledge:     observer.WorldKnowledge,
				InteractionHistory: observer.MessagesSummary,
				Interactions:       interactions,
			})
			if err != nil {
				e.logger.Warn("stance agent failed", "observer", observer.NPCName, "error", err)
				return nil
			}
			mu.Lock()
			stances[observer.NPCName] = stance
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, pair := range [][2]string{{a.NPCName, b.NPCName}, {b.NPCName, a.NPCName}} {
		observer, opponent := pair[0], pair[1]
		stance, ok := stances[observer]
		if !ok {
			continue
		}
		_, err := e.store.UpdateNPCMemoryFn(ctx, observer, sess.ID, func(m *store.NPCMemory) error {
			if m.SocialStance == nil {
				m.SocialStance = make(map[string]string)
			}
			m.SocialStance[opponent] = stance
			return nil
		})
		if err != nil {
			e.logger.Warn("stance persist failed", "observer", observer, "error", err)
		}
	}
}

func (e *Engine) updateReputations(ctx context.Context, sess *store.Session, a, b *store.NPCMemory, dialogueText string) {
	if e.agents.Reputation == nil || !e.agents.Reputation.Enabled() {
		return
	}

	all, err := e.store.ListNPCMemories(ctx, sess.ID)
	if err != nil {
		e.logger.Warn("reputation skipped, memory listing failed", "session", sess.ID, "error", err)
		return
	}

	var g errgroup.Group
	for _, mem := range []*store.NPCMemory{a, b} {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(ctx, e.params.ReputationTimeout)
			defer cancel()

			opinions := make(map[string]string)
			for _, other := range all {
				if other.NPCName == mem.NPCName {
					continue
				}
				if op, ok := other.OpinionOnNPCs[mem.NPCName]; ok {
					opinions[other.NPCName] = op
				}
			}

			reputation, err := e.agents.Reputation.Assess(rctx, social.ReputationInput{
				CharacterName:     mem.NPCName,
				WorldDefinition:   sess.Settings.World,
				Opinions:          opinions,
				DialogueText:      strings.Join([]string{dialogueText, mem.MessagesSummary, sess.SessionSummary}, "\n"),
				CurrentReputation: sess.Reputations[mem.NPCName],
			})
			if err != nil {
				e.logger.Warn("reputation agent failed", "character", mem.NPCName, "error", err)
				return nil
			}

			_, err = e.store.UpdateSessionFn(ctx, sess.ID, func(s *store.Session) error {
				if s.Reputations == nil {
					s.Reputations = make(map[string]string)
				}
				s.Reputations[mem.NPCName] = reputation
				return nil
			})
			if err != nil {
				e.logger.Warn("reputation persist failed", "character", mem.NPCName, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// sharedDialogues counts dialogues both characters took part in.
func sharedDialogues(a, b *store.NPCMemory) int {
	seen := make(map[string]bool, len(a.DialogueIDs))
	for _, id := range a.DialogueIDs {
		seen[id] = true
	}
	n := 0
	for _, id := range b.DialogueIDs {
		if seen[id] {
			n++
		}
	}
	return n
}
