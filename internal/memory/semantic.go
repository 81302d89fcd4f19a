package memory

import (
	"context"

	"github.com/talewind-ai/talewind/pkg/store"
)

// maybeIndexMessage queues a background embed-and-index job for one message
// line. A nil embedder or index disables indexing entirely. Failures are
// logged and never reach the dialogue path.
func (s *Service) maybeIndexMessage(sessionID string, day int, msg *store.Message, line string) {
	if s.embedder == nil || s.index == nil {
		return
	}

	chunk := store.MessageChunk{
		MessageID:  msg.ID,
		SessionID:  sessionID,
		DialogueID: msg.DialogueID,
		Speaker:    msg.Sender,
		Content:    line,
		Day:        day,
		Timestamp:  msg.Timestamp,
	}
	submitted := s.pool.Submit(func(ctx context.Context) {
		vec, err := s.embedder.Embed(ctx, chunk.Content)
		if err != nil {
			s.logger.Warn("message embedding failed", "message", chunk.MessageID, "error", err)
			return
		}
		chunk.Embedding = vec
		if err := s.index.IndexMessage(ctx, chunk); err != nil {
			s.logger.Warn("message indexing failed", "message", chunk.MessageID, "error", err)
		}
	})
	if !submitted {
		s.logger.Debug("memory pool full, skipping semantic indexing", "message", msg.ID)
	}
}

// Recall returns the stamped lines of the k indexed messages most similar
// to query within the session, most similar first. Without a configured
// index Recall returns nil. Errors are logged and swallowed — recall is a
// prompt enrichment, never a dependency.
func (s *Service) Recall(ctx context.Context, sessionID, query string, k int) []string {
	if s.embedder == nil || s.index == nil || k <= 0 {
		return nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("recall embedding failed", "session", sessionID, "error", err)
		return nil
	}
	matches, err := s.index.Search(ctx, vec, k, store.ChunkFilter{SessionID: sessionID})
	if err != nil {
		s.logger.Warn("recall search failed", "session", sessionID, "error", err)
		return nil
	}

	lines := make([]string, 0, len(matches))
	for _, m := range matches {
		lines = append(lines, m.Chunk.Content)
	}
	return lines
}
