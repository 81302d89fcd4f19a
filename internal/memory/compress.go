package memory

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/talewind-ai/talewind/internal/llmclient"
	"github.com/talewind-ai/talewind/internal/observe"
	"github.com/talewind-ai/talewind/pkg/store"
)

// compressNPC rewrites one character's rolling summary through the LLM and
// commits the shorter text. Runs on the worker pool; the in-flight marker
// for the buffer is released on every exit path.
func (s *Service) compressNPC(ctx context.Context, sessionID, npc string) {
	key := npcKey(sessionID, npc)
	defer s.release(key)

	mem, err := s.store.GetNPCMemory(ctx, npc, sessionID)
	if err != nil {
		s.logger.Warn("compression read failed", "key", key, "error", err)
		return
	}
	if mem.MessagesSummaryLength <= s.cfg.MaxContextLength() {
		return
	}

	summary, ok := s.summarize(ctx, key, "memory_summary", mem.MessagesSummary, npc)
	if !ok {
		return
	}

	now := time.Now().UTC()
	_, err = s.store.UpdateNPCMemoryFn(ctx, npc, sessionID, func(m *store.NPCMemory) error {
		m.MessagesSummary = summary
		m.MessagesSummaryLength = store.TextLength(summary)
		m.LastSummarized = &now
		return nil
	})
	if err != nil {
		s.logger.Warn("compression commit failed", "key", key, "error", err)
		s.recordCompression(ctx, npc, "commit_failed")
		return
	}
	s.recordCompression(ctx, npc, "ok")
}

// compressSession rewrites the session-wide rolling summary.
func (s *Service) compressSession(ctx context.Context, sessionID string) {
	key := sessionKey(sessionID)
	defer s.release(key)

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		s.logger.Warn("compression read failed", "key", key, "error", err)
		return
	}
	if sess.SessionSummaryLength <= s.cfg.MaxContextLength() {
		return
	}

	summary, ok := s.summarize(ctx, key, "session_summary", sess.SessionSummary, "session")
	if !ok {
		return
	}

	now := time.Now().UTC()
	_, err = s.store.UpdateSessionFn(ctx, sessionID, func(se *store.Session) error {
		se.SessionSummary = summary
		se.SessionSummaryLength = store.TextLength(summary)
		se.LastSummarized = &now
		return nil
	})
	if err != nil {
		s.logger.Warn("compression commit failed", "key", key, "error", err)
		s.recordCompression(ctx, "session", "commit_failed")
		return
	}
	s.recordCompression(ctx, "session", "ok")
}

// compressDay rewrites one day's rolling summary. Day summaries reuse the
// session summary templates; the source text carries the day stamps.
func (s *Service) compressDay(ctx context.Context, sessionID string, day int) {
	key := dayKey(sessionID, day)
	defer s.release(key)

	row, err := s.store.GetDay(ctx, sessionID, day)
	if err != nil {
		s.logger.Warn("compression read failed", "key", key, "error", err)
		return
	}
	if row.DaySummaryLength <= s.cfg.MaxContextLength() {
		return
	}

	summary, ok := s.summarize(ctx, key, "session_summary", row.DaySummary, "day")
	if !ok {
		return
	}

	now := time.Now().UTC()
	_, err = s.store.UpdateDayFn(ctx, sessionID, day, func(d *store.Day) error {
		d.DaySummary = summary
		d.DaySummaryLength = store.TextLength(summary)
		d.LastSummarized = &now
		return nil
	})
	if err != nil {
		s.logger.Warn("compression commit failed", "key", key, "error", err)
		s.recordCompression(ctx, "day", "commit_failed")
		return
	}
	s.recordCompression(ctx, "day", "ok")
}

// summarize performs the LLM call for one buffer. The second return value
// reports success; failures are logged and leave the buffer unchanged so
// the next append retries.
func (s *Service) summarize(ctx context.Context, key, templateBase, source, metricLabel string) (string, bool) {
	maxChars := s.cfg.MaxContextLength()
	vars := map[string]string{
		"source_text": source,
		"max_chars":   strconv.Itoa(maxChars),
	}
	system, err := s.lib.Render(templateBase+"_system", vars)
	if err != nil {
		s.logger.Error("compression template error", "key", key, "error", err)
		return "", false
	}
	user, err := s.lib.Render(templateBase+"_user", vars)
	if err != nil {
		s.logger.Error("compression template error", "key", key, "error", err)
		return "", false
	}

	start := time.Now()
	reply, err := s.client.Call(ctx, llmclient.Request{
		AgentName:   "memory",
		System:      system,
		User:        user,
		Temperature: summaryTemperature,
		Timeout:     s.cfg.summaryTimeout(),
		Route:       s.cfg.SummaryRoute,
	})
	if s.metrics != nil {
		s.metrics.CompressionDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("buffer", metricLabel)))
	}
	if err != nil {
		s.logger.Warn("compression call failed, keeping buffer", "key", key, "error", err)
		s.recordCompression(ctx, metricLabel, "llm_failed")
		return "", false
	}

	// Models occasionally overshoot the character limit; hard-truncate so
	// the committed buffer always fits the budget.
	if store.TextLength(reply) > maxChars {
		runes := []rune(reply)
		reply = string(runes[:maxChars])
	}
	return reply, true
}

// recordCompression emits the per-job counter. No-op without metrics.
func (s *Service) recordCompression(ctx context.Context, label, status string) {
	if s.metrics != nil {
		s.metrics.RecordMemoryCompression(ctx, label, status)
	}
}
