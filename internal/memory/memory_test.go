package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/talewind-ai/talewind/internal/llmclient"
	"github.com/talewind-ai/talewind/internal/prompt"
	embedmock "github.com/talewind-ai/talewind/pkg/provider/embeddings/mock"
	"github.com/talewind-ai/talewind/pkg/provider/llm"
	llmmock "github.com/talewind-ai/talewind/pkg/provider/llm/mock"
	"github.com/talewind-ai/talewind/pkg/store"
	"github.com/talewind-ai/talewind/pkg/store/sqlite"
)

var summaryRoute = llmclient.Route{Primary: llmclient.Target{Provider: "mock", Model: "summary"}}

type fixture struct {
	store    *sqlite.Store
	provider *llmmock.Provider
	service  *Service
	session  *store.Session
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("sqlite.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	lib, err := prompt.NewLibrary("")
	if err != nil {
		t.Fatalf("prompt.NewLibrary() error = %v", err)
	}

	provider := &llmmock.Provider{}
	client := llmclient.New(llmclient.ResolverFunc(func(llmclient.Target) (llm.Provider, error) {
		return provider, nil
	}), llmclient.WithBaseDelay(time.Millisecond))

	cfg.SummaryRoute = summaryRoute
	svc := NewService(st, client, lib, cfg, opts...)
	svc.Start(context.Background())
	t.Cleanup(svc.Close)

	settings := store.GameSettings{
		World: "A small trading town.",
		Characters: []store.CharacterProperties{
			{Name: "Alice", Type: "npc", Role: "baker", LocationHome: "bakery loft", LocationWork: "bakery"},
			{Name: "Bob", Type: "npc", Role: "fisher", LocationHome: "river hut", LocationWork: "the docks"},
		},
	}
	sess, err := st.CreateSession(context.Background(), "", settings)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	for _, c := range settings.Characters {
		if err := svc.EnsureNPCMemory(context.Background(), sess.ID, c); err != nil {
			t.Fatalf("EnsureNPCMemory(%s) error = %v", c.Name, err)
		}
	}
	return &fixture{store: st, provider: provider, service: svc, session: sess}
}

// message builds a persisted-looking message without going through a dialogue.
func message(sender, receiver, text string) *store.Message {
	return &store.Message{
		ID: "0", DialogueID: "0",
		Sender: sender, Receiver: receiver,
		Text: text, Timestamp: time.Now().UTC(),
	}
}

// waitFor polls until check passes or the deadline expires.
func waitFor(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// markersReleased reports whether no compression job is in flight.
func (f *fixture) markersReleased() bool {
	f.service.mu.Lock()
	defer f.service.mu.Unlock()
	return len(f.service.inFlight) == 0
}

func TestStampLine(t *testing.T) {
	got := StampLine(3, store.Noon, "Alice", "Bob", "Fresh bread today!")
	want := "[Day 3 noon] Alice -> Bob: Fresh bread today!"
	if got != want {
		t.Errorf("StampLine() = %q, want %q", got, want)
	}
}

func TestConfigMaxContextLength(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want int
	}{
		{"unset falls back", Config{}, 4000},
		{"token budget times chars times 0.8", Config{TokenBudget: 1000, AvgCharsPerToken: 4}, 3200},
		{"default chars per token", Config{TokenBudget: 500}, 1600},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.MaxContextLength(); got != tt.want {
				t.Errorf("MaxContextLength() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRecordMessageAppendsToAllBuffers(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	if err := f.service.RecordMessage(ctx, f.session.ID, 1, store.Morning, message("Alice", "Bob", "Morning, Bob.")); err != nil {
		t.Fatalf("RecordMessage() error = %v", err)
	}
	if err := f.service.RecordMessage(ctx, f.session.ID, 1, store.Morning, message("Bob", "Alice", "Morning to you.")); err != nil {
		t.Fatalf("RecordMessage() error = %v", err)
	}

	wantFirst := "[Day 1 morning] Alice -> Bob: Morning, Bob."
	for _, npc := range []string{"Alice", "Bob"} {
		mem, err := f.store.GetNPCMemory(ctx, npc, f.session.ID)
		if err != nil {
			t.Fatalf("GetNPCMemory(%s) error = %v", npc, err)
		}
		if !strings.HasPrefix(mem.MessagesSummary, wantFirst) {
			t.Errorf("%s summary = %q, want prefix %q", npc, mem.MessagesSummary, wantFirst)
		}
		if mem.MessagesSummaryLength != store.TextLength(mem.MessagesSummary) {
			t.Errorf("%s summary length %d != actual %d", npc, mem.MessagesSummaryLength, store.TextLength(mem.MessagesSummary))
		}
	}

	sess, err := f.store.GetSession(ctx, f.session.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got := strings.Count(sess.SessionSummary, "\n"); got != 1 {
		t.Errorf("session summary has %d newlines, want 1 (two lines)", got)
	}

	day, err := f.store.GetDay(ctx, f.session.ID, 1)
	if err != nil {
		t.Fatalf("GetDay() error = %v", err)
	}
	if day.DaySummaryLength != store.TextLength(day.DaySummary) {
		t.Errorf("day summary length %d != actual %d", day.DaySummaryLength, store.TextLength(day.DaySummary))
	}
}

func TestCompressionTriggersOnceAndCommits(t *testing.T) {
	// Budget small enough that a few appends cross it.
	cfg := Config{TokenBudget: 63, AvgCharsPerToken: 4} // 63*4*0.8 ≈ 201 chars

	var calls atomic.Int64
	release := make(chan struct{})
	f := newFixture(t, cfg)
	f.provider.CompleteFn = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		calls.Add(1)
		<-release
		return &llm.CompletionResponse{Content: "Alice and Bob traded morning pleasantries."}, nil
	}

	ctx := context.Background()
	// ~50 appends of ~20 chars blow well past the budget while the first
	// compression job per buffer is still blocked on the LLM.
	for i := 0; i < 50; i++ {
		msg := message("Alice", "Bob", fmt.Sprintf("line number %02d here", i))
		if err := f.service.RecordMessage(ctx, f.session.ID, 1, store.Morning, msg); err != nil {
			t.Fatalf("RecordMessage(%d) error = %v", i, err)
		}
	}

	waitFor(t, "first compression call", func() bool { return calls.Load() >= 1 })
	// Four over-budget buffers exist (Alice, Bob, session, day 1); the
	// in-flight markers cap them at one job each even across 50 triggers.
	if got := calls.Load(); got > 4 {
		t.Errorf("compression calls while blocked = %d, want at most 4 (one per buffer)", got)
	}
	close(release)

	waitFor(t, "compression jobs to finish", f.markersReleased)
	waitFor(t, "compressed npc summary", func() bool {
		mem, err := f.store.GetNPCMemory(ctx, "Alice", f.session.ID)
		return err == nil && mem.LastSummarized != nil
	})

	mem, err := f.store.GetNPCMemory(ctx, "Alice", f.session.ID)
	if err != nil {
		t.Fatalf("GetNPCMemory() error = %v", err)
	}
	if mem.MessagesSummaryLength > cfg.MaxContextLength() {
		t.Errorf("post-compression length = %d, want at most %d", mem.MessagesSummaryLength, cfg.MaxContextLength())
	}
	if mem.MessagesSummaryLength != store.TextLength(mem.MessagesSummary) {
		t.Errorf("summary length %d != actual %d", mem.MessagesSummaryLength, store.TextLength(mem.MessagesSummary))
	}
}

func TestCompressionFailureLeavesBufferAndRetriesOnNextAppend(t *testing.T) {
	cfg := Config{TokenBudget: 31, AvgCharsPerToken: 4} // ≈ 99 chars

	var mu sync.Mutex
	var prompts []string
	f := newFixture(t, cfg)
	f.provider.CompleteFn = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		mu.Lock()
		prompts = append(prompts, req.Messages[0].Content)
		mu.Unlock()
		return nil, fmt.Errorf("model overloaded")
	}
	sawPrompt := func(substr string) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			for _, p := range prompts {
				if strings.Contains(p, substr) {
					return true
				}
			}
			return false
		}
	}

	ctx := context.Background()
	long := strings.Repeat("a very long remark ", 8)
	if err := f.service.RecordMessage(ctx, f.session.ID, 1, store.Morning, message("Alice", "Bob", long)); err != nil {
		t.Fatalf("RecordMessage() error = %v", err)
	}

	waitFor(t, "failed compression attempt", sawPrompt("a very long remark"))
	waitFor(t, "markers released after failure", f.markersReleased)

	mem, err := f.store.GetNPCMemory(ctx, "Alice", f.session.ID)
	if err != nil {
		t.Fatalf("GetNPCMemory() error = %v", err)
	}
	if mem.LastSummarized != nil {
		t.Error("LastSummarized set despite failed compression")
	}
	if !strings.Contains(mem.MessagesSummary, "a very long remark") {
		t.Error("buffer was mutated by a failed compression")
	}

	// Markers were released, so another append triggers a fresh job over
	// the grown buffer.
	if err := f.service.RecordMessage(ctx, f.session.ID, 1, store.Morning, message("Alice", "Bob", "still talking")); err != nil {
		t.Fatalf("RecordMessage() error = %v", err)
	}
	waitFor(t, "retried compression over grown buffer", sawPrompt("still talking"))
}

func TestSessionSummarySeed(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	if got := f.service.SessionSummary(ctx, f.session.ID); got != SummarySeed {
		t.Errorf("SessionSummary() = %q, want seed text", got)
	}

	if err := f.service.RecordMessage(ctx, f.session.ID, 1, store.Night, message("Alice", "Bob", "Late one?")); err != nil {
		t.Fatalf("RecordMessage() error = %v", err)
	}
	if got := f.service.SessionSummary(ctx, f.session.ID); !strings.Contains(got, "Late one?") {
		t.Errorf("SessionSummary() = %q, want recorded line", got)
	}
}

func TestSeedNeutralOpinions(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	// Pre-set one opinion; seeding must not overwrite it.
	if _, err := f.store.UpdateNPCMemoryFn(ctx, "Alice", f.session.ID, func(m *store.NPCMemory) error {
		m.OpinionOnNPCs["Bob"] = "Suspicious"
		return nil
	}); err != nil {
		t.Fatalf("UpdateNPCMemoryFn() error = %v", err)
	}

	if err := f.service.SeedNeutralOpinions(ctx, f.session.ID, []string{"Alice", "Bob"}); err != nil {
		t.Fatalf("SeedNeutralOpinions() error = %v", err)
	}

	alice, _ := f.store.GetNPCMemory(ctx, "Alice", f.session.ID)
	if alice.OpinionOnNPCs["Bob"] != "Suspicious" {
		t.Errorf("existing opinion overwritten: %q", alice.OpinionOnNPCs["Bob"])
	}
	bob, _ := f.store.GetNPCMemory(ctx, "Bob", f.session.ID)
	if bob.OpinionOnNPCs["Alice"] != "Neutral" {
		t.Errorf("Bob's opinion of Alice = %q, want Neutral", bob.OpinionOnNPCs["Alice"])
	}
	if _, ok := bob.OpinionOnNPCs["Bob"]; ok {
		t.Error("self-opinion was seeded")
	}
}

func TestRegisterDialogueIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := f.service.RegisterDialogue(ctx, f.session.ID, "7", "Alice", "Bob"); err != nil {
			t.Fatalf("RegisterDialogue() error = %v", err)
		}
	}

	mem, _ := f.store.GetNPCMemory(ctx, "Alice", f.session.ID)
	if len(mem.DialogueIDs) != 1 || mem.DialogueIDs[0] != "7" {
		t.Errorf("DialogueIDs = %v, want [7]", mem.DialogueIDs)
	}
}

func TestConversationContexts(t *testing.T) {
	f := newFixture(t, Config{})

	for i := 0; i < 10; i++ {
		f.service.AppendConversationContext("Alice", "Bob", fmt.Sprintf("turn %d", i))
	}

	got := f.service.ConversationContext("Alice", "Bob")
	if len(got) != maxContextLines {
		t.Fatalf("context has %d lines, want %d", len(got), maxContextLines)
	}
	if got[0] != "turn 4" || got[len(got)-1] != "turn 9" {
		t.Errorf("context window = %v, want turns 4..9", got)
	}

	if lines := f.service.ConversationContext("Alice", "Carol"); lines != nil {
		t.Errorf("unknown partner context = %v, want nil", lines)
	}

	f.service.ClearConversationContexts([]string{"Alice"})
	if lines := f.service.ConversationContext("Alice", "Bob"); lines != nil {
		t.Errorf("context after clear = %v, want nil", lines)
	}
}

// fakeIndex is an in-memory SemanticIndex that returns chunks in insertion
// order; good enough to verify the wiring without a vector database.
type fakeIndex struct {
	mu     sync.Mutex
	chunks []store.MessageChunk
}

func (f *fakeIndex) IndexMessage(_ context.Context, chunk store.MessageChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunk)
	return nil
}

func (f *fakeIndex) Search(_ context.Context, _ []float32, topK int, filter store.ChunkFilter) ([]store.ChunkMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ChunkMatch
	for _, c := range f.chunks {
		if filter.SessionID != "" && c.SessionID != filter.SessionID {
			continue
		}
		out = append(out, store.ChunkMatch{Chunk: c})
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

func TestSemanticIndexingAndRecall(t *testing.T) {
	idx := &fakeIndex{}
	embedder := &embedmock.Provider{EmbedResult: []float32{0.1, 0.2}, DimensionsValue: 2}
	f := newFixture(t, Config{}, WithSemanticIndex(embedder, idx))
	ctx := context.Background()

	if err := f.service.RecordMessage(ctx, f.session.ID, 2, store.Evening, message("Bob", "Alice", "The river froze over.")); err != nil {
		t.Fatalf("RecordMessage() error = %v", err)
	}

	waitFor(t, "indexed chunk", func() bool {
		idx.mu.Lock()
		defer idx.mu.Unlock()
		return len(idx.chunks) == 1
	})

	lines := f.service.Recall(ctx, f.session.ID, "what happened at the river?", 3)
	if len(lines) != 1 || !strings.Contains(lines[0], "The river froze over.") {
		t.Errorf("Recall() = %v", lines)
	}

	// Recall is inert without an index.
	bare := newFixture(t, Config{})
	if lines := bare.service.Recall(ctx, bare.session.ID, "anything", 3); lines != nil {
		t.Errorf("Recall() without index = %v, want nil", lines)
	}
}
