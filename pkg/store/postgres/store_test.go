package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/talewind-ai/talewind/pkg/store"
	"github.com/talewind-ai/talewind/pkg/store/postgres"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if TALEWIND_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TALEWIND_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TALEWIND_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema and the
// semantic index enabled.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	st, err := postgres.NewStore(ctx, dsn, postgres.WithSemanticIndex(testEmbeddingDim))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// best-effort: pgvector may not be installed yet on a fresh DB
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

// dropSchema removes all tables created by Migrate.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS message_chunks CASCADE",
		"DROP TABLE IF EXISTS messages CASCADE",
		"DROP TABLE IF EXISTS dialogues CASCADE",
		"DROP TABLE IF EXISTS days CASCADE",
		"DROP TABLE IF EXISTS npc_memories CASCADE",
		"DROP TABLE IF EXISTS sessions CASCADE",
		"DROP TABLE IF EXISTS id_counters CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

func testSettings() store.GameSettings {
	return store.GameSettings{
		World:     "A river port where three trade routes meet.",
		WorldName: "Ferrydown",
		Characters: []store.CharacterProperties{
			{Name: "Isolde", Role: "ferry master", LocationHome: "river house", LocationWork: "the docks", LifeCycle: store.LifeCycleActive},
			{Name: "Bram", Role: "dock hand", LocationHome: "shared loft", LocationWork: "the docks", LifeCycle: store.LifeCycleActive},
		},
	}
}

func TestSessionLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "", testSettings())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID != "0" {
		t.Errorf("session ID = %q, want %q", sess.ID, "0")
	}

	if _, err := st.CreateSession(ctx, sess.ID, testSettings()); !store.IsConflict(err) {
		t.Errorf("duplicate CreateSession error = %v, want conflict", err)
	}

	updated, err := st.UpdateSessionFn(ctx, sess.ID, func(cur *store.Session) error {
		cur.CurrentDay = 3
		cur.CurrentPeriod = store.Night
		cur.Reputations["Isolde"] = "feared"
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateSessionFn: %v", err)
	}
	if updated.CurrentDay != 3 || updated.CurrentPeriod != store.Night {
		t.Errorf("mutation lost: day=%d period=%q", updated.CurrentDay, updated.CurrentPeriod)
	}

	got, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Reputations["Isolde"] != "feared" {
		t.Errorf("Reputations[Isolde] = %q, want %q", got.Reputations["Isolde"], "feared")
	}
	if got.Settings.WorldName != "Ferrydown" {
		t.Errorf("WorldName = %q, want %q", got.Settings.WorldName, "Ferrydown")
	}

	if _, err := st.GetSession(ctx, "missing"); !store.IsNotFound(err) {
		t.Errorf("GetSession(missing) error = %v, want not found", err)
	}
}

func TestDialogueAndMessages(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "", testSettings())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	dlg, err := st.CreateDialogue(ctx, sess.ID, "Isolde", "Bram", 1, store.Afternoon, "the docks")
	if err != nil {
		t.Fatalf("CreateDialogue: %v", err)
	}
	if dlg.ID != "0" {
		t.Errorf("dialogue ID = %q, want %q", dlg.ID, "0")
	}

	day, err := st.GetDay(ctx, sess.ID, 1)
	if err != nil {
		t.Fatalf("GetDay: %v (day should be created lazily)", err)
	}
	if len(day.DialogueIDs) != 1 {
		t.Errorf("day DialogueIDs = %v, want one entry", day.DialogueIDs)
	}

	first, err := st.AppendMessage(ctx, dlg.ID, "Isolde", "Bram", "Tide is late today.")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := st.AppendMessage(ctx, dlg.ID, "Bram", "Isolde", "Aye, and the ropes are frozen."); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if err := st.AnnotateMessage(ctx, first.ID, "watchful", ""); err != nil {
		t.Fatalf("AnnotateMessage: %v", err)
	}

	msgs, err := st.GetMessages(ctx, dlg.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("GetMessages returned %d messages, want 2", len(msgs))
	}
	if msgs[0].Text != "Tide is late today." {
		t.Errorf("messages out of order: first = %q", msgs[0].Text)
	}
	if msgs[0].SenderOpinion != "watchful" {
		t.Errorf("SenderOpinion = %q, want %q", msgs[0].SenderOpinion, "watchful")
	}

	if _, err := st.EndDialogue(ctx, dlg.ID, "They complained about the weather."); err != nil {
		t.Fatalf("EndDialogue: %v", err)
	}
	if _, err := st.EndDialogue(ctx, dlg.ID, "again"); !store.IsConflict(err) {
		t.Errorf("second EndDialogue error = %v, want conflict", err)
	}
	if _, err := st.AppendMessage(ctx, dlg.ID, "Isolde", "Bram", "too late"); !store.IsConflict(err) {
		t.Errorf("AppendMessage after end error = %v, want conflict", err)
	}
}

func TestCreateDayResumeKeepsAccruedState(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "", testSettings())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := st.CreateDay(ctx, &store.Day{
		SessionID:  sess.ID,
		Day:        1,
		TimePeriod: store.Morning,
		ActiveNPCs: []string{"Isolde", "Bram"},
	}); err != nil {
		t.Fatalf("CreateDay: %v", err)
	}
	if _, err := st.UpdateDayFn(ctx, sess.ID, 1, func(d *store.Day) error {
		d.DialogueIDs = []string{"0"}
		d.DaySummary = "The ferry ran aground at dawn."
		d.DaySummaryLength = store.TextLength(d.DaySummary)
		return nil
	}); err != nil {
		t.Fatalf("UpdateDayFn: %v", err)
	}

	// A resumed run re-creates the same day with a fresh cast snapshot.
	if err := st.CreateDay(ctx, &store.Day{
		SessionID:   sess.ID,
		Day:         1,
		TimePeriod:  store.Noon,
		ActiveNPCs:  []string{"Isolde"},
		PassiveNPCs: []string{"Bram"},
	}); err != nil {
		t.Fatalf("CreateDay(resume): %v", err)
	}

	got, err := st.GetDay(ctx, sess.ID, 1)
	if err != nil {
		t.Fatalf("GetDay: %v", err)
	}
	if got.TimePeriod != store.Noon {
		t.Errorf("TimePeriod = %q, want %q", got.TimePeriod, store.Noon)
	}
	if len(got.ActiveNPCs) != 1 || got.ActiveNPCs[0] != "Isolde" {
		t.Errorf("ActiveNPCs = %v, want [Isolde]", got.ActiveNPCs)
	}
	if len(got.DialogueIDs) != 1 || got.DialogueIDs[0] != "0" {
		t.Errorf("DialogueIDs = %v, want the pre-interruption dialogue kept", got.DialogueIDs)
	}
	if got.DaySummary != "The ferry ran aground at dawn." {
		t.Errorf("DaySummary = %q, want it kept", got.DaySummary)
	}
}

func TestNPCMemoryAndDelete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "", testSettings())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	mem := &store.NPCMemory{
		NPCName:       "Isolde",
		SessionID:     sess.ID,
		Properties:    testSettings().Characters[0],
		OpinionOnNPCs: map[string]string{"Bram": "neutral"},
	}
	if err := st.UpsertNPCMemory(ctx, mem); err != nil {
		t.Fatalf("UpsertNPCMemory: %v", err)
	}

	if _, err := st.UpdateNPCMemoryFn(ctx, "Isolde", sess.ID, func(m *store.NPCMemory) error {
		m.OpinionOnNPCs["Bram"] = "reliable"
		return nil
	}); err != nil {
		t.Fatalf("UpdateNPCMemoryFn: %v", err)
	}

	got, err := st.GetNPCMemory(ctx, "Isolde", sess.ID)
	if err != nil {
		t.Fatalf("GetNPCMemory: %v", err)
	}
	if got.OpinionOnNPCs["Bram"] != "reliable" {
		t.Errorf("opinion = %q, want %q", got.OpinionOnNPCs["Bram"], "reliable")
	}

	if err := st.DeleteSessionData(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSessionData: %v", err)
	}
	if _, err := st.GetSession(ctx, sess.ID); !store.IsNotFound(err) {
		t.Errorf("deleted session still readable, err = %v", err)
	}
	if err := st.DeleteSessionData(ctx, "never-existed"); err != nil {
		t.Errorf("DeleteSessionData(unknown) error = %v", err)
	}
}

func TestSemanticIndexRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	idx := st.Semantic()
	if idx == nil {
		t.Fatal("Semantic() = nil with WithSemanticIndex enabled")
	}

	chunks := []store.MessageChunk{
		{MessageID: "0", SessionID: "0", DialogueID: "0", Speaker: "Isolde", Content: "Tide is late today.", Day: 1, Embedding: []float32{1, 0, 0, 0}},
		{MessageID: "1", SessionID: "0", DialogueID: "0", Speaker: "Bram", Content: "The ropes are frozen.", Day: 1, Embedding: []float32{0, 1, 0, 0}},
		{MessageID: "2", SessionID: "9", DialogueID: "4", Speaker: "Isolde", Content: "Different session entirely.", Day: 2, Embedding: []float32{1, 0, 0, 0}},
	}
	for _, c := range chunks {
		if err := idx.IndexMessage(ctx, c); err != nil {
			t.Fatalf("IndexMessage(%s): %v", c.MessageID, err)
		}
	}

	matches, err := idx.Search(ctx, []float32{1, 0, 0, 0}, 10, store.ChunkFilter{SessionID: "0"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("Search returned %d matches, want 2 (session filter)", len(matches))
	}
	if matches[0].Chunk.MessageID != "0" {
		t.Errorf("closest match = %q, want message 0", matches[0].Chunk.MessageID)
	}
	if matches[0].Distance >= matches[1].Distance {
		t.Errorf("matches not ordered by distance: %v >= %v", matches[0].Distance, matches[1].Distance)
	}
}
