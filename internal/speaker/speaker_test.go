package speaker

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/talewind-ai/talewind/internal/llmclient"
	"github.com/talewind-ai/talewind/internal/prompt"
	"github.com/talewind-ai/talewind/pkg/provider/llm"
	"github.com/talewind-ai/talewind/pkg/provider/llm/mock"
	"github.com/talewind-ai/talewind/pkg/store"
	"github.com/talewind-ai/talewind/pkg/store/sqlite"
)

var speakerRoute = llmclient.Route{Primary: llmclient.Target{Provider: "mock", Model: "chat"}}

// fakeMemory is a canned MemoryReader.
type fakeMemory struct {
	context []string
	recall  []string
}

func (f *fakeMemory) ConversationContext(npc, partner string) []string { return f.context }
func (f *fakeMemory) Recall(_ context.Context, _, _ string, _ int) []string {
	return f.recall
}

type fixture struct {
	store    *sqlite.Store
	provider *mock.Provider
	speaker  *Speaker
	session  *store.Session
	dialogue *store.Dialogue
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "speaker.db"))
	if err != nil {
		t.Fatalf("sqlite.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	lib, err := prompt.NewLibrary("")
	if err != nil {
		t.Fatalf("prompt.NewLibrary() error = %v", err)
	}

	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "Lovely weather for eels, isn't it?"},
	}
	client := llmclient.New(llmclient.ResolverFunc(func(llmclient.Target) (llm.Provider, error) {
		return provider, nil
	}))

	cfg.Route = speakerRoute
	sp := New(st, client, lib, cfg, opts...)

	settings := store.GameSettings{
		World: "The harbour town of Saltmere.",
		Characters: []store.CharacterProperties{
			{
				Name: "Mira", Type: "npc", Role: "innkeeper",
				Story: "a retired sea captain", Personality: "dry and watchful",
				LocationHome: "the Gull's Rest attic", LocationWork: "the Gull's Rest inn",
				Titles:      []string{"Captain"},
				SpeechStyle: "short clipped sentences",
			},
			{
				Name: "Tomas", Type: "npc", Role: "fishmonger",
				Story: "a newcomer from upriver", Personality: "cheerful",
				LocationHome: "a rented room", LocationWork: "the fish market",
			},
		},
	}
	sess, err := st.CreateSession(context.Background(), "", settings)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	dlg, err := st.CreateDialogue(context.Background(), sess.ID, "Mira", "Tomas", 1, store.Noon, "the fish market")
	if err != nil {
		t.Fatalf("CreateDialogue() error = %v", err)
	}
	return &fixture{store: st, provider: provider, speaker: sp, session: sess, dialogue: dlg}
}

// seedMemory writes Mira's memory row with the given relationship state.
func (f *fixture) seedMemory(t *testing.T, mem store.NPCMemory) {
	t.Helper()
	mem.NPCName = "Mira"
	mem.SessionID = f.session.ID
	props, _ := f.session.Settings.Character("Mira")
	mem.Properties = props
	if err := f.store.UpsertNPCMemory(context.Background(), &mem); err != nil {
		t.Fatalf("UpsertNPCMemory() error = %v", err)
	}
}

func (f *fixture) lastCall(t *testing.T) llm.CompletionRequest {
	t.Helper()
	if len(f.provider.CompleteCalls) == 0 {
		t.Fatal("no completion calls recorded")
	}
	return f.provider.CompleteCalls[len(f.provider.CompleteCalls)-1].Req
}

func (f *fixture) request() Request {
	return Request{
		SessionID: f.session.ID,
		Speaker:   "Mira",
		Partner:   "Tomas",
		Dialogue:  f.dialogue,
	}
}

func TestIntroduceBranchForStrangers(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedMemory(t, store.NPCMemory{})

	text, err := f.speaker.GenerateMessage(context.Background(), f.request())
	if err != nil {
		t.Fatalf("GenerateMessage() error = %v", err)
	}
	if text != "Lovely weather for eels, isn't it?" {
		t.Errorf("text = %q", text)
	}

	call := f.lastCall(t)
	if call.Temperature != introduceTemperature {
		t.Errorf("temperature = %v, want %v", call.Temperature, introduceTemperature)
	}
	if !strings.Contains(call.Messages[0].Content, "introduce yourself to Tomas") {
		t.Errorf("user prompt = %q, want introduction instruction", call.Messages[0].Content)
	}
	if !strings.Contains(call.SystemPrompt, "You are Mira") {
		t.Errorf("system prompt missing persona: %q", call.SystemPrompt)
	}
	if !strings.Contains(call.SystemPrompt, "day 1, around noon, at the fish market") {
		t.Errorf("system prompt missing scene line: %q", call.SystemPrompt)
	}
}

func TestGreetBranchForKnownPartner(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedMemory(t, store.NPCMemory{
		OpinionOnNPCs: map[string]string{"Tomas": "Neutral"},
	})

	if _, err := f.speaker.GenerateMessage(context.Background(), f.request()); err != nil {
		t.Fatalf("GenerateMessage() error = %v", err)
	}

	call := f.lastCall(t)
	if call.Temperature != greetTemperature {
		t.Errorf("temperature = %v, want %v", call.Temperature, greetTemperature)
	}
	if !strings.Contains(call.Messages[0].Content, "say hi to Tomas") {
		t.Errorf("user prompt = %q, want greeting instruction", call.Messages[0].Content)
	}
}

func TestRespondBranchCarriesContext(t *testing.T) {
	mem := &fakeMemory{context: []string{"Tomas: Any rooms free tonight?"}}
	f := newFixture(t, Config{MaxReplyWords: 40}, WithMemory(mem))
	f.seedMemory(t, store.NPCMemory{
		OpinionOnNPCs: map[string]string{"Tomas": "Cautiously friendly"},
		SocialStance:  map[string]string{"Tomas": "keep him at arm's length"},
	})

	req := f.request()
	req.PriorMessages = 2
	req.Incoming = "Any rooms free tonight?"
	if _, err := f.speaker.GenerateMessage(context.Background(), req); err != nil {
		t.Fatalf("GenerateMessage() error = %v", err)
	}

	call := f.lastCall(t)
	if call.Temperature != respondTemperature {
		t.Errorf("temperature = %v, want %v", call.Temperature, respondTemperature)
	}
	for _, want := range []string{
		"Tomas: Any rooms free tonight?",
		"Your opinion of Tomas: Cautiously friendly.",
		"keep him at arm's length",
		"Keep your reply under 40 words.",
	} {
		if !strings.Contains(call.SystemPrompt, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if !strings.Contains(call.Messages[0].Content, "Tomas says: Any rooms free tonight?") {
		t.Errorf("user prompt = %q, want incoming message", call.Messages[0].Content)
	}
}

func TestForceGoodbyeInstructions(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedMemory(t, store.NPCMemory{
		OpinionOnNPCs: map[string]string{"Tomas": "Neutral"},
	})

	req := f.request()
	req.PriorMessages = 6
	req.Incoming = "One more story before I go?"
	req.ForceGoodbye = true
	if _, err := f.speaker.GenerateMessage(context.Background(), req); err != nil {
		t.Fatalf("GenerateMessage() error = %v", err)
	}

	call := f.lastCall(t)
	if !strings.Contains(call.SystemPrompt, "You must end this conversation now") {
		t.Error("system prompt missing wrap-up instruction")
	}
	if !strings.Contains(call.Messages[0].Content, "close it out and say goodbye") {
		t.Errorf("user prompt = %q, want goodbye constraint", call.Messages[0].Content)
	}
}

func TestUnknownCharacterFallsBackWithoutCalling(t *testing.T) {
	f := newFixture(t, Config{})

	req := f.request()
	req.Speaker = "Nobody"
	text, err := f.speaker.GenerateMessage(context.Background(), req)
	if err != nil {
		t.Fatalf("GenerateMessage() error = %v", err)
	}
	if text != FallbackText {
		t.Errorf("text = %q, want fallback", text)
	}
	if n := len(f.provider.CompleteCalls); n != 0 {
		t.Errorf("provider called %d times, want 0", n)
	}
}

func TestModelFailureFallsBack(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedMemory(t, store.NPCMemory{})
	f.provider.CompleteErr = errors.New("backend down")

	text, err := f.speaker.GenerateMessage(context.Background(), f.request())
	if err != nil {
		t.Fatalf("GenerateMessage() error = %v", err)
	}
	if text != FallbackText {
		t.Errorf("text = %q, want fallback", text)
	}
}

func TestCancelledContextPropagates(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedMemory(t, store.NPCMemory{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.speaker.GenerateMessage(ctx, f.request()); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestRecallEnrichesPersona(t *testing.T) {
	mem := &fakeMemory{
		context: []string{"Tomas: Remember the storm?"},
		recall:  []string{"[Day 1 night] Mira -> Tomas: That storm took my mast."},
	}
	f := newFixture(t, Config{RecallLines: 2}, WithMemory(mem))
	f.seedMemory(t, store.NPCMemory{
		OpinionOnNPCs: map[string]string{"Tomas": "Neutral"},
	})

	req := f.request()
	req.PriorMessages = 4
	req.Incoming = "Remember the storm?"
	if _, err := f.speaker.GenerateMessage(context.Background(), req); err != nil {
		t.Fatalf("GenerateMessage() error = %v", err)
	}

	call := f.lastCall(t)
	if !strings.Contains(call.SystemPrompt, "That storm took my mast.") {
		t.Error("system prompt missing recalled line")
	}
}
