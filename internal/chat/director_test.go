package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/substrate/internal/chatstream"
	"github.com/thebtf/substrate/internal/llm"
	"github.com/thebtf/substrate/pkg/models"
)

// memStores is an in-memory implementation of every store the director uses.
type memStores struct {
	mu           sync.Mutex
	sessions     map[string]*models.Session
	episodes     map[string]*models.Episode
	characters   map[string]*models.Character
	messages     []*models.Message
	scenes       []*models.Scene
	balances     map[string]int
	refunds      []int
	spent        map[string]int
	interactions int
	completions  int
	nextEpisode  *models.Episode
	appendErr    error
}

func newMemStores() *memStores {
	return &memStores{
		sessions:   map[string]*models.Session{},
		episodes:   map[string]*models.Episode{},
		characters: map[string]*models.Character{},
		balances:   map[string]int{},
		spent:      map[string]int{},
	}
}

func (m *memStores) stores() Stores {
	return Stores{
		Sessions:      (*memSessions)(m),
		Episodes:      (*memEpisodes)(m),
		Characters:    (*memCharacters)(m),
		Messages:      (*memMessages)(m),
		Relationships: (*memRelationships)(m),
		Scenes:        (*memScenes)(m),
		Sparks:        (*memSparks)(m),
	}
}

type (
	memSessions      memStores
	memEpisodes      memStores
	memCharacters    memStores
	memMessages      memStores
	memRelationships memStores
	memScenes        memStores
	memSparks        memStores
)

func (m *memSessions) Get(_ context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) IncrementTurn(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s.Status != models.SessionActive {
		return 0, models.ErrConflict
	}
	s.TurnCount++
	return s.TurnCount, nil
}

func (m *memSessions) Complete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s.Status != models.SessionActive {
		return models.ErrConflict
	}
	s.Status = models.SessionCompleted
	return nil
}

func (m *memEpisodes) Get(_ context.Context, id string) (*models.Episode, error) {
	e, ok := m.episodes[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return e, nil
}

func (m *memEpisodes) Next(context.Context, *models.Episode) (*models.Episode, error) {
	return m.nextEpisode, nil
}

func (m *memCharacters) Get(_ context.Context, id string) (*models.Character, error) {
	c, ok := m.characters[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return c, nil
}

func (m *memMessages) Append(_ context.Context, msg *models.Message) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return nil, m.appendErr
	}
	cp := *msg
	cp.ID = fmt.Sprintf("m-%d", len(m.messages)+1)
	m.messages = append(m.messages, &cp)
	return &cp, nil
}

func (m *memMessages) ListBySession(_ context.Context, sessionID string, limit int) ([]*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Message
	for _, msg := range m.messages {
		if msg.SessionID == sessionID {
			out = append(out, msg)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memRelationships) RecordInteraction(context.Context, string, string) (*models.Relationship, error) {
	m.interactions++
	return &models.Relationship{}, nil
}

func (m *memRelationships) RecordSessionComplete(context.Context, string, string) (*models.Relationship, error) {
	m.completions++
	return &models.Relationship{}, nil
}

func (m *memScenes) CreatePending(_ context.Context, sessionID string, turn int, prompt string) (*models.Scene, error) {
	sc := &models.Scene{ID: fmt.Sprintf("sc-%d", len(m.scenes)+1), SessionID: sessionID, TurnIndex: turn, Prompt: prompt, Status: models.ScenePending}
	m.scenes = append(m.scenes, sc)
	return sc, nil
}

func (m *memSparks) Spend(_ context.Context, userID string, cost int, _ string) (*models.SparkBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[userID] < cost {
		return &models.SparkBalance{UserID: userID, Balance: m.balances[userID]}, models.ErrInsufficientSparks
	}
	m.balances[userID] -= cost
	m.spent[userID] += cost
	return &models.SparkBalance{UserID: userID, Balance: m.balances[userID]}, nil
}

func (m *memSparks) Refund(_ context.Context, userID string, amount int, _ string) (*models.SparkBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] += amount
	m.spent[userID] -= amount
	m.refunds = append(m.refunds, amount)
	return &models.SparkBalance{UserID: userID, Balance: m.balances[userID]}, nil
}

// scriptedLLM replays fixed chunks and records the prompt it was given.
type scriptedLLM struct {
	chunks   []llm.StreamChunk
	startErr error
	lastReq  llm.ChatRequest
}

func (s *scriptedLLM) StreamChat(_ context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	s.lastReq = req
	if s.startErr != nil {
		return nil, s.startErr
	}
	ch := make(chan llm.StreamChunk, len(s.chunks))
	for _, c := range s.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func reply(parts ...string) []llm.StreamChunk {
	out := make([]llm.StreamChunk, 0, len(parts)+1)
	for _, p := range parts {
		out = append(out, llm.StreamChunk{Text: p})
	}
	return append(out, llm.StreamChunk{Done: true, FinishReason: "stop"})
}

type DirectorSuite struct {
	suite.Suite
	mem    *memStores
	llm    *scriptedLLM
	events []chatstream.Event
	cfg    Config
}

func TestDirectorSuite(t *testing.T) {
	suite.Run(t, new(DirectorSuite))
}

func (s *DirectorSuite) SetupTest() {
	s.mem = newMemStores()
	s.mem.characters["c-1"] = &models.Character{ID: "c-1", Name: "Mira", Archetype: "lighthouse keeper", Personality: "wry"}
	s.mem.episodes["e-1"] = &models.Episode{
		ID: "e-1", SeriesID: "s-1", Number: 1, Title: "The Storm",
		Situation: "A storm rolls in.", Instructions: "Ask about the light.", TurnBudget: 3,
	}
	s.mem.sessions["sess-1"] = &models.Session{ID: "sess-1", UserID: "u-1", EpisodeID: "e-1", CharacterID: "c-1", Status: models.SessionActive}
	s.mem.balances["u-1"] = 10
	s.llm = &scriptedLLM{chunks: reply("Hello", " there.")}
	s.events = nil
	s.cfg = Config{SparkCostPerTurn: 1, VisualEveryTurns: 2, HistoryLimit: 20, ContextBudget: 4000}
}

func (s *DirectorSuite) director() *Director {
	tc, err := llm.DefaultTokenCounter()
	s.Require().NoError(err)
	return NewDirector(s.mem.stores(), s.llm, tc, s.cfg)
}

func (s *DirectorSuite) emit(ev chatstream.Event) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *DirectorSuite) send(text string) error {
	return s.director().Send(context.Background(), SendRequest{UserID: "u-1", SessionID: "sess-1", Text: text}, s.emit)
}

func (s *DirectorSuite) types() []chatstream.EventType {
	out := make([]chatstream.EventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

func (s *DirectorSuite) TestFirstTurn() {
	s.Require().NoError(s.send("  hi  "))

	s.Equal([]chatstream.EventType{
		chatstream.EventChunk, chatstream.EventChunk,
		chatstream.EventInstructionCard, chatstream.EventDone,
	}, s.types())
	s.Equal("Ask about the light.", s.events[2].Card.Body)
	s.Equal("The Storm", s.events[2].Card.Title)

	done := s.events[3]
	s.Equal("Hello there.", done.Content)
	s.NotEmpty(done.MessageID)

	s.Require().Len(s.mem.messages, 2)
	s.Equal(models.RoleUser, s.mem.messages[0].Role)
	s.Equal("hi", s.mem.messages[0].Content)
	s.Equal(models.RoleAssistant, s.mem.messages[1].Role)
	s.Positive(s.mem.messages[1].TokenCount)

	s.Equal(9, s.mem.balances["u-1"])
	s.Equal(1, s.mem.interactions)
	s.Equal(1, s.mem.sessions["sess-1"].TurnCount)

	// system prompt first, then the stored user message
	s.Require().Len(s.llm.lastReq.Messages, 2)
	s.Equal(llm.RoleSystem, s.llm.lastReq.Messages[0].Role)
	s.Contains(s.llm.lastReq.Messages[0].Content, "A storm rolls in.")
	s.Equal("hi", s.llm.lastReq.Messages[1].Content)
}

func (s *DirectorSuite) TestVisualEveryNthTurn() {
	s.Require().NoError(s.send("one"))
	s.events = nil
	s.Require().NoError(s.send("two"))

	s.Equal([]chatstream.EventType{
		chatstream.EventChunk, chatstream.EventChunk,
		chatstream.EventVisualPending, chatstream.EventDone,
	}, s.types())
	s.Require().Len(s.mem.scenes, 1)
	s.Equal(2, s.mem.scenes[0].TurnIndex)
	s.Equal(s.mem.scenes[0].ID, s.events[2].SceneID)
	s.Contains(s.events[2].Prompt, "Mira")
}

func (s *DirectorSuite) TestEpisodeCompletesAtBudget() {
	s.mem.nextEpisode = &models.Episode{ID: "e-2"}
	for _, text := range []string{"one", "two"} {
		s.Require().NoError(s.send(text))
	}
	s.events = nil
	s.Require().NoError(s.send("three"))

	types := s.types()
	s.Equal(chatstream.EventDone, types[len(types)-1])
	s.Contains(types, chatstream.EventEpisodeComplete)

	var complete chatstream.Event
	for _, ev := range s.events {
		if ev.Type == chatstream.EventEpisodeComplete {
			complete = ev
		}
	}
	s.Equal("e-2", complete.NextEpisodeID)
	s.Equal(3, complete.TurnCount)
	s.Equal(models.SessionCompleted, s.mem.sessions["sess-1"].Status)
	s.Equal(1, s.mem.completions)

	// the session is closed now
	err := s.send("four")
	s.ErrorIs(err, models.ErrConflict)
}

func (s *DirectorSuite) TestInsufficientSparks() {
	s.mem.balances["u-1"] = 0

	err := s.send("hi")
	s.ErrorIs(err, models.ErrInsufficientSparks)
	s.Require().Len(s.events, 1)
	s.Equal(chatstream.EventNeedsSparks, s.events[0].Type)
	s.Equal(1, s.events[0].Cost)
	s.Empty(s.mem.messages)
}

func (s *DirectorSuite) TestFreeTurnsSkipSparks() {
	s.cfg.SparkCostPerTurn = 0
	s.mem.balances["u-1"] = 0
	s.Require().NoError(s.send("hi"))
	s.Zero(s.mem.balances["u-1"])
}

func (s *DirectorSuite) TestOtherUsersSessionIsNotFound() {
	err := s.director().Send(context.Background(), SendRequest{UserID: "u-2", SessionID: "sess-1", Text: "hi"}, s.emit)
	s.ErrorIs(err, models.ErrNotFound)
	s.Empty(s.events)
}

func (s *DirectorSuite) TestMissingSession() {
	err := s.director().Send(context.Background(), SendRequest{UserID: "u-1", SessionID: "nope", Text: "hi"}, s.emit)
	s.ErrorIs(err, models.ErrNotFound)
}

func (s *DirectorSuite) TestEmptyText() {
	err := s.send("   ")
	s.ErrorIs(err, models.ErrInvalidInput)
	s.Equal(10, s.mem.balances["u-1"])
}

func (s *DirectorSuite) TestUpstreamStartFailureRefunds() {
	s.llm.startErr = errors.New("503")
	err := s.send("hi")
	s.Error(err)
	s.Empty(s.events)
	s.Equal(10, s.mem.balances["u-1"])
	s.Equal([]int{1}, s.mem.refunds)
	s.Zero(s.mem.spent["u-1"], "a refunded turn is not counted as spent")
}

func (s *DirectorSuite) TestMidStreamFailureEmitsError() {
	s.llm.chunks = []llm.StreamChunk{{Text: "Hel"}, {Done: true, Err: errors.New("reset")}}
	err := s.send("hi")
	s.Error(err)
	s.Equal([]chatstream.EventType{chatstream.EventChunk, chatstream.EventError}, s.types())
	s.Equal(10, s.mem.balances["u-1"])
	s.Zero(s.mem.sessions["sess-1"].TurnCount)
}

func (s *DirectorSuite) TestEmptyReply() {
	s.llm.chunks = reply()
	err := s.send("hi")
	s.Error(err)
	s.Equal([]chatstream.EventType{chatstream.EventError}, s.types())
	s.Equal(10, s.mem.balances["u-1"])
}

func (s *DirectorSuite) TestClientGoneStopsRelay() {
	s.llm.chunks = reply("a", "b", "c")
	calls := 0
	err := s.director().Send(context.Background(), SendRequest{UserID: "u-1", SessionID: "sess-1", Text: "hi"},
		func(chatstream.Event) error {
			calls++
			return errors.New("broken pipe")
		})
	s.Error(err)
	// one failed chunk plus the best-effort error event
	s.Equal(2, calls)
}

func TestSystemPrompt(t *testing.T) {
	c := &models.Character{Name: "Mira", Personality: "wry", Backstory: "  "}
	e := &models.Episode{Situation: "Storm.", DramaticQuestion: "Will the light hold?"}

	p := SystemPrompt(c, e)
	assert.Contains(t, p, "You are Mira.")
	assert.Contains(t, p, "Personality:\nwry")
	assert.NotContains(t, p, "Backstory")
	assert.Contains(t, p, "Dramatic question:\nWill the light hold?")

	c.SystemPrompt = "Custom."
	assert.True(t, len(SystemPrompt(c, nil)) > 0)
	assert.NotContains(t, SystemPrompt(c, nil), "You are Mira")
}

func TestScenePrompt(t *testing.T) {
	c := &models.Character{Name: "Mira", Archetype: "keeper"}
	long := ""
	for i := 0; i < 100; i++ {
		long += "wave "
	}
	p := ScenePrompt(c, &models.Episode{Situation: "Storm."}, long)
	require.True(t, len(p) < len(long)+20)
	assert.Contains(t, p, "Mira. keeper. Storm. wave")
	assert.NotContains(t, p, "  ")
	assert.NotContains(t, p, "..")
}

func TestScenePrompt_MultibyteWithoutSpaces(t *testing.T) {
	reply := strings.Repeat("嵐", 200)
	p := ScenePrompt(&models.Character{Name: "Mira"}, &models.Episode{Situation: "Storm."}, reply)
	assert.True(t, utf8.ValidString(p))
	assert.True(t, strings.HasPrefix(p, "Mira. Storm. 嵐"))
	assert.LessOrEqual(t, len(p), len("Mira. Storm. ")+maxSceneContext)
}

func (s *DirectorSuite) TestStoreFailureRefunds() {
	s.mem.appendErr = errors.New("db down")
	err := s.send("hi")
	s.ErrorContains(err, "store user message")
	s.Empty(s.events)
	s.Equal(10, s.mem.balances["u-1"])
}
