package services

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/requiem-ai/apiai/dispatch"
	"github.com/requiem-ai/apiai/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tb "gopkg.in/telebot.v3"
)

type sentMessage struct {
	chatID   int64
	text     string
	threadID int
	mode     tb.ParseMode
}

type fakeSender struct {
	mu           sync.Mutex
	sent         []sentMessage
	rejectMarkup bool
}

func (f *fakeSender) Send(to tb.Recipient, what interface{}, opts ...interface{}) (*tb.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	msg := sentMessage{text: fmt.Sprint(what)}
	if chat, ok := to.(*tb.Chat); ok {
		msg.chatID = chat.ID
	}
	for _, opt := range opts {
		if so, ok := opt.(*tb.SendOptions); ok {
			msg.threadID = so.ThreadID
			msg.mode = so.ParseMode
		}
	}
	if f.rejectMarkup && msg.mode == tb.ModeMarkdownV2 {
		return nil, errors.New("can't parse entities")
	}
	f.sent = append(f.sent, msg)
	return &tb.Message{Text: msg.text}, nil
}

func (f *fakeSender) last(t *testing.T) sentMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

type fakeSearcher struct {
	mu        sync.Mutex
	delay     time.Duration
	submitted []dispatch.Request
	canceled  []string
	outcomes  []dispatch.Outcome
	next      int
}

func (f *fakeSearcher) Settings(provider string) (llm.Settings, error) {
	id, err := llm.NormalizeProvider(provider)
	if err != nil {
		return llm.Settings{}, err
	}
	return llm.Settings{Provider: id}, nil
}

func (f *fakeSearcher) Submit(req dispatch.Request) (string, bool) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	f.next++
	return fmt.Sprintf("id-%d", f.next), true
}

func (f *fakeSearcher) Poll() (dispatch.Outcome, bool) {
	if len(f.outcomes) == 0 {
		return dispatch.Outcome{}, false
	}
	out := f.outcomes[0]
	f.outcomes = f.outcomes[1:]
	return out, true
}

func (f *fakeSearcher) Cancel(id string) bool {
	f.canceled = append(f.canceled, id)
	return id != "gone"
}

func newTestTelegram(t *testing.T, defaults TopicContext) (*TelegramService, *fakeSender, *fakeSearcher) {
	t.Helper()
	sender := &fakeSender{}
	search := &fakeSearcher{}

	svc := &TelegramService{}
	svc.init(filepath.Join(t.TempDir(), "topics.json"), defaults)
	svc.sender = sender
	svc.search = search
	return svc, sender, search
}

func TestTelegram_SubmitUsesTopicState(t *testing.T) {
	svc, _, search := newTestTelegram(t, TopicContext{Provider: llm.RelayID, ChatMode: true})
	key := topicKey(-100, 7)

	_, err := svc.topics.update(key, svc.defaults, func(tc *TopicContext) {
		tc.ConversationID = "conv-1"
	})
	require.NoError(t, err)

	_, ok := svc.submitQuery(-100, 7, "what is 6*7?")
	require.True(t, ok)

	require.Len(t, search.submitted, 1)
	req := search.submitted[0]
	assert.Equal(t, "what is 6*7?", req.Query)
	assert.Equal(t, key, req.Tag)
	assert.Equal(t, llm.RelayID, req.Settings.Provider)
	assert.True(t, req.Settings.ChatMode)
	assert.Equal(t, "conv-1", req.Settings.ConversationID)

	state, ok := svc.topics.get(key)
	require.True(t, ok)
	assert.Equal(t, "id-1", state.LastRequestID)
}

func TestTelegram_SubmitIgnoresBlankText(t *testing.T) {
	svc, _, search := newTestTelegram(t, TopicContext{Provider: llm.AnthropicID})

	reply, ok := svc.submitQuery(1, 0, "   ")
	assert.False(t, ok)
	assert.Empty(t, reply)
	assert.Empty(t, search.submitted)
}

func TestTelegram_ChatModeRefusesWhileBusy(t *testing.T) {
	svc, _, search := newTestTelegram(t, TopicContext{Provider: llm.RelayID, ChatMode: true})

	_, ok := svc.submitQuery(1, 2, "first")
	require.True(t, ok)

	reply, ok := svc.submitQuery(1, 2, "second")
	assert.False(t, ok)
	assert.Contains(t, reply, "/cancel")
	assert.Len(t, search.submitted, 1)

	// Other topics are independent.
	_, ok = svc.submitQuery(1, 3, "elsewhere")
	assert.True(t, ok)
}

func TestTelegram_ChatModeConcurrentSubmits(t *testing.T) {
	svc, _, search := newTestTelegram(t, TopicContext{Provider: llm.RelayID, ChatMode: true})
	search.delay = 20 * time.Millisecond

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		dispatched int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, ok := svc.submitQuery(1, 2, fmt.Sprintf("question %d", n)); ok {
				mu.Lock()
				dispatched++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, dispatched)
	assert.Len(t, search.submitted, 1)
}

func TestTelegram_OneShotModeAllowsOverlap(t *testing.T) {
	svc, _, search := newTestTelegram(t, TopicContext{Provider: llm.OpenAIID})

	_, ok := svc.submitQuery(1, 0, "a")
	require.True(t, ok)
	_, ok = svc.submitQuery(1, 0, "b")
	require.True(t, ok)
	assert.Len(t, search.submitted, 2)
	assert.Empty(t, search.submitted[1].Settings.ConversationID)
}

func TestTelegram_OutcomeUpdatesConversation(t *testing.T) {
	svc, sender, search := newTestTelegram(t, TopicContext{Provider: llm.RelayID, ChatMode: true})
	key := topicKey(5, 9)

	_, ok := svc.submitQuery(5, 9, "hi")
	require.True(t, ok)

	search.outcomes = append(search.outcomes, dispatch.Outcome{
		ID:      "id-1",
		Kind:    dispatch.KindSearch,
		Request: dispatch.Request{Tag: key},
		Result: llm.SearchResult{
			Text:           "hello there.",
			Provider:       "Anthropic",
			Model:          "claude-3",
			ConversationID: "conv-9",
		},
	})
	svc.drainOutcomes()

	state, _ := svc.topics.get(key)
	assert.Equal(t, "conv-9", state.ConversationID)

	msg := sender.last(t)
	assert.Equal(t, int64(5), msg.chatID)
	assert.Equal(t, 9, msg.threadID)
	assert.Equal(t, tb.ModeMarkdownV2, msg.mode)
	assert.Equal(t, "*Anthropic · claude\\-3*\n\nhello there\\.", msg.text)

	// The topic is free for the next chat-mode query.
	_, ok = svc.submitQuery(5, 9, "again")
	assert.True(t, ok)
}

func TestTelegram_StaleOutcomeKeepsConversation(t *testing.T) {
	svc, sender, _ := newTestTelegram(t, TopicContext{Provider: llm.RelayID})
	key := topicKey(5, 0)

	_, err := svc.topics.update(key, svc.defaults, func(tc *TopicContext) {
		tc.ChatMode = true
		tc.ConversationID = "current"
		tc.LastRequestID = "newer"
	})
	require.NoError(t, err)

	svc.handleOutcome(dispatch.Outcome{
		ID:      "older",
		Kind:    dispatch.KindSearch,
		Request: dispatch.Request{Tag: key},
		Result:  llm.SearchResult{Text: "late", ConversationID: "stale"},
	})

	state, _ := svc.topics.get(key)
	assert.Equal(t, "current", state.ConversationID)
	assert.Equal(t, "late", sender.last(t).text)
}

func TestTelegram_CanceledOutcomeIsDiscarded(t *testing.T) {
	svc, sender, _ := newTestTelegram(t, TopicContext{Provider: llm.RelayID, ChatMode: true})
	key := topicKey(1, 0)

	svc.handleOutcome(dispatch.Outcome{
		ID:       "id-1",
		Kind:     dispatch.KindSearch,
		Request:  dispatch.Request{Tag: key},
		Canceled: true,
		Result:   llm.SearchResult{Text: "ignored", ConversationID: "conv"},
	})

	assert.Contains(t, sender.last(t).text, "discarded")
	_, ok := svc.topics.get(key)
	assert.False(t, ok)
}

func TestTelegram_ErrorOutcome(t *testing.T) {
	svc, sender, _ := newTestTelegram(t, TopicContext{Provider: llm.AnthropicID})

	svc.handleOutcome(dispatch.Outcome{
		ID:      "id-1",
		Kind:    dispatch.KindSearch,
		Request: dispatch.Request{Tag: topicKey(1, 0)},
		Err:     &llm.UpstreamError{Provider: llm.AnthropicID, Status: 401, Body: "bad key"},
	})

	msg := sender.last(t)
	assert.Equal(t, "Upstream error (status 401): bad key", msg.text)
	assert.Empty(t, msg.mode)
}

func TestTelegram_CancelOutcomeNotice(t *testing.T) {
	svc, sender, _ := newTestTelegram(t, TopicContext{})

	svc.handleOutcome(dispatch.Outcome{
		ID:      "id-1",
		Kind:    dispatch.KindCancel,
		Request: dispatch.Request{Tag: topicKey(1, 0)},
		Cancel:  llm.CancelOutcome{RequestID: "r", Accepted: false, Message: "request already completed"},
	})

	assert.Equal(t, "Cancel not confirmed by the backend. request already completed", sender.last(t).text)
}

func TestTelegram_OutcomeWithoutTopic(t *testing.T) {
	svc, sender, _ := newTestTelegram(t, TopicContext{})

	svc.handleOutcome(dispatch.Outcome{ID: "x", Request: dispatch.Request{Tag: "cli"}})
	assert.Empty(t, sender.sent)
}

func TestTelegram_ReplyFallsBackToPlainText(t *testing.T) {
	svc, sender, _ := newTestTelegram(t, TopicContext{})
	sender.rejectMarkup = true

	require.NoError(t, svc.reply(3, 4, "*OpenAI*", "a_b"))

	msg := sender.last(t)
	assert.Equal(t, "a_b", msg.text)
	assert.Empty(t, msg.mode)
	assert.Equal(t, 4, msg.threadID)
}

func TestTelegram_ReplyChunksFitAfterEscaping(t *testing.T) {
	svc, sender, _ := newTestTelegram(t, TopicContext{})
	body := strings.Repeat(".", 3000) + "\n" + strings.Repeat("_", 3000)

	require.NoError(t, svc.reply(3, 0, "*Relay*", body))

	require.Greater(t, len(sender.sent), 1)
	var unescaped strings.Builder
	for _, msg := range sender.sent {
		assert.Equal(t, tb.ModeMarkdownV2, msg.mode)
		assert.LessOrEqual(t, utf8.RuneCountInString(msg.text), telegramMessageLimit)
		unescaped.WriteString(strings.ReplaceAll(strings.TrimPrefix(msg.text, "*Relay*\n\n"), "\\", ""))
	}
	assert.Equal(t, body, unescaped.String())
}

func TestTelegram_CancelTopic(t *testing.T) {
	svc, _, search := newTestTelegram(t, TopicContext{Provider: llm.RelayID, ChatMode: true})
	key := topicKey(1, 0)

	assert.Equal(t, "Nothing to cancel.", svc.cancelTopic(key))

	_, ok := svc.submitQuery(1, 0, "long question")
	require.True(t, ok)

	assert.Equal(t, "Cancel requested.", svc.cancelTopic(key))
	assert.Equal(t, []string{"id-1"}, search.canceled)

	// Canceling frees the topic for a new chat-mode query.
	_, ok = svc.submitQuery(1, 0, "next")
	assert.True(t, ok)
}

func TestTelegram_SwitchProvider(t *testing.T) {
	svc, _, _ := newTestTelegram(t, TopicContext{Provider: llm.AnthropicID})
	key := topicKey(1, 0)

	assert.Equal(t, "Current provider: anthropic", svc.switchProvider(key, ""))
	assert.Contains(t, svc.switchProvider(key, "gemini"), "Unknown provider")

	_, err := svc.topics.update(key, svc.defaults, func(tc *TopicContext) {
		tc.ConversationID = "conv"
	})
	require.NoError(t, err)

	assert.Equal(t, "Provider set to openai.", svc.switchProvider(key, " OpenAI "))
	state, _ := svc.topics.get(key)
	assert.Equal(t, llm.OpenAIID, state.Provider)
	assert.Empty(t, state.ConversationID)
}

func TestTelegram_ToggleChat(t *testing.T) {
	svc, _, _ := newTestTelegram(t, TopicContext{Provider: llm.RelayID})
	key := topicKey(1, 0)

	assert.Equal(t, "Chat mode on.", svc.toggleChat(key, ""))
	assert.Equal(t, "Usage: /chat on|off", svc.toggleChat(key, "maybe"))

	_, err := svc.topics.update(key, svc.defaults, func(tc *TopicContext) {
		tc.ConversationID = "conv"
	})
	require.NoError(t, err)

	assert.Equal(t, "Chat mode off.", svc.toggleChat(key, "off"))
	state, _ := svc.topics.get(key)
	assert.False(t, state.ChatMode)
	assert.Empty(t, state.ConversationID)
}

func TestTelegram_TopicStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "topics.json")
	store := newTopicStore(path)

	_, err := store.update(topicKey(-42, 3), TopicContext{Provider: llm.RelayID}, func(tc *TopicContext) {
		tc.ConversationID = "conv"
	})
	require.NoError(t, err)

	reloaded := newTopicStore(path)
	require.NoError(t, reloaded.load())

	state, ok := reloaded.get(topicKey(-42, 3))
	require.True(t, ok)
	assert.Equal(t, TopicContext{Provider: llm.RelayID, ConversationID: "conv"}, state)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.update(topicKey(1, n), TopicContext{}, func(tc *TopicContext) {
				tc.LastRequestID = fmt.Sprintf("id-%d", n)
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	reloaded = newTopicStore(path)
	require.NoError(t, reloaded.load())
	assert.Len(t, reloaded.keys(), 9)

	chatID, threadID, ok := parseTopicKey(reloaded.keys()[0])
	require.True(t, ok)
	assert.Equal(t, int64(-42), chatID)
	assert.Equal(t, 3, threadID)
}

func TestTelegram_MainChatID(t *testing.T) {
	svc, _, _ := newTestTelegram(t, TopicContext{})

	_, ok := svc.mainChatID()
	assert.False(t, ok)

	_, err := svc.topics.update(topicKey(77, 1), svc.defaults, func(*TopicContext) {})
	require.NoError(t, err)
	id, ok := svc.mainChatID()
	assert.True(t, ok)
	assert.Equal(t, int64(77), id)

	svc.mainChat = 5
	id, _ = svc.mainChatID()
	assert.Equal(t, int64(5), id)
}

func TestDescribeSearchError(t *testing.T) {
	assert.Contains(t, describeSearchError(llm.ErrMissingCredential), "credentials")
	assert.Contains(t, describeSearchError(fmt.Errorf("%w: boom", llm.ErrDecrypt)), "decrypt")
	assert.Contains(t, describeSearchError(fmt.Errorf("%w: dial", llm.ErrTransport)), "Network")
	assert.Equal(t, "Search failed: odd", describeSearchError(errors.New("odd")))

	long := describeSearchError(&llm.UpstreamError{Provider: "relay", Status: 502, Body: strings.Repeat("é", 600)})
	assert.True(t, utf8.ValidString(long))
	assert.Equal(t, "Upstream error (status 502): "+strings.Repeat("é", 500)+"...", long)
}

func TestCommandName(t *testing.T) {
	assert.Equal(t, "provider", commandName(" /provider openai"))
	assert.Empty(t, commandName("hello"))
	assert.Empty(t, commandName("/"))
}
