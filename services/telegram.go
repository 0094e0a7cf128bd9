package services

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/requiem-ai/apiai/context"
	"github.com/requiem-ai/apiai/dispatch"
	"github.com/requiem-ai/apiai/llm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	tb "gopkg.in/telebot.v3"
)

// searcher is the part of SearchService the bot depends on.
type searcher interface {
	Settings(provider string) (llm.Settings, error)
	Submit(req dispatch.Request) (string, bool)
	Poll() (dispatch.Outcome, bool)
	Cancel(id string) bool
}

type messageSender interface {
	Send(to tb.Recipient, what interface{}, opts ...interface{}) (*tb.Message, error)
}

type TelegramService struct {
	context.DefaultService

	Bot *tb.Bot

	search searcher
	sender messageSender
	topics *topicStore

	mu            sync.Mutex
	inFlight      map[string]string // topic key -> request id
	allowedUserID int64
	mainChat      int64
	defaults      TopicContext

	stop     chan struct{}
	stopOnce sync.Once
}

const TELEGRAM_SVC = "telegram_svc"

const pollInterval = 100 * time.Millisecond

func (svc *TelegramService) Id() string {
	return TELEGRAM_SVC
}

func (svc *TelegramService) Configure(ctx *context.Context) (err error) {
	if err := svc.DefaultService.Configure(ctx); err != nil {
		return err
	}
	cfg := svc.Config()

	svc.Bot, err = tb.NewBot(tb.Settings{
		Token: cfg.Telegram.Token,
		Poller: &tb.LongPoller{
			Timeout: 30 * time.Second,
		},
		OnError: func(err error, c tb.Context) {
			svc.decorateTelegramEvent(log.Error().Err(err), c).Msg("telegram bot error")
		},
	})
	if err != nil {
		return err
	}

	topicsPath := cfg.Telegram.TopicsPath
	if topicsPath != "" && !filepath.IsAbs(topicsPath) {
		if wd, err := os.Getwd(); err == nil {
			topicsPath = filepath.Join(wd, topicsPath)
		}
	}

	svc.init(topicsPath, TopicContext{
		Provider: cfg.Provider,
		ChatMode: cfg.ChatMode,
	})
	svc.sender = svc.Bot
	svc.allowedUserID = cfg.Telegram.UserID
	svc.mainChat = cfg.Telegram.MainChatID

	return nil
}

func (svc *TelegramService) init(topicsPath string, defaults TopicContext) {
	svc.topics = newTopicStore(topicsPath)
	svc.inFlight = make(map[string]string)
	svc.defaults = defaults
	svc.stop = make(chan struct{})
}

func (svc *TelegramService) Start() error {
	search, ok := svc.Service(SEARCH_SVC).(*SearchService)
	if !ok {
		return errors.New("search service not available")
	}
	svc.search = search

	if err := svc.topics.load(); err != nil {
		log.Error().Err(err).Msg("failed to load topic contexts")
	}

	svc.setupHandlers()
	go svc.pollLoop()
	svc.sendOnlineMessage()

	svc.Bot.Start()

	return nil
}

func (svc *TelegramService) Shutdown() {
	if svc.stop != nil {
		svc.stopOnce.Do(func() { close(svc.stop) })
	}
	if svc.Bot == nil {
		return
	}
	svc.Bot.Stop()
}

func (svc *TelegramService) setupHandlers() {
	svc.Bot.Handle("/start", svc.guardHandler(svc.onStart))
	svc.Bot.Handle("/clear", svc.guardHandler(svc.onClear))
	svc.Bot.Handle("/cancel", svc.guardHandler(svc.onCancel))
	svc.Bot.Handle("/provider", svc.guardHandler(svc.onProvider))
	svc.Bot.Handle("/chat", svc.guardHandler(svc.onChat))

	svc.Bot.Handle(tb.OnText, svc.guardHandler(svc.onText))
}

func (svc *TelegramService) sendOnlineMessage() {
	chatID, ok := svc.mainChatID()
	if !ok {
		log.Warn().Msg("skipping online message: main chat id not configured or discoverable")
		return
	}

	_, err := svc.sender.Send(&tb.Chat{ID: chatID}, "Bot is online.")
	if err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("failed to send online message")
		return
	}

	log.Info().Int64("chat_id", chatID).Msg("sent online message to main chat")
}

func (svc *TelegramService) mainChatID() (int64, bool) {
	if svc.mainChat != 0 {
		return svc.mainChat, true
	}

	for _, key := range svc.topics.keys() {
		chatID, _, ok := parseTopicKey(key)
		if ok {
			return chatID, true
		}
	}

	return 0, false
}

func (svc *TelegramService) guardHandler(fn tb.HandlerFunc) tb.HandlerFunc {
	return func(c tb.Context) error {
		if c != nil {
			svc.decorateTelegramEvent(log.Info(), c).Msg("inbound telegram update")
		}

		allowed, reason := svc.isAllowedUser(c)
		if !allowed {
			svc.decorateTelegramEvent(
				log.Warn().
					Str("reason", reason).
					Int64("allowed_user_id", svc.allowedUserID),
				c,
			).Msg("telegram update blocked")
			return nil
		}

		if err := fn(c); err != nil {
			svc.decorateTelegramEvent(log.Error().Err(err), c).Msg("telegram handler returned error")
			return err
		}

		return nil
	}
}

func (svc *TelegramService) decorateTelegramEvent(event *zerolog.Event, c tb.Context) *zerolog.Event {
	if event == nil || c == nil {
		return event
	}

	if chat := c.Chat(); chat != nil {
		event = event.Int64("group_id", chat.ID).Str("chat_type", string(chat.Type))
	}

	if sender := c.Sender(); sender != nil {
		event = event.Int64("user_id", sender.ID).Str("sender_username", sender.Username)
	}

	if msg := c.Message(); msg != nil {
		event = event.
			Int("thread_id", msg.ThreadID).
			Bool("topic_message", msg.TopicMessage).
			Int("text_len", len(msg.Text))
		if command := commandName(msg.Text); command != "" {
			event = event.Str("command", command)
		}
	}

	return event
}

func commandName(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	fields := strings.Fields(strings.TrimPrefix(text, "/"))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func (svc *TelegramService) isAllowedUser(c tb.Context) (bool, string) {
	if svc.allowedUserID == 0 {
		return true, ""
	}
	if c == nil {
		return false, "missing_context"
	}
	sender := c.Sender()
	if sender == nil {
		return false, "missing_sender"
	}
	if svc.Bot != nil && svc.Bot.Me != nil && sender.ID == svc.Bot.Me.ID {
		return false, "sender_is_bot"
	}
	if sender.ID != svc.allowedUserID {
		return false, "sender_not_allowed"
	}
	return true, ""
}

// threadOf returns the topic thread of msg, 0 outside forum topics.
func threadOf(msg *tb.Message) int {
	if msg == nil || !msg.TopicMessage {
		return 0
	}
	return msg.ThreadID
}

func (svc *TelegramService) onText(c tb.Context) error {
	msg := c.Message()
	if msg == nil || c.Chat() == nil {
		return nil
	}
	if strings.HasPrefix(msg.Text, "/") {
		return nil
	}

	threadID := threadOf(msg)
	reply, ok := svc.submitQuery(c.Chat().ID, threadID, msg.Text)
	if !ok {
		if reply != "" {
			return svc.reply(c.Chat().ID, threadID, "", reply)
		}
		return nil
	}

	if svc.Bot != nil {
		_ = svc.Bot.React(c.Chat(), msg, tb.ReactionOptions{Reactions: []tb.Reaction{{
			Type:  "emoji",
			Emoji: "👍",
		}}})
		_ = svc.Bot.Notify(c.Chat(), tb.Typing, threadID)
	}
	return nil
}

// submitQuery dispatches text for the topic. When nothing was dispatched the
// returned string, if any, explains why.
func (svc *TelegramService) submitQuery(chatID int64, threadID int, text string) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return "", false
	}

	key := topicKey(chatID, threadID)

	// Held from the busy check until the id is recorded; handlers run concurrently.
	svc.mu.Lock()
	state := svc.topicState(key)
	if state.ChatMode && svc.inFlight[key] != "" {
		svc.mu.Unlock()
		return "Still waiting on the previous answer. Use /cancel to abandon it.", false
	}

	settings, err := svc.search.Settings(state.Provider)
	if err != nil {
		svc.mu.Unlock()
		log.Error().Err(err).Str("topic", key).Msg("failed to build search settings")
		return "Provider is not configured correctly.", false
	}
	settings.ChatMode = state.ChatMode
	if state.ChatMode {
		settings.ConversationID = state.ConversationID
	}

	id, ok := svc.search.Submit(dispatch.Request{Query: text, Settings: settings, Tag: key})
	if ok {
		svc.inFlight[key] = id
	}
	svc.mu.Unlock()
	if !ok {
		return "", false
	}

	if _, err := svc.topics.update(key, svc.defaults, func(t *TopicContext) {
		t.LastRequestID = id
	}); err != nil {
		log.Error().Err(err).Msg("failed to save topic contexts")
	}

	log.Info().Str("topic", key).Str("id", id).Str("provider", settings.Provider).Msg("query dispatched")
	return "", true
}

func (svc *TelegramService) topicState(key string) TopicContext {
	if state, ok := svc.topics.get(key); ok {
		return state
	}
	return svc.defaults
}

func (svc *TelegramService) pollLoop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-svc.stop:
			return
		case <-ticker.C:
			svc.drainOutcomes()
		}
	}
}

func (svc *TelegramService) drainOutcomes() {
	for {
		out, ok := svc.search.Poll()
		if !ok {
			return
		}
		svc.handleOutcome(out)
	}
}

func (svc *TelegramService) handleOutcome(out dispatch.Outcome) {
	key := out.Request.Tag
	chatID, threadID, ok := parseTopicKey(key)
	if !ok {
		log.Warn().Str("id", out.ID).Str("tag", key).Msg("outcome without topic")
		return
	}

	if out.Kind == dispatch.KindCancel {
		text := "Cancel sent."
		if !out.Cancel.Accepted {
			text = "Cancel not confirmed by the backend."
		}
		if out.Cancel.Message != "" {
			text += " " + out.Cancel.Message
		}
		svc.sendPlain(chatID, threadID, text)
		return
	}

	svc.mu.Lock()
	if svc.inFlight[key] == out.ID {
		delete(svc.inFlight, key)
	}
	svc.mu.Unlock()

	if out.Canceled {
		svc.sendPlain(chatID, threadID, "Request was canceled, reply discarded.")
		return
	}
	if out.Err != nil {
		svc.sendPlain(chatID, threadID, describeSearchError(out.Err))
		return
	}

	state := svc.topicState(key)
	if state.ChatMode && state.LastRequestID == out.ID && out.Result.ConversationID != "" {
		if _, err := svc.topics.update(key, svc.defaults, func(t *TopicContext) {
			t.ConversationID = out.Result.ConversationID
		}); err != nil {
			log.Error().Err(err).Msg("failed to save topic contexts")
		}
	}

	if err := svc.reply(chatID, threadID, resultHeader(out.Result), out.Result.Text); err != nil {
		log.Error().Err(err).Str("topic", key).Msg("failed to deliver reply")
	}
}

// resultHeader is the bold MarkdownV2 line naming who answered, empty when
// the reply carries no provider or model.
func resultHeader(r llm.SearchResult) string {
	header := r.Provider
	if r.Model != "" {
		if header != "" {
			header += " · "
		}
		header += r.Model
	}
	if header == "" {
		return ""
	}
	return "*" + escapeMarkdownV2(header) + "*"
}

func describeSearchError(err error) string {
	var upstream *llm.UpstreamError
	switch {
	case errors.Is(err, llm.ErrMissingCredential):
		return "Provider credentials are not configured."
	case errors.As(err, &upstream):
		return fmt.Sprintf("Upstream error (status %d): %s", upstream.Status, truncateRunes(upstream.Body, 500))
	case errors.Is(err, llm.ErrDecrypt):
		return "Could not decrypt the relay reply. Check the encryption key."
	case errors.Is(err, llm.ErrMalformedResponse):
		return "The relay sent a reply this client does not understand."
	case errors.Is(err, llm.ErrTransport):
		return "Network error talking to the provider."
	default:
		return "Search failed: " + err.Error()
	}
}

// reply sends body as MarkdownV2 under an optional pre-rendered header.
// Chunks Telegram rejects are resent as plain text.
func (svc *TelegramService) reply(chatID int64, threadID int, header, body string) error {
	limit := telegramMessageLimit
	if header != "" {
		limit -= len([]rune(header)) + 2
	}

	for i, chunk := range splitEscaped(body, limit) {
		rendered := escapeMarkdownV2(chunk)
		if i == 0 && header != "" {
			rendered = header + "\n\n" + rendered
		}

		_, err := svc.sender.Send(&tb.Chat{ID: chatID}, rendered, &tb.SendOptions{
			ThreadID:  threadID,
			ParseMode: tb.ModeMarkdownV2,
		})
		if err == nil {
			continue
		}

		log.Warn().Err(err).Int64("chat_id", chatID).Msg("markdown reply rejected, sending plain text")
		if _, err := svc.sender.Send(&tb.Chat{ID: chatID}, chunk, &tb.SendOptions{ThreadID: threadID}); err != nil {
			return err
		}
	}
	return nil
}

func (svc *TelegramService) sendPlain(chatID int64, threadID int, text string) {
	if _, err := svc.sender.Send(&tb.Chat{ID: chatID}, text, &tb.SendOptions{ThreadID: threadID}); err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("failed to send message")
	}
}

func (svc *TelegramService) onStart(c tb.Context) error {
	return svc.reply(c.Chat().ID, threadOf(c.Message()), "", strings.Join([]string{
		"Send any message to ask the configured provider.",
		"/provider anthropic|openai|relay switches the backend for this topic.",
		"/chat on|off threads the conversation through the relay.",
		"/clear starts a new conversation.",
		"/cancel abandons the last request.",
	}, "\n"))
}

func (svc *TelegramService) onClear(c tb.Context) error {
	threadID := threadOf(c.Message())
	key := topicKey(c.Chat().ID, threadID)

	if _, err := svc.topics.update(key, svc.defaults, func(t *TopicContext) {
		t.ConversationID = ""
	}); err != nil {
		log.Error().Err(err).Msg("failed to save topic contexts")
	}

	log.Info().Str("topic", key).Msg("conversation cleared")
	svc.sendPlain(c.Chat().ID, threadID, "Conversation cleared.")
	return nil
}

func (svc *TelegramService) onCancel(c tb.Context) error {
	threadID := threadOf(c.Message())
	svc.sendPlain(c.Chat().ID, threadID, svc.cancelTopic(topicKey(c.Chat().ID, threadID)))
	return nil
}

func (svc *TelegramService) cancelTopic(key string) string {
	state := svc.topicState(key)
	if state.LastRequestID == "" {
		return "Nothing to cancel."
	}
	if !svc.search.Cancel(state.LastRequestID) {
		return "That request is no longer tracked."
	}

	svc.mu.Lock()
	if svc.inFlight[key] == state.LastRequestID {
		delete(svc.inFlight, key)
	}
	svc.mu.Unlock()

	return "Cancel requested."
}

func (svc *TelegramService) onProvider(c tb.Context) error {
	threadID := threadOf(c.Message())
	svc.sendPlain(c.Chat().ID, threadID, svc.switchProvider(topicKey(c.Chat().ID, threadID), c.Message().Payload))
	return nil
}

func (svc *TelegramService) switchProvider(key, payload string) string {
	name := strings.TrimSpace(payload)
	if name == "" {
		return "Current provider: " + svc.topicState(key).Provider
	}

	provider, err := llm.NormalizeProvider(name)
	if err != nil {
		return "Unknown provider. Use anthropic, openai or relay."
	}

	if _, err := svc.topics.update(key, svc.defaults, func(t *TopicContext) {
		if t.Provider != provider {
			t.ConversationID = ""
		}
		t.Provider = provider
	}); err != nil {
		log.Error().Err(err).Msg("failed to save topic contexts")
	}
	return "Provider set to " + provider + "."
}

func (svc *TelegramService) onChat(c tb.Context) error {
	threadID := threadOf(c.Message())
	svc.sendPlain(c.Chat().ID, threadID, svc.toggleChat(topicKey(c.Chat().ID, threadID), c.Message().Payload))
	return nil
}

func (svc *TelegramService) toggleChat(key, payload string) string {
	var enabled bool
	switch strings.ToLower(strings.TrimSpace(payload)) {
	case "on", "true", "1":
		enabled = true
	case "off", "false", "0":
		enabled = false
	case "":
		enabled = !svc.topicState(key).ChatMode
	default:
		return "Usage: /chat on|off"
	}

	if _, err := svc.topics.update(key, svc.defaults, func(t *TopicContext) {
		t.ChatMode = enabled
		if !enabled {
			t.ConversationID = ""
		}
	}); err != nil {
		log.Error().Err(err).Msg("failed to save topic contexts")
	}

	if enabled {
		return "Chat mode on."
	}
	return "Chat mode off."
}
