package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// TopicContext is the per-topic conversation state. It lives with the caller,
// never inside a provider client.
type TopicContext struct {
	Provider       string `json:"provider,omitempty"`
	ChatMode       bool   `json:"chat_mode"`
	ConversationID string `json:"conversation_id,omitempty"`
	LastRequestID  string `json:"last_request_id,omitempty"`
}

type topicStore struct {
	mu     sync.Mutex
	path   string
	topics map[string]*TopicContext

	// saveMu orders writes so the file never goes back to an older snapshot.
	saveMu sync.Mutex
}

func newTopicStore(path string) *topicStore {
	return &topicStore{
		path:   path,
		topics: make(map[string]*TopicContext),
	}
}

// get returns a copy of the topic state and whether it existed.
func (s *topicStore) get(key string) (TopicContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.topics[key]
	if !ok || ctx == nil {
		return TopicContext{}, false
	}
	return *ctx, true
}

// update applies fn to the topic state, creating it from defaults when
// missing, then persists the store.
func (s *topicStore) update(key string, defaults TopicContext, fn func(*TopicContext)) (TopicContext, error) {
	s.mu.Lock()
	ctx, ok := s.topics[key]
	if !ok || ctx == nil {
		copyCtx := defaults
		ctx = &copyCtx
		s.topics[key] = ctx
	}
	fn(ctx)
	result := *ctx
	s.mu.Unlock()

	return result, s.save()
}

func (s *topicStore) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.topics))
	for key := range s.topics {
		keys = append(keys, key)
	}
	return keys
}

func (s *topicStore) load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var topics map[string]*TopicContext
	if err := json.Unmarshal(data, &topics); err != nil {
		return err
	}
	if topics == nil {
		topics = make(map[string]*TopicContext)
	}

	s.mu.Lock()
	s.topics = topics
	s.mu.Unlock()

	return nil
}

// save replaces the file atomically via a temp file in the same directory.
func (s *topicStore) save() error {
	if s.path == "" {
		return nil
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	snapshot := make(map[string]TopicContext)
	s.mu.Lock()
	for key, ctx := range s.topics {
		if ctx == nil {
			continue
		}
		snapshot[key] = *ctx
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, "telegram_topics_*.json")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpFile.Name(), s.path)
}

func topicKey(chatID int64, threadID int) string {
	return fmt.Sprintf("%d:%d", chatID, threadID)
}

func parseTopicKey(key string) (int64, int, bool) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	chatID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	threadID, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return chatID, threadID, true
}
