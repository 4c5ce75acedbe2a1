// Package conversation keeps the user-visible history of a chat session
// (requests and final answers, never tasks or critiques) and renders the
// part of it worth sending along with a follow-up request.
package conversation

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/textutil"
)

// responseExcerpt is how much of each earlier answer is replayed.
const responseExcerpt = 500

// turnOverhead approximates the formatting around one replayed turn.
const turnOverhead = 50

// referenceWords mark a request that leans on earlier turns.
var referenceWords = []string{
	"previous", "earlier", "before", "above", "mentioned", "last time",
	"said", "told", "discussed", "talked", "asked",
}

// Turn is one request/answer pair.
type Turn struct {
	ID       int               `json:"turn_id"`
	Request  string            `json:"user_query"`
	Response string            `json:"ai_response"`
	Time     time.Time         `json:"timestamp"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type Config struct {
	MaxTurns         int // turns kept
	MaxContextTokens int // budget for rendered context
	DefaultTurns     int
	ReferenceTurns   int // turns when the request refers back
}

// DefaultConfig returns the reference limits.
func DefaultConfig() Config {
	return Config{MaxTurns: 10, MaxContextTokens: 4000, DefaultTurns: 3, ReferenceTurns: 5}
}

// Memory is a bounded, concurrency-safe turn history.
type Memory struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	turns []Turn
	next  int
}

// NewMemory creates an empty history. Zero fields of cfg take defaults.
func NewMemory(cfg Config, logger *zap.Logger) *Memory {
	def := DefaultConfig()
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = def.MaxTurns
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = def.MaxContextTokens
	}
	if cfg.DefaultTurns <= 0 {
		cfg.DefaultTurns = def.DefaultTurns
	}
	if cfg.ReferenceTurns <= 0 {
		cfg.ReferenceTurns = def.ReferenceTurns
	}
	return &Memory{cfg: cfg, logger: logger, next: 1}
}

// Add appends a turn, dropping the oldest once MaxTurns is exceeded.
func (m *Memory) Add(request, response string, meta map[string]string) Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := Turn{ID: m.next, Request: request, Response: response, Time: time.Now(), Metadata: meta}
	m.next++
	m.turns = append(m.turns, t)
	if over := len(m.turns) - m.cfg.MaxTurns; over > 0 {
		m.turns = append([]Turn(nil), m.turns[over:]...)
		m.logger.Debug("dropped old conversation turns", zap.Int("dropped", over))
	}
	return t
}

// Restore replaces the history with turns, e.g. after loading from storage.
func (m *Memory) Restore(turns []Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if over := len(turns) - m.cfg.MaxTurns; over > 0 {
		turns = turns[over:]
	}
	m.turns = append([]Turn(nil), turns...)
	m.next = 1
	if n := len(m.turns); n > 0 {
		m.next = m.turns[n-1].ID + 1
	}
}

// Turns returns a copy of the kept turns, oldest first.
func (m *Memory) Turns() []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Turn(nil), m.turns...)
}

// Last returns the most recent turn.
func (m *Memory) Last() (Turn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.turns) == 0 {
		return Turn{}, false
	}
	return m.turns[len(m.turns)-1], true
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns)
}

func (m *Memory) Clear() {
	m.mu.Lock()
	m.turns = nil
	m.mu.Unlock()
}

// Context renders the history relevant to request: ReferenceTurns turns
// when the request refers back, DefaultTurns otherwise, fewer if the
// token budget demands. Empty when there is no history.
func (m *Memory) Context(request string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.selectTurns(request)
	return m.render(n)
}

// ContextLast renders the last n turns regardless of the request.
func (m *Memory) ContextLast(n int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.render(min(max(n, 0), len(m.turns)))
}

// Summary is a one-line description of the session.
func (m *Memory) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.turns) == 0 {
		return "No conversation history"
	}
	return fmt.Sprintf("Conversation with %d turns (from %s to %s)", len(m.turns),
		m.turns[0].Time.Format(time.RFC3339), m.turns[len(m.turns)-1].Time.Format(time.RFC3339))
}

func (m *Memory) selectTurns(request string) int {
	want := m.cfg.DefaultTurns
	if RefersBack(request) {
		want = m.cfg.ReferenceTurns
	}
	n := min(want, len(m.turns))
	for n > 1 && m.estimate(n) > m.cfg.MaxContextTokens {
		n--
	}
	m.logger.Debug("conversation context selected", zap.Int("turns", n), zap.Int("tokens", m.estimate(n)))
	return n
}

// estimate approximates the tokens of the last n rendered turns.
func (m *Memory) estimate(n int) int {
	chars := 0
	for _, t := range m.turns[len(m.turns)-n:] {
		chars += len(t.Request) + len(excerpt(t.Response)) + turnOverhead
	}
	return chars / 4
}

func (m *Memory) render(n int) string {
	if n <= 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("**Conversation History:**\n")
	for _, t := range m.turns[len(m.turns)-n:] {
		fmt.Fprintf(&b, "\n**Turn %d:**\nUser: %s\nAI: %s\n", t.ID, t.Request, excerpt(t.Response))
	}
	return b.String()
}

// RefersBack reports whether request mentions earlier conversation.
func RefersBack(request string) bool {
	lower := strings.ToLower(request)
	for _, w := range referenceWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// EstimateTokens approximates the token count of s at four characters per
// token.
func EstimateTokens(s string) int {
	return len(s) / 4
}

func excerpt(s string) string {
	return textutil.Clip(s, responseExcerpt, "...")
}
