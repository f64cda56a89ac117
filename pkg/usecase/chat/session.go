package chat

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"strings"
	"text/template"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/adapter"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/repository"
	"github.com/m-mizutani/rendezvous/pkg/tool"
	"github.com/m-mizutani/rendezvous/pkg/usecase/memory"
	"github.com/m-mizutani/rendezvous/pkg/utils/backoff"
	"github.com/m-mizutani/rendezvous/pkg/utils/codec"
	"github.com/m-mizutani/rendezvous/pkg/utils/logging"
	"google.golang.org/genai"
)

//go:embed prompt/system.md
var systemPromptRaw string

var systemPromptTmpl = template.Must(template.New("system").Parse(systemPromptRaw))

// DefaultMaxIterations bounds model calls within one turn
const DefaultMaxIterations = 32

// Session is a conversation thread between one user and the agent. Every
// reasoning step is appended to the checkpoint log, and a session opened on
// a thread with checkpoints continues from the latest one.
type Session struct {
	gemini   adapter.Gemini
	log      repository.CheckpointLog
	registry *tool.Registry
	memory   *memory.Manager

	compression   codec.Compression
	recallK       int
	maxIterations int
	historyLimit  int
	backoff       backoff.Policy
	now           func() time.Time

	owner   model.OwnerID
	thread  model.ThreadID
	state   *State
	next    uint64
	resumed bool
}

type Option func(*Session)

func WithRegistry(r *tool.Registry) Option {
	return func(s *Session) {
		s.registry = r
	}
}

// WithMemory enables recall injection and remembering of user messages
func WithMemory(m *memory.Manager) Option {
	return func(s *Session) {
		s.memory = m
	}
}

func WithCompression(c codec.Compression) Option {
	return func(s *Session) {
		s.compression = c
	}
}

func WithRecallK(k int) Option {
	return func(s *Session) {
		s.recallK = k
	}
}

func WithMaxIterations(n int) Option {
	return func(s *Session) {
		s.maxIterations = n
	}
}

// WithHistoryLimit summarizes older messages once the encoded history grows
// beyond n bytes. Zero compacts only when the model rejects the request size.
func WithHistoryLimit(n int) Option {
	return func(s *Session) {
		s.historyLimit = n
	}
}

func WithBackoff(p backoff.Policy) Option {
	return func(s *Session) {
		s.backoff = p
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// New opens the thread derived from owner and sessionID
func New(ctx context.Context, gemini adapter.Gemini, log repository.CheckpointLog, owner model.OwnerID, sessionID string, opts ...Option) (*Session, error) {
	if owner == "" {
		return nil, goerr.New("owner is required")
	}
	return Resume(ctx, gemini, log, owner, model.NewThreadID(string(owner), sessionID), opts...)
}

// Resume opens a thread by identifier. A thread without checkpoints starts
// a new conversation.
func Resume(ctx context.Context, gemini adapter.Gemini, log repository.CheckpointLog, owner model.OwnerID, thread model.ThreadID, opts ...Option) (*Session, error) {
	s := &Session{
		gemini:        gemini,
		log:           log,
		compression:   codec.CompressionZstd,
		recallK:       memory.DefaultRecallK,
		maxIterations: DefaultMaxIterations,
		backoff:       backoff.Default(),
		now:           time.Now,
		owner:         owner,
		thread:        thread,
		state:         &State{},
	}
	for _, opt := range opts {
		opt(s)
	}

	latest, err := backoff.Do(ctx, s.backoff, func(ctx context.Context) (*model.Checkpoint, error) {
		return log.LatestCheckpoint(ctx, thread)
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load latest checkpoint", goerr.V("thread", thread))
	}
	if latest == nil {
		return s, nil
	}

	state, err := DecodeState(latest.State)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to restore thread", goerr.V("thread", thread), goerr.V("seq", latest.Seq))
	}
	s.state = state
	s.next = latest.Seq + 1
	s.resumed = true

	logging.From(ctx).Debug("thread resumed", "thread", thread, "seq", latest.Seq, "contents", len(state.Contents))
	return s, nil
}

func (s *Session) Thread() model.ThreadID { return s.thread }
func (s *Session) Owner() model.OwnerID   { return s.owner }

// Resumed reports whether the session was restored from a checkpoint
func (s *Session) Resumed() bool { return s.resumed }

// History returns the conversation as of the last checkpoint
func (s *Session) History() []*genai.Content {
	return append([]*genai.Content(nil), s.state.Contents...)
}

// ToolCall records one tool invocation made during a turn
type ToolCall struct {
	Name     string         `json:"name"`
	Args     map[string]any `json:"args"`
	Response map[string]any `json:"response"`
}

// Turn is the outcome of Send
type Turn struct {
	Text      string
	ToolCalls []ToolCall
	// Memories injected into the system instruction for this turn
	Memories []string
	// Seq of the last checkpoint written during the turn
	Seq   uint64
	Steps int
}

// Send runs one user turn: recall, then model calls and tool executions
// until the model answers without calling a tool. A checkpoint is written
// after every step, so a failed turn can be resumed from its last step.
func (s *Session) Send(ctx context.Context, message string) (*Turn, error) {
	if strings.TrimSpace(message) == "" {
		return nil, goerr.New("message is empty")
	}

	ctx = tool.WithOwner(ctx, s.owner)
	logger := logging.From(ctx).With("thread", s.thread)
	ctx = logging.With(ctx, logger)

	var recalled []*model.ScoredMemory
	if s.memory != nil {
		recalled = s.memory.Recall(ctx, s.owner, message, s.recallK)
	}

	system, err := s.systemPrompt(ctx, recalled)
	if err != nil {
		return nil, err
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, ""),
	}
	if s.registry != nil {
		if specs := s.registry.Specs(); len(specs) > 0 {
			config.Tools = specs
		}
	}

	work := s.state.clone()
	work.Contents = append(work.Contents, genai.NewContentFromText(message, genai.RoleUser))

	turn := &Turn{Memories: memory.Texts(recalled)}
	for i := 0; i < s.maxIterations; i++ {
		resp, err := s.generate(ctx, work, config)
		if err != nil {
			return nil, err
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			return nil, goerr.New("no response from model", goerr.V("step", i))
		}

		content := resp.Candidates[0].Content
		if content.Role == "" {
			content.Role = genai.RoleModel
		}
		work.Contents = append(work.Contents, content)

		var responses []*genai.Part
		for _, part := range content.Parts {
			if part.FunctionCall == nil {
				continue
			}
			fr := s.execute(ctx, *part.FunctionCall)
			turn.ToolCalls = append(turn.ToolCalls, ToolCall{
				Name:     part.FunctionCall.Name,
				Args:     part.FunctionCall.Args,
				Response: fr.Response,
			})
			responses = append(responses, &genai.Part{FunctionResponse: fr})
		}
		if len(responses) > 0 {
			work.Contents = append(work.Contents, &genai.Content{Role: genai.RoleUser, Parts: responses})
		}

		work.Steps++
		turn.Steps++
		if err := s.checkpoint(ctx, work); err != nil {
			return nil, err
		}
		turn.Seq = s.next - 1

		if len(responses) == 0 {
			turn.Text = responseText(resp)
			break
		}
		if i == s.maxIterations-1 {
			logger.Warn("turn stopped at iteration limit", "limit", s.maxIterations)
		}
	}

	if s.memory != nil {
		if _, err := s.memory.Remember(ctx, s.owner, message); err != nil {
			logger.Warn("failed to remember message", "error", err)
		}
	}

	return turn, nil
}

func (s *Session) systemPrompt(ctx context.Context, recalled []*model.ScoredMemory) (string, error) {
	var tools string
	if s.registry != nil {
		tools = s.registry.Prompts(ctx)
	}

	var buf bytes.Buffer
	if err := systemPromptTmpl.Execute(&buf, map[string]any{
		"Now":      s.now().Format(time.RFC3339),
		"Tools":    tools,
		"Memories": memory.Format(recalled),
	}); err != nil {
		return "", goerr.Wrap(err, "failed to render system prompt")
	}
	return buf.String(), nil
}

func (s *Session) generate(ctx context.Context, work *State, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	if s.historyLimit > 0 && historySize(work.Contents) > s.historyLimit {
		if err := s.compact(ctx, work); err != nil && !errors.Is(err, errNothingToCompact) {
			logging.From(ctx).Warn("failed to compact history", "error", err)
		}
	}

	resp, err := s.gemini.GenerateContent(ctx, work.Contents, config)
	if err == nil {
		return resp, nil
	}
	if !isTokenLimitError(err) {
		return nil, goerr.Wrap(err, "failed to generate content")
	}

	if cerr := s.compact(ctx, work); cerr != nil {
		return nil, goerr.Wrap(err, "history exceeds model limit", goerr.V("compact_error", cerr.Error()))
	}
	resp, err = s.gemini.GenerateContent(ctx, work.Contents, config)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to generate content after compaction")
	}
	return resp, nil
}

func (s *Session) compact(ctx context.Context, work *State) error {
	before := len(work.Contents)
	compacted, err := compact(ctx, s.gemini, work.Contents)
	if err != nil {
		return err
	}
	work.Contents = compacted
	work.Compacted++

	logging.From(ctx).Info("history compacted", "before", before, "after", len(compacted))
	return nil
}

// execute runs a tool call. Failures become error responses so that the
// model can explain them.
func (s *Session) execute(ctx context.Context, fc genai.FunctionCall) *genai.FunctionResponse {
	if s.registry == nil {
		return tool.ErrorResult(fc, goerr.New("no tools available"))
	}

	logger := logging.From(ctx).With("tool", fc.Name)
	logger.Debug("executing tool", "args", fc.Args)

	resp, err := s.registry.Execute(ctx, fc)
	if err != nil {
		logger.Warn("tool execution failed", "error", err)
		return tool.ErrorResult(fc, err)
	}
	if resp.ID == "" {
		resp.ID = fc.ID
	}
	return resp
}

func (s *Session) checkpoint(ctx context.Context, work *State) error {
	blob, err := EncodeState(work, s.compression)
	if err != nil {
		return err
	}

	cp, err := backoff.Do(ctx, s.backoff, func(ctx context.Context) (*model.Checkpoint, error) {
		return s.log.AppendCheckpoint(ctx, s.thread, blob, repository.WithExpectedSeq(s.next))
	})
	if err != nil {
		return goerr.Wrap(err, "failed to save checkpoint", goerr.V("thread", s.thread), goerr.V("seq", s.next))
	}

	s.state = work.clone()
	s.next = cp.Seq + 1
	return nil
}
