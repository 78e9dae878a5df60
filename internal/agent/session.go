// Package agent runs tutoring sessions: one per room, wiring the room, the
// speech pipeline, the LLM, screen capture and the status side channel.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/voice-tutor/internal/capture"
	"github.com/ashureev/voice-tutor/internal/config"
	"github.com/ashureev/voice-tutor/internal/domain"
	"github.com/ashureev/voice-tutor/internal/llm"
	"github.com/ashureev/voice-tutor/internal/persona"
	"github.com/ashureev/voice-tutor/internal/room"
	"github.com/ashureev/voice-tutor/internal/status"
	"github.com/ashureev/voice-tutor/internal/store"
	"github.com/ashureev/voice-tutor/internal/turn"
	"github.com/ashureev/voice-tutor/internal/usage"
	"github.com/ashureev/voice-tutor/internal/voice"
)

// maxToolRounds bounds model calls per user turn.
const maxToolRounds = 5

var (
	// ErrEmptyRoom is returned when no room name is given.
	ErrEmptyRoom = errors.New("room name cannot be empty")
	// ErrTooManyToolRounds is returned when the model keeps calling tools.
	ErrTooManyToolRounds = errors.New("model did not reply after tool calls")
)

// Deps are the collaborators an Orchestrator builds sessions from.
type Deps struct {
	Config    *config.Config
	Connector room.Connector
	Voice     voice.Pipeline
	// Repo is optional; sessions are not persisted without it.
	Repo store.Repository
	// Events receives recorded status events for live subscribers. Optional.
	Events EventSink
	// ConvLog is optional.
	ConvLog ConversationLogger
	// Encoder defaults to a JPEG encoder at the configured quality.
	Encoder capture.Encoder
	// NewCompleter defaults to an llm.Client sharing one HTTP pool.
	NewCompleter func(t llm.Transport) llm.Completer
	Logger       *slog.Logger
}

// Orchestrator starts sessions.
type Orchestrator struct {
	deps   Deps
	logger *slog.Logger
}

// NewOrchestrator validates deps and fills defaults.
func NewOrchestrator(deps Deps) (*Orchestrator, error) {
	if deps.Config == nil {
		return nil, errors.New("orchestrator: config is required")
	}
	if deps.Connector == nil {
		return nil, errors.New("orchestrator: room connector is required")
	}
	if deps.Voice == nil {
		return nil, errors.New("orchestrator: voice pipeline is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ConvLog == nil {
		deps.ConvLog = noopConversationLogger{}
	}
	if deps.Encoder == nil {
		deps.Encoder = capture.NewJPEGEncoder(deps.Config.Capture.JPEGQuality)
	}
	if deps.NewCompleter == nil {
		httpClient := llm.NewHTTPClient()
		logger := deps.Logger
		deps.NewCompleter = func(t llm.Transport) llm.Completer {
			return llm.NewClient(t, httpClient, logger)
		}
	}
	return &Orchestrator{deps: deps, logger: deps.Logger.With("component", "agent")}, nil
}

// Session is one running agent in one room.
type Session struct {
	ID        string
	Room      string
	Mode      domain.Mode
	Transport llm.Transport
	Frames    *capture.Slot
	StartedAt time.Time

	persona   *persona.Persona
	tools     []llm.Tool
	allowed   map[string]bool
	completer llm.Completer
	pipeline  *capture.Pipeline
	augmenter *turn.Augmenter
	publisher *status.Publisher
	usage     *usage.Collector
	room      room.Room
	voice     voice.Stream
	repo      store.Repository
	convLog   ConversationLogger
	logger    *slog.Logger

	// history is only touched by the conversation loop.
	history []llm.Message

	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
	done      chan struct{}

	mu       sync.Mutex
	endedAt  time.Time
	shutdown []func(ctx context.Context)
}

// Info is a snapshot of a live session.
type Info struct {
	ID        string        `json:"id"`
	Room      string        `json:"room"`
	Mode      domain.Mode   `json:"mode"`
	Transport string        `json:"transport"`
	Model     string        `json:"model"`
	StartedAt time.Time     `json:"started_at"`
	Capturing bool          `json:"capturing"`
	Usage     usage.Summary `json:"usage"`
}

func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Start joins roomName and runs an agent session until the room ends, the
// speech stream ends, or Close is called. ctx bounds only the startup.
func (o *Orchestrator) Start(ctx context.Context, roomName string) (*Session, error) {
	roomName = strings.TrimSpace(roomName)
	if roomName == "" {
		return nil, ErrEmptyRoom
	}

	cfg := o.deps.Config
	id := newSessionID()
	mode := domain.ModeFromRoom(roomName)
	logger := o.logger.With("session_id", id, "room", roomName, "mode", mode.String())

	transport := llm.SelectTransport(cfg.Routing, cfg.OpenAI, id, mode)
	logger.Info("llm transport selected", transport.LogAttrs()...)

	p, err := persona.ForMode(mode)
	if err != nil {
		return nil, fmt.Errorf("load persona: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	slot := capture.NewSlot()
	s := &Session{
		ID:        id,
		Room:      roomName,
		Mode:      mode,
		Transport: transport,
		Frames:    slot,
		StartedAt: time.Now().UTC(),
		persona:   p,
		tools:     status.Tools(p.Tools...),
		allowed:   make(map[string]bool, len(p.Tools)),
		completer: o.deps.NewCompleter(transport),
		pipeline: capture.NewPipeline(slot, o.deps.Encoder, capture.Options{
			Encode: capture.EncodeOptions{
				MaxWidth:  cfg.Capture.MaxWidth,
				MaxHeight: cfg.Capture.MaxHeight,
				Strategy:  capture.ScaleAspectFit,
			},
			FPS: cfg.Capture.FPS,
		}, logger),
		augmenter: turn.NewAugmenter(slot, logger),
		usage:     usage.NewCollector(),
		repo:      o.deps.Repo,
		convLog:   o.deps.ConvLog,
		logger:    logger,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, name := range p.Tools {
		s.allowed[name] = true
	}

	rm, err := o.deps.Connector.Connect(ctx, roomName, room.Callbacks{
		OnVideoTrack: func(src capture.FrameSource) {
			s.pipeline.Start(runCtx, src)
		},
		OnDisconnected: func() {
			logger.Info("room disconnected; ending session")
			cancel()
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connect to room %s: %w", roomName, err)
	}
	s.room = rm

	s.publisher = status.NewPublisher(id, rm, logger)
	s.publisher.AddObserver(&eventRecorder{repo: o.deps.Repo, sink: o.deps.Events, logger: logger})
	s.publisher.AddObserver(status.ObserverFunc(func(_ context.Context, _, topic string, payload []byte) {
		s.logEvent(DirectionOutbound, EventStatusPublish, string(payload), map[string]any{"topic": topic})
	}))

	stream, err := o.deps.Voice.Open(runCtx, voice.SessionSpec{
		SessionID:     id,
		Room:          roomName,
		Mode:          mode,
		AgentIdentity: cfg.LiveKit.AgentIdentity,
	})
	if err != nil {
		rm.Disconnect()
		cancel()
		return nil, fmt.Errorf("open speech stream: %w", err)
	}
	s.voice = stream

	s.persist(ctx)
	s.onShutdown(s.reportUsage)
	s.logEvent(DirectionInternal, EventSessionStart, "", map[string]any{
		"transport": string(transport.Kind),
		"model":     transport.Model,
	})

	if p.Greeting != "" {
		if err := stream.Say(ctx, p.Greeting, p.GreetingInterruptible); err != nil {
			logger.Warn("failed to speak greeting", "error", err)
		} else {
			s.usage.AddReply()
			s.logEvent(DirectionOutbound, EventAssistantReply, p.Greeting, map[string]any{"greeting": true})
		}
	}

	group, gctx := errgroup.WithContext(runCtx)
	s.group = group
	group.Go(func() error { return s.converse(gctx) })
	go s.run()

	logger.Info("session started", "tools", p.Tools)
	return s, nil
}

// run closes the session once its tasks have ended on their own.
func (s *Session) run() {
	if err := s.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("session task failed", "error", err)
	}
	_ = s.Close(context.Background())
}

// converse handles completed user turns until the speech stream ends.
func (s *Session) converse(ctx context.Context) error {
	for t, err := range s.voice.Turns(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("speech stream: %w", err)
		}
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		if err := s.handleTurn(ctx, t); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("failed to handle user turn", "error", err)
		}
	}
	return nil
}

func (s *Session) handleTurn(ctx context.Context, t voice.Turn) error {
	msg := llm.NewUserMessage(t.Text, s.completer.ImageDetail())
	s.augmenter.OnUserTurnCompleted(ctx, msg)
	images := msg.ImageCount()
	s.usage.AddTurn(images > 0)
	s.logEvent(DirectionInbound, EventUserTurn, t.Text, map[string]any{
		"participant": t.Participant,
		"images":      images,
	})
	s.history = append(s.history, *msg)

	for range maxToolRounds {
		resp, err := s.completer.Complete(ctx, llm.Request{
			Instructions: s.persona.Instructions,
			Messages:     s.history,
			Tools:        s.tools,
		})
		if err != nil {
			s.usage.AddFailure()
			return fmt.Errorf("llm completion: %w", err)
		}
		s.usage.AddCompletion(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		s.history = append(s.history, llm.AssistantMessage(resp.Text, resp.ToolCalls))

		if text := strings.TrimSpace(resp.Text); text != "" {
			if err := s.voice.Say(ctx, text, true); err != nil {
				return fmt.Errorf("speak reply: %w", err)
			}
			s.usage.AddReply()
			s.logEvent(DirectionOutbound, EventAssistantReply, text, nil)
		}
		if len(resp.ToolCalls) == 0 {
			return nil
		}
		for _, call := range resp.ToolCalls {
			result := s.executeTool(ctx, call)
			s.history = append(s.history, llm.ToolResult(call.ID, result))
		}
	}
	return ErrTooManyToolRounds
}

func (s *Session) executeTool(ctx context.Context, call llm.ToolCall) string {
	s.usage.AddToolCall()
	var result string
	if !s.allowed[call.Name] {
		s.logger.Warn("model called a tool outside the persona", "tool", call.Name)
		result = fmt.Sprintf("Unknown tool %s.", call.Name)
	} else if cmd, err := status.ParseToolCall(call.Name, call.Arguments); err != nil {
		s.logger.Warn("invalid tool call", "tool", call.Name, "error", err)
		result = fmt.Sprintf("Invalid arguments for %s.", call.Name)
	} else {
		result = s.publisher.Execute(ctx, cmd)
	}
	s.logEvent(DirectionInternal, EventToolCall, call.Arguments, map[string]any{
		"tool":   call.Name,
		"result": result,
	})
	return result
}

// Close ends the session. It is safe to call more than once; later calls
// return once the first has finished.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.room.Disconnect()
		if err := s.voice.Close(); err != nil {
			s.logger.Warn("failed to close speech stream", "error", err)
		}
		waitContext(ctx, func() {
			if s.group != nil {
				_ = s.group.Wait()
			}
			s.pipeline.Wait()
		})

		s.mu.Lock()
		s.endedAt = time.Now().UTC()
		callbacks := s.shutdown
		s.mu.Unlock()
		for _, fn := range callbacks {
			fn(ctx)
		}
		s.logEvent(DirectionInternal, EventSessionEnd, "", nil)
		s.logger.Info("session closed", "duration", s.endedAt.Sub(s.StartedAt).String())
		close(s.done)
	})
	<-s.done
	return nil
}

// Done is closed after the session has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.usage.SetCapture(s.pipeline.Stats())
	return Info{
		ID:        s.ID,
		Room:      s.Room,
		Mode:      s.Mode,
		Transport: string(s.Transport.Kind),
		Model:     s.Transport.Model,
		StartedAt: s.StartedAt,
		Capturing: s.Frames.CaptureStarted(),
		Usage:     s.usage.Summary(),
	}
}

// Usage returns the session's counters.
func (s *Session) Usage() usage.Summary {
	s.usage.SetCapture(s.pipeline.Stats())
	return s.usage.Summary()
}

// Publisher exposes the session's status publisher.
func (s *Session) Publisher() *status.Publisher {
	return s.publisher
}

// onShutdown registers fn to run during Close, in registration order.
func (s *Session) onShutdown(fn func(ctx context.Context)) {
	s.mu.Lock()
	s.shutdown = append(s.shutdown, fn)
	s.mu.Unlock()
}

func (s *Session) persist(ctx context.Context) {
	if s.repo == nil {
		return
	}
	err := s.repo.CreateSession(ctx, &domain.SessionRecord{
		ID:        s.ID,
		Room:      s.Room,
		Mode:      s.Mode,
		Transport: string(s.Transport.Kind),
		Model:     s.Transport.Model,
		StartedAt: s.StartedAt,
	})
	if err != nil {
		s.logger.Warn("failed to persist session", "error", err)
	}
}

func (s *Session) reportUsage(ctx context.Context) {
	summary := s.Usage()
	s.logger.Info("usage summary", summary.LogAttrs()...)
	if s.repo == nil {
		return
	}
	data, err := summary.JSON()
	if err != nil {
		s.logger.Warn("failed to encode usage summary", "error", err)
		return
	}
	if err := s.repo.EndSession(context.WithoutCancel(ctx), s.ID, s.endedAt, data); err != nil {
		s.logger.Warn("failed to record session end", "error", err)
	}
}

func (s *Session) logEvent(direction, eventType, content string, meta map[string]any) {
	s.convLog.Log(ConversationLogEvent{
		Room:       s.Room,
		SessionID:  s.ID,
		Mode:       s.Mode.String(),
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}

// waitContext runs fn and returns when it finishes or ctx is done.
func waitContext(ctx context.Context, fn func()) {
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		fn()
	}()
	select {
	case <-finished:
	case <-ctx.Done():
	}
}
