package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mia/internal/bus"
	"mia/internal/cache"
	"mia/internal/domain"
)

const (
	defaultConcurrency   = 8
	defaultRateBurst     = 5
	defaultRatePerMinute = 20.0
	defaultIdleTimeout   = 30 * time.Minute
	sweepInterval        = 5 * time.Minute
)

const RateLimitedText = "Bạn đang gửi quá nhanh, vui lòng thử lại sau giây lát."

// Loop routes inbound channel messages to one Controller per chat and
// publishes the resulting updates as outbound messages.
type Loop struct {
	bus         domain.MessageBus
	streamer    domain.ChatStreamer
	suggestions domain.SuggestionProvider
	cache       cache.SuggestionCache
	store       domain.ConversationStore
	events      *bus.EventBus
	welcome     Welcome
	logger      *slog.Logger
	concurrency int
	limit       rate.Limit
	burst       int
	idleTimeout time.Duration
	started     time.Time

	mu    sync.Mutex
	chats map[string]*chatState
}

type chatState struct {
	ctrl     *Controller
	limiter  *rate.Limiter
	lastUsed time.Time
	received uint64 // inbound messages stamped so far, in bus order
	busy     int    // messages admitted but not yet processed
}

// LoopConfig holds the dependencies shared by every chat.
type LoopConfig struct {
	Bus           domain.MessageBus
	Streamer      domain.ChatStreamer
	Suggestions   domain.SuggestionProvider
	Cache         cache.SuggestionCache
	Store         domain.ConversationStore
	Events        *bus.EventBus
	Welcome       Welcome
	Logger        *slog.Logger
	Concurrency   int     // max requests in flight across chats (default 8)
	RatePerMinute float64 // per chat (default 20)
	RateBurst     int     // per chat (default 5)
	IdleTimeout   time.Duration
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = defaultRatePerMinute
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		bus:         cfg.Bus,
		streamer:    cfg.Streamer,
		suggestions: cfg.Suggestions,
		cache:       cfg.Cache,
		store:       cfg.Store,
		events:      cfg.Events,
		welcome:     cfg.Welcome,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
		limit:       rate.Limit(cfg.RatePerMinute / 60.0),
		burst:       cfg.RateBurst,
		idleTimeout: cfg.IdleTimeout,
		started:     time.Now(),
		chats:       make(map[string]*chatState),
	}
}

// Run consumes inbound messages with bounded concurrency until ctx is done
// or the bus closes.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("chat loop started", "concurrency", l.concurrency, "streamer", l.streamer.Name())

	sem := make(chan struct{}, l.concurrency)
	inbound := l.bus.Subscribe()
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("chat loop stopping")
			return
		case <-sweep.C:
			l.sweep(time.Now())
		case msg, ok := <-inbound:
			if !ok {
				l.logger.Info("inbound channel closed, chat loop stopping")
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			st, order := l.admit(msg)
			wg.Add(1)
			go func(m domain.InboundMessage) {
				defer wg.Done()
				defer func() { <-sem }()
				defer l.release(st)
				l.processMessage(ctx, m, st, order)
			}(msg)
		}
	}
}

// Controller returns the controller of a chat, creating it on first use.
func (l *Loop) Controller(channel, chatID string) *Controller {
	return l.chat(channel, chatID).ctrl
}

// ActiveChats is the number of chats with a live controller.
func (l *Loop) ActiveChats() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chats)
}

// admit stamps msg with its arrival order in its chat and marks the chat
// busy so the sweep keeps it. It runs on the Run goroutine only.
func (l *Loop) admit(msg domain.InboundMessage) (*chatState, uint64) {
	st := l.chat(msg.Channel, msg.ChatID)
	l.mu.Lock()
	defer l.mu.Unlock()
	st.received++
	st.busy++
	return st, st.received
}

func (l *Loop) release(st *chatState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st.busy--
	st.lastUsed = time.Now()
}

func (l *Loop) processMessage(ctx context.Context, msg domain.InboundMessage, state *chatState, order uint64) {
	logger := l.logger.With("channel", msg.Channel, "chat", msg.ChatID)
	defer l.bus.SendOutbound(domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Kind:    domain.OutboundDone,
		ReplyTo: msg.ID,
	})
	logger.Info("processing message", "sender", msg.SenderID, "content_len", len(msg.Content))

	if cmd := ParseCommand(msg.Content); cmd != nil {
		if res := l.HandleCommand(cmd, state.ctrl); res.Handled {
			if res.Response != "" {
				l.notice(msg, res.Response)
			}
			return
		}
	}

	if !state.limiter.Allow() {
		logger.Warn("rate limit exceeded")
		l.notice(msg, RateLimitedText)
		return
	}

	if err := state.ctrl.sendOrdered(ctx, msg.Content, order); err != nil {
		if domain.IsCancelled(err) {
			logger.Debug("request superseded or cancelled")
			return
		}
		// The controller already published the user-facing error.
		logger.Warn("message processing failed", "err", err)
	}
}

func (l *Loop) chat(channel, chatID string) *chatState {
	key := channel + ":" + chatID

	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.chats[key]; ok {
		st.lastUsed = time.Now()
		return st
	}

	st := &chatState{
		limiter:  rate.NewLimiter(l.limit, l.burst),
		lastUsed: time.Now(),
	}
	st.ctrl = NewController(ControllerConfig{
		Key:         key,
		Streamer:    l.streamer,
		Suggestions: l.suggestions,
		Cache:       l.cache,
		Store:       l.store,
		Events:      l.events,
		Welcome:     l.welcome,
		OnUpdate:    l.publisher(channel, chatID),
		Logger:      l.logger,
	})
	l.chats[key] = st
	return st
}

// sweep drops chats idle for longer than idleTimeout.
func (l *Loop) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, st := range l.chats {
		if st.busy == 0 && now.Sub(st.lastUsed) > l.idleTimeout && !st.ctrl.IsStreaming() {
			delete(l.chats, key)
			l.logger.Debug("idle chat dropped", "chat", key)
		}
	}
}

// publisher turns controller updates into outbound messages for one chat.
func (l *Loop) publisher(channel, chatID string) func(Update) {
	return func(u Update) {
		out := domain.OutboundMessage{Channel: channel, ChatID: chatID, Kind: u.Kind, Content: u.Content}
		if u.Kind != domain.OutboundError && u.Kind != domain.OutboundNotice {
			msg := u.Message
			out.Message = &msg
			out.Content = DisplayText(msg)
		}
		l.bus.SendOutbound(out)
	}
}

func (l *Loop) notice(msg domain.InboundMessage, text string) {
	l.bus.SendOutbound(domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Kind:    domain.OutboundNotice,
		Content: text,
	})
}
