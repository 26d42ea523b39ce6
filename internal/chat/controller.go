package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mia/internal/bus"
	"mia/internal/cache"
	"mia/internal/domain"
)

const (
	suggestionTimeout = 10 * time.Second
	persistTimeout    = 5 * time.Second
	defaultTitle      = "Cuộc trò chuyện mới"
)

// Welcome is the greeting seeded into an empty conversation.
type Welcome struct {
	Text        string
	Suggestions []string
}

// Update is a live change a front-end should render.
type Update struct {
	Kind    domain.OutboundKind
	Message domain.Message // snapshot of the affected message
	Content string         // error or notice text
}

var errSuperseded = errors.New("chat: superseded by a newer message")

// Controller holds the message list of one chat and drives its requests.
// Sending while a request is in flight cancels that request.
type Controller struct {
	key         string
	streamer    domain.ChatStreamer
	suggestions domain.SuggestionProvider
	cache       cache.SuggestionCache
	store       domain.ConversationStore
	events      *bus.EventBus
	welcome     Welcome
	onUpdate    func(Update)
	logger      *slog.Logger

	mu             sync.Mutex
	messages       []domain.Message
	conversationID string // server-assigned, carried across requests
	localConvID    string // store key, created on first send
	lastErr        error
	inflight       *request
	seq            uint64
	admitted       uint64 // highest arrival order accepted by sendOrdered
}

type request struct {
	seq    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

type ControllerConfig struct {
	Key         string // chat identity, e.g. "telegram:42"
	Streamer    domain.ChatStreamer
	Suggestions domain.SuggestionProvider       // optional
	Cache       cache.SuggestionCache           // optional
	Store       domain.ConversationStore        // optional
	Events      *bus.EventBus                   // optional
	Welcome     Welcome
	OnUpdate    func(Update) // optional; called from the request goroutine
	Logger      *slog.Logger
}

func NewController(cfg ControllerConfig) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnUpdate == nil {
		cfg.OnUpdate = func(Update) {}
	}
	c := &Controller{
		key:         cfg.Key,
		streamer:    cfg.Streamer,
		suggestions: cfg.Suggestions,
		cache:       cfg.Cache,
		store:       cfg.Store,
		events:      cfg.Events,
		welcome:     cfg.Welcome,
		onUpdate:    cfg.OnUpdate,
		logger:      cfg.Logger.With("chat", cfg.Key),
	}
	c.seedWelcomeLocked()
	return c
}

// Messages returns a snapshot of the conversation.
func (c *Controller) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Resume continues an existing server conversation on the next Send.
func (c *Controller) Resume(remoteID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversationID = strings.TrimSpace(remoteID)
}

// Restore replaces the message list with a stored conversation so that new
// messages are appended to it, locally and on the server.
func (c *Controller) Restore(conv domain.Conversation, history []domain.Message) {
	c.Cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.localConvID = conv.ID
	c.conversationID = conv.RemoteID
	c.lastErr = nil
	c.messages = append([]domain.Message(nil), history...)
	if len(c.messages) == 0 {
		c.seedWelcomeLocked()
	}
}

// LastError is the error of the most recent failed request, nil after a
// success, a cancellation or Clear.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Controller) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight != nil
}

// Send streams a reply to query and blocks until the request ends. Blank
// queries are ignored. A superseded or cancelled request returns an error
// matching domain.ErrCancelled.
func (c *Controller) Send(ctx context.Context, query string) error {
	return c.sendOrdered(ctx, query, 0)
}

// sendOrdered is Send for messages stamped with their arrival order. A
// message that reaches the controller after a later one has been admitted is
// dropped as superseded. order 0 is always admitted.
func (c *Controller) sendOrdered(ctx context.Context, query string, order uint64) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	c.mu.Lock()
	if order != 0 {
		if admitted := c.admitted; order < admitted {
			c.mu.Unlock()
			c.logger.Debug("superseded before admission", "order", order, "admitted", admitted)
			return domain.NewChatError(domain.KindCancelled, 0, "", errSuperseded)
		}
		c.admitted = order
	}
	prev := c.inflight
	c.seq++
	reqCtx, cancel := context.WithCancel(ctx)
	req := &request{seq: c.seq, cancel: cancel, done: make(chan struct{})}
	c.inflight = req
	c.lastErr = nil

	userMsg := domain.Message{ID: uuid.NewString(), Text: query, FromUser: true, Timestamp: time.Now(), Type: domain.MessageText}
	botMsg := domain.Message{ID: uuid.NewString(), Timestamp: time.Now(), Type: domain.MessageText}
	c.messages = append(c.messages, userMsg, botMsg)
	convID := c.conversationID
	c.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}
	defer func() {
		cancel()
		c.mu.Lock()
		if c.inflight == req {
			c.inflight = nil
		}
		c.mu.Unlock()
		close(req.done)
	}()

	localConv := c.ensureConversation(query)
	c.persist(localConv, userMsg)

	c.emit(bus.EventStreamStarted, map[string]any{bus.KeyConversationID: convID})
	started := time.Now()

	session := NewSession()
	out := make(chan domain.StreamEvent, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.streamer.ChatStream(reqCtx, domain.ChatRequest{Query: query, ConversationID: convID}, out)
	}()

	var res *Result
	for evt := range out {
		r, err := session.Apply(evt)
		if err != nil {
			c.logger.Debug("event after finish ignored", "type", evt.Type)
			continue
		}
		switch evt.Type {
		case domain.StreamConversationStarted:
			c.setConversation(localConv, evt.ConversationID)
		case domain.StreamMessageChunk:
			if msg, ok := c.updateMessage(botMsg.ID, func(m *domain.Message) { m.Text = session.Text() }); ok {
				c.onUpdate(Update{Kind: domain.OutboundChunk, Message: msg})
			}
		case domain.StreamTransactions:
			c.emit(bus.EventTransactionsReceived, map[string]any{bus.KeyRecords: len(evt.Transactions)})
		}
		if r != nil {
			res = r
		}
	}
	streamErr := <-errCh

	if streamErr != nil {
		session.Cancel()
		return c.fail(reqCtx, botMsg.ID, streamErr, started)
	}
	if res == nil {
		// a streamer that closes without StreamFinished
		res = session.Finalize()
	}
	c.finish(reqCtx, localConv, botMsg.ID, res, started)
	return nil
}

// SendSuggestion sends a suggested question as if the user typed it.
func (c *Controller) SendSuggestion(ctx context.Context, question string) error {
	return c.Send(ctx, question)
}

// Cancel aborts the in-flight request, if any, and waits for it to unwind.
func (c *Controller) Cancel() {
	c.mu.Lock()
	req := c.inflight
	c.mu.Unlock()
	if req != nil {
		req.cancel()
		<-req.done
	}
}

// Clear cancels any request, forgets the server conversation and re-seeds
// the welcome message. Persisted history is kept.
func (c *Controller) Clear() {
	c.Cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	c.conversationID = ""
	c.localConvID = ""
	c.lastErr = nil
	c.seedWelcomeLocked()
}

// HandleConfirm records the user's answer to a confirm message and appends
// the response text. It reports false when localID is not an unprocessed
// confirm message.
func (c *Controller) HandleConfirm(localID string, confirmed bool) (domain.Message, bool) {
	c.mu.Lock()
	idx := c.indexLocked(localID)
	if idx < 0 || c.messages[idx].Type != domain.MessageConfirm || c.messages[idx].ConfirmProcessed {
		c.mu.Unlock()
		return domain.Message{}, false
	}
	c.messages[idx].ConfirmProcessed = true
	text := ConfirmRejectedText
	if confirmed {
		text = ConfirmAcceptedText
	}
	reply := domain.Message{ID: uuid.NewString(), Text: text, Timestamp: time.Now(), Type: domain.MessageText}
	c.messages = append(c.messages, reply)
	convID := c.localConvID
	c.mu.Unlock()

	c.logger.Info("confirm handled", "message", localID, "confirmed", confirmed)
	c.emit(bus.EventConfirmHandled, map[string]any{bus.KeyConfirmed: confirmed})
	c.onUpdate(Update{Kind: domain.OutboundFinal, Message: reply})
	if c.store != nil && convID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := c.store.MarkConfirmProcessed(ctx, localID); err != nil {
			c.logger.Warn("failed to persist confirm state", "err", err)
		}
		if err := c.store.SaveMessage(ctx, convID, reply); err != nil {
			c.logger.Warn("failed to persist confirm reply", "err", err)
		}
	}
	return reply, true
}

func (c *Controller) finish(ctx context.Context, localConv, botID string, res *Result, started time.Time) {
	final, _ := c.updateMessage(botID, func(m *domain.Message) {
		m.Text = res.Text
		m.Type = res.Type
		m.ConfirmAction = res.ConfirmAction
		m.MessageID = res.MessageID
	})
	c.persist(localConv, final)
	c.onUpdate(Update{Kind: domain.OutboundFinal, Message: final})

	if res.Chart != nil {
		chart := domain.Message{
			ID:           uuid.NewString(),
			Text:         ChartIntroText,
			Timestamp:    time.Now(),
			Type:         domain.MessageTransactionChart,
			Transactions: res.Chart,
		}
		c.mu.Lock()
		c.messages = append(c.messages, chart)
		c.mu.Unlock()
		c.persist(localConv, chart)
		c.onUpdate(Update{Kind: domain.OutboundFinal, Message: chart})
	}

	c.logger.Info("reply finalized",
		"type", res.Type,
		"message_id", res.MessageID,
		"chart", res.Chart != nil,
		"duration", time.Since(started),
	)
	c.emit(bus.EventStreamFinished, map[string]any{
		bus.KeyConversationID: res.ConversationID,
		bus.KeyMessageID:      res.MessageID,
		bus.KeyMessageType:    string(res.Type),
		bus.KeyDuration:       time.Since(started),
	})

	if res.FetchSuggestions {
		c.attachSuggestions(ctx, localConv, botID, res.MessageID)
	}
}

// attachSuggestions fetches follow-up questions; failures are logged only.
func (c *Controller) attachSuggestions(ctx context.Context, localConv, botID, messageID string) {
	questions, err := c.fetchSuggestions(ctx, messageID)
	if err != nil {
		if !domain.IsCancelled(err) && !errors.Is(err, context.Canceled) {
			c.logger.Warn("suggested questions unavailable", "message_id", messageID, "err", err)
		}
		return
	}
	if len(questions) == 0 {
		return
	}
	msg, ok := c.updateMessage(botID, func(m *domain.Message) { m.SuggestedQuestions = questions })
	if !ok {
		return
	}
	c.emit(bus.EventSuggestionsFetched, map[string]any{bus.KeyMessageID: messageID, bus.KeyCount: len(questions)})
	if c.store != nil && localConv != "" {
		pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := c.store.SetSuggestions(pctx, botID, questions); err != nil {
			c.logger.Warn("failed to persist suggestions", "err", err)
		}
	}
	c.onUpdate(Update{Kind: domain.OutboundSuggestions, Message: msg})
}

func (c *Controller) fetchSuggestions(ctx context.Context, messageID string) ([]string, error) {
	if c.suggestions == nil {
		return nil, nil
	}
	if c.cache != nil {
		if q, ok, err := c.cache.Get(ctx, messageID); err == nil && ok {
			return q, nil
		} else if err != nil {
			c.logger.Debug("suggestion cache read failed", "err", err)
		}
	}

	fctx, cancel := context.WithTimeout(ctx, suggestionTimeout)
	defer cancel()
	questions, err := c.suggestions.SuggestedQuestions(fctx, messageID)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		if err := c.cache.Set(ctx, messageID, questions); err != nil {
			c.logger.Debug("suggestion cache write failed", "err", err)
		}
	}
	return questions, nil
}

func (c *Controller) fail(reqCtx context.Context, botID string, err error, started time.Time) error {
	if domain.IsCancelled(err) || errors.Is(reqCtx.Err(), context.Canceled) {
		c.logger.Debug("request cancelled", "duration", time.Since(started))
		c.emit(bus.EventStreamCancelled, nil)
		if domain.IsCancelled(err) {
			return err
		}
		return domain.NewChatError(domain.KindCancelled, 0, "", err)
	}

	msg, _ := c.updateMessage(botID, func(m *domain.Message) { m.Text = ConnectionErrorText })
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()

	kind := "unknown"
	userText := ConnectionErrorText
	var ce *domain.ChatError
	if errors.As(err, &ce) {
		kind = ce.Kind.String()
		userText = ce.UserMessage()
	}
	c.logger.Error("request failed", "err", err, "duration", time.Since(started))
	c.emit(bus.EventStreamFailed, map[string]any{bus.KeyErrorKind: kind})
	c.onUpdate(Update{Kind: domain.OutboundFinal, Message: msg})
	c.onUpdate(Update{Kind: domain.OutboundError, Content: userText})
	return fmt.Errorf("send: %w", err)
}

// ensureConversation returns the store id of the current conversation,
// creating it on first use. It returns "" without a store.
func (c *Controller) ensureConversation(firstQuery string) string {
	if c.store == nil {
		return ""
	}
	c.mu.Lock()
	id := c.localConvID
	created := id == ""
	if created {
		id = uuid.NewString()
		c.localConvID = id
	}
	remote := c.conversationID
	c.mu.Unlock()
	if !created {
		return id
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	conv := domain.Conversation{ID: id, Key: c.key, RemoteID: remote, Title: titleFrom(firstQuery)}
	if err := c.store.CreateConversation(ctx, conv); err != nil {
		c.logger.Warn("failed to create conversation", "err", err)
	}
	return id
}

func (c *Controller) setConversation(localConv, remoteID string) {
	c.mu.Lock()
	changed := c.conversationID != remoteID
	c.conversationID = remoteID
	c.mu.Unlock()

	if !changed || c.store == nil || localConv == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	conv, err := c.store.GetConversation(ctx, localConv)
	if err != nil || conv == nil {
		return
	}
	conv.RemoteID = remoteID
	if err := c.store.UpdateConversation(ctx, *conv); err != nil {
		c.logger.Warn("failed to record remote conversation id", "err", err)
	}
}

func (c *Controller) persist(localConv string, msg domain.Message) {
	if c.store == nil || localConv == "" || msg.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.store.SaveMessage(ctx, localConv, msg); err != nil {
		c.logger.Warn("failed to save message", "err", err, "message", msg.ID)
	}
}

// updateMessage applies fn to the message with the given local id and
// returns a snapshot. It reports false when the message is gone (Clear).
func (c *Controller) updateMessage(id string, fn func(*domain.Message)) (domain.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.indexLocked(id)
	if idx < 0 {
		return domain.Message{}, false
	}
	fn(&c.messages[idx])
	return c.messages[idx], true
}

func (c *Controller) indexLocked(id string) int {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Controller) seedWelcomeLocked() {
	if c.welcome.Text == "" {
		return
	}
	c.messages = append(c.messages, domain.Message{
		ID:                 uuid.NewString(),
		Text:               c.welcome.Text,
		Timestamp:          time.Now(),
		Type:               domain.MessageText,
		SuggestedQuestions: append([]string(nil), c.welcome.Suggestions...),
	})
}

func (c *Controller) emit(eventType string, payload map[string]any) {
	if c.events == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	c.events.Emit(bus.Event{Type: eventType, Source: c.key, Payload: payload})
}

// titleFrom derives a conversation title from its first query.
func titleFrom(query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return defaultTitle
	}
	if idx := strings.IndexAny(query, "\n\r"); idx > 0 {
		query = query[:idx]
	}
	runes := []rune(query)
	if len(runes) > 60 {
		cut := strings.LastIndex(string(runes[:60]), " ")
		if cut < 20 {
			return string(runes[:60]) + "..."
		}
		return string(runes[:60])[:cut] + "..."
	}
	return query
}

// DisplayText is the text a front-end shows for msg: confirm messages drop
// the marker.
func DisplayText(msg domain.Message) string {
	if msg.Type != domain.MessageConfirm {
		return msg.Text
	}
	return strings.TrimSpace(strings.ReplaceAll(msg.Text, ConfirmMarker, ""))
}
