package channel

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"mia/internal/chat"
	"mia/internal/domain"
	"mia/internal/sse"
)

const (
	httpChannel        = "http"
	httpMaxBodySize    = 64 << 10
	httpRequestTimeout = 3 * time.Minute
	httpKeepAlive      = 15 * time.Second
	httpStreamBuffer   = 64
	httpDeliverTimeout = 5 * time.Second
)

// HTTP exposes the chat loop to web and mobile clients. Each request
// streams the outbound messages of its chat back as server-sent events
// until the request is fully handled.
type HTTP struct {
	addr   string
	apiKey string
	bus    domain.MessageBus
	logger *slog.Logger
	server *http.Server

	mu      sync.Mutex
	pending map[string]*httpStream // chat id -> the open stream
}

type httpStream struct {
	id     string
	events chan domain.OutboundMessage
	done   chan struct{} // closed when the stream stops reading
	once   sync.Once
}

func newHTTPStream() *httpStream {
	return &httpStream{
		id:     uuid.NewString(),
		events: make(chan domain.OutboundMessage, httpStreamBuffer),
		done:   make(chan struct{}),
	}
}

func (st *httpStream) close() {
	st.once.Do(func() { close(st.done) })
}

// deliver queues msg for the client. Chunks are dropped when the buffer is
// full since every chunk carries the whole text so far. Other kinds wait up
// to httpDeliverTimeout; a client that cannot keep up is cut off.
func (st *httpStream) deliver(msg domain.OutboundMessage) bool {
	if msg.Kind == domain.OutboundChunk {
		select {
		case st.events <- msg:
			return true
		case <-st.done:
			return false
		default:
			return false
		}
	}
	timer := time.NewTimer(httpDeliverTimeout)
	defer timer.Stop()
	select {
	case st.events <- msg:
		return true
	case <-st.done:
		return false
	case <-timer.C:
		st.close()
		return false
	}
}

type HTTPConfig struct {
	Addr   string
	APIKey string // empty disables auth
	Logger *slog.Logger
}

// httpEvent is the JSON shape of one streamed event.
type httpEvent struct {
	Kind    domain.OutboundKind `json:"kind"`
	Content string              `json:"content,omitempty"`
	Message *domain.Message     `json:"message,omitempty"`
}

type sendRequest struct {
	Query string `json:"query" binding:"required"`
}

type confirmRequest struct {
	Confirmed *bool `json:"confirmed" binding:"required"`
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTP{
		addr:    cfg.Addr,
		apiKey:  cfg.APIKey,
		logger:  cfg.Logger,
		pending: make(map[string]*httpStream),
	}
}

func (h *HTTP) Name() string { return httpChannel }

// Router builds the gin engine. Start calls it; tests use it directly.
func (h *HTTP) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api", h.authenticate)
	api.POST("/chats/:chat_id/messages", h.handleSend)
	api.POST("/chats/:chat_id/confirm/:message_id", h.handleConfirm)
	return router
}

// Attach registers the outbound handler without serving.
func (h *HTTP) Attach(bus domain.MessageBus) {
	h.bus = bus
	bus.OnOutbound(httpChannel, h.route)
}

func (h *HTTP) Start(ctx context.Context, bus domain.MessageBus) error {
	h.Attach(bus)

	h.server = &http.Server{
		Addr:              h.addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	h.logger.Info("http channel started", "addr", h.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.server.Shutdown(shutdownCtx)
	}()

	if err := h.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (h *HTTP) Stop() error {
	if h.server != nil {
		return h.server.Close()
	}
	return nil
}

// Send has no persistent connection to write to.
func (h *HTTP) Send(ctx context.Context, chatID string, content string) error {
	return nil
}

func (h *HTTP) authenticate(c *gin.Context) {
	if h.apiKey == "" {
		return
	}
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.apiKey)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
	}
}

func (h *HTTP) handleSend(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, httpMaxBodySize)
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}
	h.stream(c, strings.TrimSpace(req.Query))
}

func (h *HTTP) handleConfirm(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "confirmed is required"})
		return
	}
	h.stream(c, chat.FormatConfirm(c.Param("message_id"), *req.Confirmed))
}

// stream publishes content for the chat and relays its outbound messages.
func (h *HTTP) stream(c *gin.Context, content string) {
	chatID := c.Param("chat_id")
	w, err := sse.NewWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	st := h.register(chatID)
	defer h.unregister(chatID, st)

	h.bus.Publish(domain.InboundMessage{
		ID:        st.id,
		Channel:   httpChannel,
		ChatID:    chatID,
		SenderID:  c.ClientIP(),
		Content:   content,
		Timestamp: time.Now(),
	})

	timeout := time.NewTimer(httpRequestTimeout)
	defer timeout.Stop()
	keepAlive := time.NewTicker(httpKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-st.done:
			return // superseded, or too slow to keep up
		case msg := <-st.events:
			if msg.Kind == domain.OutboundDone {
				if msg.ReplyTo == st.id {
					return
				}
				continue
			}
			if err := w.Data(httpEvent{Kind: msg.Kind, Content: msg.Content, Message: msg.Message}); err != nil {
				h.logger.Debug("http client went away", "chat", chatID, "err", err)
				return
			}
		case <-keepAlive.C:
			if err := w.Comment("keep-alive"); err != nil {
				return
			}
		case <-timeout.C:
			_ = w.Data(httpEvent{Kind: domain.OutboundError, Content: "request timed out"})
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *HTTP) register(chatID string) *httpStream {
	st := newHTTPStream()
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.pending[chatID]; ok {
		prev.close()
	}
	h.pending[chatID] = st
	return st
}

func (h *HTTP) unregister(chatID string, st *httpStream) {
	st.close()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending[chatID] == st {
		delete(h.pending, chatID)
	}
}

// route delivers an outbound message to the chat's open stream, if any.
func (h *HTTP) route(msg domain.OutboundMessage) {
	h.mu.Lock()
	st, ok := h.pending[msg.ChatID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if !st.deliver(msg) && msg.Kind != domain.OutboundChunk {
		h.logger.Warn("http stream not reading, message lost", "chat", msg.ChatID, "kind", msg.Kind)
	}
}
