// Package mockserver is a scripted stand-in for the chat backend. It speaks
// the same streaming chat-messages protocol so the clients can be exercised
// end to end without the real service.
package mockserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"mia/internal/domain"
	"mia/internal/sse"
)

const (
	DefaultToolLabel = "income_api_get_transaction_history_get"
	confirmMarker    = "~confirm~"
	chunkRunes       = 8
)

type Config struct {
	APIKey     string        // empty accepts any key
	ToolLabel  string        // label used on transaction agent_log events
	ChunkDelay time.Duration // pause between answer chunks
	Logger     *slog.Logger
}

// Server answers chat-messages requests from a fixed script picked by
// keywords in the query:
//
//	"thu chi", "giao dịch"  transaction chart followed by a summary
//	"chuyển"               confirmation request
//	"lỗi"                  HTTP 500
//	"đứt"                  stream cut before the finishing event
//	anything else          echo of the query
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server

	mu       sync.Mutex
	requests []domain.ChatRequestPayload
}

func New(cfg Config) *Server {
	if cfg.ToolLabel == "" {
		cfg.ToolLabel = DefaultToolLabel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: cfg.Logger}
}

// Requests returns a copy of every chat request received so far.
func (s *Server) Requests() []domain.ChatRequestPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ChatRequestPayload(nil), s.requests...)
}

func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1", s.authenticate)
	v1.POST("/chat-messages", s.handleChat)
	v1.GET("/messages/:message_id/suggested", s.handleSuggested)
	v1.GET("/parameters", s.handleParameters)
	return router
}

func (s *Server) Serve(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("mock server listening", "addr", addr, "endpoint", "http://"+addr+"/v1/chat-messages")
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) authenticate(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "message": "missing bearer token"})
		return
	}
	if s.cfg.APIKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIKey)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "message": "invalid api key"})
	}
}

func (s *Server) handleParameters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"opening_statement":   "",
		"suggested_questions": []string{},
		"suggested_questions_after_answer": gin.H{
			"enabled": true,
		},
	})
}

func (s *Server) handleSuggested(c *gin.Context) {
	if c.Query("user") == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_param", "message": "user is required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"result": "success",
		"data": []string{
			"Tháng nào tôi chi tiêu nhiều nhất?",
			"Làm sao để tiết kiệm hơn?",
			"Cho tôi xem số dư hiện tại",
		},
	})
}

func (s *Server) handleChat(c *gin.Context) {
	var req domain.ChatRequestPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_param", "message": err.Error()})
		return
	}
	if strings.TrimSpace(req.Query) == "" || req.ResponseMode != domain.ResponseModeStreaming {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_param", "message": "query and streaming mode are required"})
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	script := pickScript(req.Query)
	s.logger.Debug("mock chat request", "query", req.Query, "script", script.name)
	if script.status != 0 {
		c.JSON(script.status, gin.H{"code": "internal_error", "message": "scripted failure"})
		return
	}

	w, err := sse.NewWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "internal_error", "message": err.Error()})
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	st := &stream{
		w:              w,
		ctx:            c.Request.Context(),
		delay:          s.cfg.ChunkDelay,
		conversationID: conversationID,
		messageID:      uuid.NewString(),
	}
	if err := s.play(st, script, req.Query); err != nil {
		s.logger.Debug("mock stream ended early", "err", err)
	}
}

func (s *Server) play(st *stream, sc script, query string) error {
	if err := st.send(gin.H{"event": "workflow_started", "data": gin.H{"id": uuid.NewString()}}); err != nil {
		return err
	}
	if sc.transactions != nil {
		if err := st.send(s.agentLog(st, sc.transactions)); err != nil {
			return err
		}
	}

	answer := sc.answer
	if answer == "" {
		answer = "Bạn vừa hỏi: " + query
	}
	for _, chunk := range splitRunes(answer, chunkRunes) {
		if err := st.send(gin.H{"event": "message", "answer": chunk}); err != nil {
			return err
		}
	}

	if sc.cut {
		return nil
	}
	if err := st.send(gin.H{"event": "message_end", "metadata": gin.H{}}); err != nil {
		return err
	}
	return st.w.Raw("[DONE]")
}

func (s *Server) agentLog(st *stream, records []domain.TransactionRecord) gin.H {
	resp, _ := json.Marshal(records)
	return gin.H{
		"event":      "agent_log",
		"task_id":    uuid.NewString(),
		"created_at": time.Now().Unix(),
		"data": gin.H{
			"node_execution_id": uuid.NewString(),
			"id":                uuid.NewString(),
			"label":             "CALL " + s.cfg.ToolLabel,
			"parent_id":         nil,
			"error":             nil,
			"status":            "success",
			"node_id":           "agent",
			"data": gin.H{
				"output": gin.H{
					"tool_call_id":    uuid.NewString(),
					"tool_call_input": gin.H{"customer_id": "0001"},
					"tool_call_name":  s.cfg.ToolLabel,
					"tool_response":   string(resp),
				},
			},
			"metadata": gin.H{
				"elapsed_time": 0.42,
				"provider":     "mock",
				"started_at":   float64(time.Now().Unix()),
				"finished_at":  float64(time.Now().Unix()),
			},
		},
	}
}

type stream struct {
	w              *sse.Writer
	ctx            context.Context
	delay          time.Duration
	conversationID string
	messageID      string
}

// send stamps the envelope ids, writes it, and paces the stream.
func (st *stream) send(ev gin.H) error {
	ev["conversation_id"] = st.conversationID
	ev["message_id"] = st.messageID
	if err := st.w.Data(ev); err != nil {
		return err
	}
	if st.delay <= 0 {
		return st.ctx.Err()
	}
	select {
	case <-time.After(st.delay):
		return nil
	case <-st.ctx.Done():
		return st.ctx.Err()
	}
}

func splitRunes(s string, n int) []string {
	var chunks []string
	for len(s) > 0 {
		i, count := 0, 0
		for i < len(s) && count < n {
			_, size := utf8.DecodeRuneInString(s[i:])
			i += size
			count++
		}
		chunks = append(chunks, s[:i])
		s = s[i:]
	}
	return chunks
}
