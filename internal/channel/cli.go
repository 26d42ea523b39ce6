package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"mia/internal/chat"
	"mia/internal/domain"
)

const (
	cliChannel = "cli"
	cliChatID  = "direct"
	cliPrompt  = "Bạn> "
)

// CLI implements domain.Channel for interactive terminal chat. Replies
// stream in as they arrive; a pending confirm is answered with c/k and a
// suggestion is picked by its number.
type CLI struct {
	bus    domain.MessageBus
	logger *slog.Logger
	in     io.Reader
	out    io.Writer
	render *Renderer

	mu          sync.Mutex
	printed     map[string]int // local message id -> runes already printed
	pendingConf string         // local id of the unanswered confirm message
	suggestions []string
	greeting    []domain.Message
}

type CLIConfig struct {
	Logger   *slog.Logger
	In       io.Reader
	Out      io.Writer
	Greeting []domain.Message // shown after the banner, e.g. the welcome message
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{
		logger:   cfg.Logger,
		in:       cfg.In,
		out:      cfg.Out,
		render:   NewRenderer(cfg.Out),
		printed:  make(map[string]int),
		greeting: cfg.Greeting,
	}
}

func (c *CLI) Name() string { return cliChannel }

// Start runs the REPL and blocks until EOF, /quit or ctx is done.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus
	bus.OnOutbound(cliChannel, c.handleOutbound)

	_, _ = fmt.Fprintln(c.out, "MIA By HDBank. Nhập câu hỏi rồi nhấn Enter, /quit để thoát.")
	c.greet()
	_, _ = fmt.Fprint(c.out, cliPrompt)

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return nil // EOF
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			_, _ = fmt.Fprint(c.out, cliPrompt)
			continue
		}
		if line == "/quit" || line == "/exit" || line == "/q" {
			c.logger.Info("user requested quit")
			return nil
		}

		c.bus.Publish(domain.InboundMessage{
			Channel:   cliChannel,
			ChatID:    cliChatID,
			SenderID:  "user",
			Content:   c.resolveInput(line),
			Timestamp: time.Now(),
		})
	}
}

func (c *CLI) greet() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.greeting {
		_, _ = fmt.Fprintln(c.out, c.render.Message(m))
		c.suggestions = append([]string(nil), m.SuggestedQuestions...)
	}
}

// resolveInput maps shortcuts to what they stand for: c/k answer the pending
// confirm, a number picks a suggestion.
func (c *CLI) resolveInput(line string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pendingConf != "" {
		switch strings.ToLower(line) {
		case "c", "có", "y", "yes":
			id := c.pendingConf
			c.pendingConf = ""
			return chat.FormatConfirm(id, true)
		case "k", "không", "n", "no":
			id := c.pendingConf
			c.pendingConf = ""
			return chat.FormatConfirm(id, false)
		}
	}
	if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(c.suggestions) {
		q := c.suggestions[n-1]
		c.suggestions = nil
		return q
	}
	return line
}

func (c *CLI) handleOutbound(msg domain.OutboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Kind {
	case domain.OutboundChunk:
		if msg.Message == nil {
			return
		}
		runes := []rune(msg.Content)
		done, started := c.printed[msg.Message.ID]
		if !started {
			_, _ = fmt.Fprintln(c.out, c.render.label.Render("MIA"))
		}
		if done < len(runes) {
			_, _ = fmt.Fprint(c.out, string(runes[done:]))
			c.printed[msg.Message.ID] = len(runes)
		}
		return

	case domain.OutboundFinal:
		if msg.Message == nil {
			return
		}
		m := *msg.Message
		_, streamed := c.printed[m.ID]
		delete(c.printed, m.ID)
		switch {
		case streamed && m.Type == domain.MessageText:
			_, _ = fmt.Fprintln(c.out)
		case streamed:
			// Replace the raw streamed text with the rendered form.
			_, _ = fmt.Fprintln(c.out)
			_, _ = fmt.Fprintln(c.out, c.render.Message(m))
		default:
			_, _ = fmt.Fprintln(c.out, c.render.Message(m))
		}
		if m.Type == domain.MessageConfirm && !m.ConfirmProcessed {
			c.pendingConf = m.ID
		}
		c.suggestions = nil

	case domain.OutboundSuggestions:
		if msg.Message == nil || len(msg.Message.SuggestedQuestions) == 0 {
			return
		}
		c.suggestions = append([]string(nil), msg.Message.SuggestedQuestions...)
		_, _ = fmt.Fprintln(c.out, c.render.Suggestions(c.suggestions))

	case domain.OutboundError:
		_, _ = fmt.Fprintln(c.out, c.render.Error(msg.Content))

	case domain.OutboundDone:
		return

	default:
		_, _ = fmt.Fprintln(c.out, c.render.Notice(msg.Content))
	}
	_, _ = fmt.Fprint(c.out, cliPrompt)
}

// Stop is a no-op for CLI (we exit when Start returns).
func (c *CLI) Stop() error { return nil }

func (c *CLI) Send(ctx context.Context, chatID string, content string) error {
	_, err := fmt.Fprintln(c.out, content)
	return err
}
