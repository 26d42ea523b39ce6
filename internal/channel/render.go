package channel

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"mia/internal/chat"
	"mia/internal/domain"
)

const chartBarWidth = 24

// Renderer formats messages for a terminal. Colors are dropped when the
// writer is not a TTY.
type Renderer struct {
	bot        lipgloss.Style
	user       lipgloss.Style
	label      lipgloss.Style
	confirmBox lipgloss.Style
	errorText  lipgloss.Style
	muted      lipgloss.Style
	income     lipgloss.Style
	expense    lipgloss.Style
	header     lipgloss.Style
}

func NewRenderer(w io.Writer) *Renderer {
	r := lipgloss.NewRenderer(w)
	return &Renderer{
		bot:   r.NewStyle(),
		user:  r.NewStyle().Foreground(lipgloss.Color("39")),
		label: r.NewStyle().Bold(true).Foreground(lipgloss.Color("33")),
		confirmBox: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("214")).
			Padding(0, 1),
		errorText: r.NewStyle().Foreground(lipgloss.Color("196")),
		muted:     r.NewStyle().Foreground(lipgloss.Color("245")),
		income:    r.NewStyle().Foreground(lipgloss.Color("42")),
		expense:   r.NewStyle().Foreground(lipgloss.Color("203")),
		header:    r.NewStyle().Bold(true).Underline(true),
	}
}

// Message renders a finalized message, including its chart or confirm box.
func (r *Renderer) Message(msg domain.Message) string {
	if msg.FromUser {
		return r.user.Render("Bạn> " + msg.Text)
	}

	var sb strings.Builder
	sb.WriteString(r.label.Render("MIA"))
	sb.WriteString("\n")

	switch msg.Type {
	case domain.MessageTransactionChart:
		sb.WriteString(r.bot.Render(msg.Text))
		sb.WriteString("\n")
		sb.WriteString(r.Chart(msg.Transactions))
	case domain.MessageConfirm:
		body := chat.DisplayText(msg)
		hint := "[c] Xác nhận  [k] Từ chối"
		if msg.ConfirmProcessed {
			hint = "Đã xử lý"
		}
		sb.WriteString(r.confirmBox.Render(body + "\n" + r.muted.Render(hint)))
	default:
		sb.WriteString(r.bot.Render(msg.Text))
	}

	if len(msg.SuggestedQuestions) > 0 {
		sb.WriteString("\n")
		sb.WriteString(r.Suggestions(msg.SuggestedQuestions))
	}
	return sb.String()
}

// Chart renders records as a table with proportional income and expense bars.
func (r *Renderer) Chart(records []domain.TransactionRecord) string {
	if len(records) == 0 {
		return r.muted.Render("(không có dữ liệu)")
	}

	var peak float64
	monthWidth := len([]rune("Tháng"))
	for _, rec := range records {
		peak = max(peak, rec.Income, rec.Expense)
		monthWidth = max(monthWidth, len([]rune(rec.Month)))
	}

	var sb strings.Builder
	sb.WriteString(r.header.Render(fmt.Sprintf("%-*s %14s %14s %14s", monthWidth, "Tháng", "Thu", "Chi", "Chênh lệch")))
	sb.WriteString("\n")
	for _, rec := range records {
		fmt.Fprintf(&sb, "%s %14s %14s %14s\n",
			padRight(rec.Month, monthWidth),
			FormatAmount(rec.Income),
			FormatAmount(rec.Expense),
			FormatAmount(rec.NetIncome()),
		)
		indent := strings.Repeat(" ", monthWidth+1)
		sb.WriteString(indent + r.income.Render(bar(rec.Income, peak)) + "\n")
		sb.WriteString(indent + r.expense.Render(bar(rec.Expense, peak)) + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Suggestions renders numbered follow-up questions.
func (r *Renderer) Suggestions(questions []string) string {
	var sb strings.Builder
	sb.WriteString(r.muted.Render("Gợi ý:"))
	for i, q := range questions {
		fmt.Fprintf(&sb, "\n  %d. %s", i+1, q)
	}
	return sb.String()
}

func (r *Renderer) Error(text string) string {
	return r.errorText.Render(text)
}

func (r *Renderer) Notice(text string) string {
	return r.muted.Render(text)
}

func bar(value, peak float64) string {
	if peak <= 0 || value <= 0 {
		return ""
	}
	n := int(value / peak * chartBarWidth)
	if n == 0 {
		n = 1
	}
	return strings.Repeat("█", n)
}

func padRight(s string, width int) string {
	if n := len([]rune(s)); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}

// FormatAmount prints a VND amount with dot thousand separators, e.g.
// 1500000 -> "1.500.000".
func FormatAmount(v float64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	digits := strconv.FormatFloat(v, 'f', 0, 64)

	var sb strings.Builder
	if neg {
		sb.WriteByte('-')
	}
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			sb.WriteByte('.')
		}
		sb.WriteRune(d)
	}
	return sb.String()
}
