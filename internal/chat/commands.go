package chat

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Command is a parsed slash command.
type Command struct {
	Name string   // without "/" and any "@bot" suffix
	Args []string
	Raw  string
}

// CommandResult holds the response for a handled command.
type CommandResult struct {
	Response string
	Handled  bool // false: send the text to the assistant instead
}

// ConfirmCommand is sent by channels when a confirm button is pressed:
// "/confirm <message-id> yes|no".
const ConfirmCommand = "confirm"

var version = "0.1.0"

// SetVersion sets the version string shown by /status.
func SetVersion(v string) { version = v }

// ParseCommand parses text starting with "/". It returns nil otherwise.
func ParseCommand(text string) *Command {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}
	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return nil
	}
	return &Command{Name: name, Args: parts[1:], Raw: text}
}

// FormatConfirm builds the command a channel sends for a confirm answer.
func FormatConfirm(messageID string, confirmed bool) string {
	answer := "no"
	if confirmed {
		answer = "yes"
	}
	return "/" + ConfirmCommand + " " + messageID + " " + answer
}

// HandleCommand runs cmd against a chat. Unknown commands are not handled.
func (l *Loop) HandleCommand(cmd *Command, ctrl *Controller) CommandResult {
	switch cmd.Name {
	case "start":
		ctrl.Clear()
		return CommandResult{Response: l.welcome.Text, Handled: true}

	case "help":
		return CommandResult{Response: helpText(), Handled: true}

	case "new", "clear":
		ctrl.Clear()
		return CommandResult{Response: "Đã bắt đầu cuộc trò chuyện mới.", Handled: true}

	case "cancel":
		if !ctrl.IsStreaming() {
			return CommandResult{Response: "Không có yêu cầu nào đang xử lý.", Handled: true}
		}
		ctrl.Cancel()
		return CommandResult{Response: "Đã hủy yêu cầu.", Handled: true}

	case "status":
		return CommandResult{Response: l.statusText(ctrl), Handled: true}

	case ConfirmCommand:
		if len(cmd.Args) != 2 {
			return CommandResult{Response: "Cú pháp: /confirm <id> yes|no", Handled: true}
		}
		confirmed := cmd.Args[1] == "yes"
		if _, ok := ctrl.HandleConfirm(cmd.Args[0], confirmed); !ok {
			return CommandResult{Response: "Giao dịch này đã được xử lý.", Handled: true}
		}
		// The reply reaches the user through the controller's update.
		return CommandResult{Handled: true}

	default:
		return CommandResult{Handled: false}
	}
}

func helpText() string {
	return `MIA By HDBank

/new - Bắt đầu cuộc trò chuyện mới
/clear - Giống /new
/cancel - Hủy yêu cầu đang xử lý
/status - Trạng thái kết nối
/help - Hiển thị trợ giúp`
}

func (l *Loop) statusText(ctrl *Controller) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "MIA v%s (%s/%s, %s)\n", version, runtime.GOOS, runtime.GOARCH, runtime.Version())
	fmt.Fprintf(&sb, "Backend: %s\n", l.streamer.Name())
	if id := ctrl.ConversationID(); id != "" {
		fmt.Fprintf(&sb, "Conversation: %s\n", id)
	}
	fmt.Fprintf(&sb, "Active chats: %d\n", l.ActiveChats())
	fmt.Fprintf(&sb, "Uptime: %s", time.Since(l.started).Round(time.Second))
	return sb.String()
}
