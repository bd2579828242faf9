package reply

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/nextlevelbuilder/wacoder/internal/tools"
)

// Templates below are Markdown; Formatter.Format turns them into WhatsApp markup.

const (
	maxListedProjects = 10
	maxListedFiles    = 20
	maxDescription    = 50
	maxRecentLogs     = 3
	maxSnippetLines   = 20
)

const (
	HistoryCleared     = "✅ Conversation history cleared."
	MissingProjectName = "Please provide a project name. Example: /new MyWebApp"
	NoActiveProject    = "No active project. Use /new to create one or /list to see your projects."
	NoTaskSession      = "No task is running for this project yet. Describe what you want to build."
	NoProjects         = "📂 You don't have any projects yet.\n\nUse `/new ProjectName` to create one."
	NoFiles            = "📄 No files have been generated yet."

	Apology      = "Sorry, I encountered an error processing your message. Please try again later."
	Unauthorized = "🔒 **Authorization Error**\n\nYour phone number is not authorized. Please contact the administrator."
	Unavailable  = "❌ **Connection Error**\n\nI'm having trouble connecting to the AutoCoder service. Please try again in a moment."
	Timeout      = "⏱️ **Request Timeout**\n\nThe operation is taking longer than expected. Please check the status with `/status` in a few moments."
)

// Help lists the commands.
func Help() string {
	return `📚 **Available Commands**

/help - Show this help message
/new \[name\] - Create a new project
/list - List all your projects
/status - Check current task status
/files - Get generated files
/clear - Clear conversation history

You can also just describe what you want to build in natural language!

Example: "Create a Python REST API with user authentication"`
}

// Welcome greets a sender whose session was just created.
func Welcome(name string) string {
	greeting := "Hello!"
	if name = strings.TrimSpace(name); name != "" {
		greeting = "Hello " + Escape(name) + "!"
	}
	return greeting + ` 👋

**Welcome to AutoCoder on WhatsApp!**

I'm your AI coding assistant. I can help you:
• 🚀 Create new coding projects
• 💻 Generate code for any task
• 🔧 Build complete applications
• 📝 Write tests and documentation

To get started, try:
• ` + "`/new MyProject`" + ` - Create a new project
• ` + "`/help`" + ` - See all commands
• Or just describe what you want to build!

_Example: "Create a Python REST API with user authentication"_`
}

func ProjectCreated(name string) string {
	return fmt.Sprintf("✅ Project '%s' created successfully!\n\nNow describe what you want to build.", Escape(name))
}

// TaskStarted acknowledges a free-form request handed to the platform.
func TaskStarted(description string) string {
	return fmt.Sprintf("I've received your request: \"%s\". I will start working on it. You can check the progress with the `/status` command.",
		Escape(truncate(description, 200)))
}

// ToolFailed reports an error the platform returned for action.
func ToolFailed(action, detail string) string {
	if detail = strings.TrimSpace(detail); detail == "" {
		return "❌ Failed to " + action + "."
	}
	return "❌ Failed to " + action + ": " + Escape(truncate(detail, 200))
}

// RateLimited tells the sender when to try again.
func RateLimited(retryAfterSeconds int) string {
	unit := "seconds"
	if retryAfterSeconds == 1 {
		unit = "second"
	}
	return fmt.Sprintf("⏳ **Slow down**\n\nYou're sending messages too quickly. Please try again in %d %s.", retryAfterSeconds, unit)
}

// ProjectList renders up to ten projects.
func ProjectList(projects []tools.Project) string {
	if len(projects) == 0 {
		return NoProjects
	}

	var b strings.Builder
	b.WriteString("📁 **Your Projects:**\n\n")
	for i, p := range projects {
		if i == maxListedProjects {
			break
		}
		if i > 0 {
			b.WriteString("\n")
		}
		name := p.Name
		if name == "" {
			name = "Unnamed"
		}
		fmt.Fprintf(&b, "%d. **%s**\n", i+1, Escape(name))
		if desc := strings.TrimSpace(p.Description); desc != "" {
			if utf8.RuneCountInString(desc) > maxDescription {
				desc = string([]rune(desc)[:maxDescription]) + "..."
			}
			fmt.Fprintf(&b, "   _%s_\n", Escape(desc))
		}
		fmt.Fprintf(&b, "   ID: %s\n", codeSpan(p.Key()))
	}
	if extra := len(projects) - maxListedProjects; extra > 0 {
		fmt.Fprintf(&b, "\n... and %d more projects", extra)
	}
	return b.String()
}

var statusEmoji = map[string]string{
	"pending":     "⏳",
	"in_progress": "🔄",
	"completed":   "✅",
	"failed":      "❌",
	"cancelled":   "🚫",
}

// TaskStatus renders a get_session_details payload.
func TaskStatus(st tools.TaskStatus) string {
	status := st.Status
	if status == "" {
		status = "pending"
	}
	emoji, ok := statusEmoji[status]
	if !ok {
		emoji = "❓"
	}
	project := st.ProjectName
	if project == "" {
		project = "Unknown Project"
	}
	task := st.TaskDescription
	if task == "" {
		task = "No description"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s **Task Status**\n\n", emoji)
	fmt.Fprintf(&b, "**Project:** %s\n", Escape(project))
	fmt.Fprintf(&b, "**Task:** %s\n", Escape(task))
	fmt.Fprintf(&b, "**Status:** %s", Escape(status))
	if st.Progress > 0 {
		fmt.Fprintf(&b, "\n**Progress:** %s%%", strconv.FormatFloat(st.Progress, 'f', -1, 64))
	}

	if logs := st.RecentLogs; len(logs) > 0 {
		if len(logs) > maxRecentLogs {
			logs = logs[len(logs)-maxRecentLogs:]
		}
		b.WriteString("\n\n**Recent Activity:**")
		for _, l := range logs {
			b.WriteString("\n• " + Escape(oneLine(l)))
		}
	}

	if status == "completed" && len(st.GeneratedFiles) > 0 {
		fmt.Fprintf(&b, "\n\n**Generated %d files**", len(st.GeneratedFiles))
	}
	return b.String()
}

// FileList renders up to twenty generated files with sizes and links.
func FileList(files []tools.File) string {
	if len(files) == 0 {
		return NoFiles
	}

	var b strings.Builder
	b.WriteString("📄 **Generated Files:**\n\n")
	for i, f := range files {
		if i == maxListedFiles {
			break
		}
		name := f.Name
		if name == "" {
			name = "unnamed"
		}
		fmt.Fprintf(&b, "- **%s**", Escape(name))
		if f.Size > 0 {
			fmt.Fprintf(&b, " (%s)", FormatSize(f.Size))
		}
		if f.URL != "" {
			fmt.Fprintf(&b, "\n  📥 %s", Escape(f.URL))
		}
		b.WriteString("\n")
	}
	if extra := len(files) - maxListedFiles; extra > 0 {
		fmt.Fprintf(&b, "\n... and %d more files", extra)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatSize prints bytes as B, KB or MB with one decimal.
func FormatSize(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%dB", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1fKB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1fMB", float64(n)/(1024*1024))
	}
}

// CodeSnippet fences code. Past maxChars only the first twenty lines are kept.
func CodeSnippet(code, lang string, maxChars int) string {
	fence := strings.Repeat("`", max(3, longestRun(code, '`')+1))
	out := fence + lang + "\n" + code + "\n" + fence
	if maxChars <= 0 || utf8.RuneCountInString(out) <= maxChars {
		return out
	}
	lines := strings.Split(code, "\n")
	if len(lines) > maxSnippetLines {
		lines = lines[:maxSnippetLines]
	}
	return fence + lang + "\n" + strings.Join(lines, "\n") + "\n... (truncated)\n" + fence
}

func codeSpan(s string) string {
	s = strings.ReplaceAll(s, "`", "")
	if s == "" {
		return "-"
	}
	return "`" + s + "`"
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func longestRun(s string, c byte) int {
	best, cur := 0, 0
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			cur++
			best = max(best, cur)
			continue
		}
		cur = 0
	}
	return best
}
