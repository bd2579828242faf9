// Package command turns raw chat text into exactly one Command.
package command

import (
	"errors"
	"strings"
	"unicode"
)

// ErrMissingProjectName is returned for "/new" without a name.
var ErrMissingProjectName = errors.New("command: missing project name")

// Kind identifies a Command variant.
type Kind int

const (
	KindFreeForm Kind = iota
	KindHelp
	KindNewProject
	KindListProjects
	KindStatus
	KindFiles
	KindClearHistory
)

func (k Kind) String() string {
	switch k {
	case KindHelp:
		return "help"
	case KindNewProject:
		return "new_project"
	case KindListProjects:
		return "list_projects"
	case KindStatus:
		return "status"
	case KindFiles:
		return "files"
	case KindClearHistory:
		return "clear_history"
	default:
		return "free_form"
	}
}

// Command is a closed set of variants; the unexported method keeps it closed.
type Command interface {
	Kind() Kind
	command()
}

type (
	Help         struct{}
	ListProjects struct{}
	Status       struct{}
	Files        struct{}
	ClearHistory struct{}

	NewProject struct{ Name string }
	FreeForm   struct{ Text string }
)

func (Help) Kind() Kind         { return KindHelp }
func (ListProjects) Kind() Kind { return KindListProjects }
func (Status) Kind() Kind       { return KindStatus }
func (Files) Kind() Kind        { return KindFiles }
func (ClearHistory) Kind() Kind { return KindClearHistory }
func (NewProject) Kind() Kind   { return KindNewProject }
func (FreeForm) Kind() Kind     { return KindFreeForm }

func (Help) command()         {}
func (ListProjects) command() {}
func (Status) command()       {}
func (Files) command()        {}
func (ClearHistory) command() {}
func (NewProject) command()   {}
func (FreeForm) command()     {}

// Parse classifies raw. It does no I/O.
//
// The command word is matched case-insensitively and must be the whole first
// word: "/listing" is free-form text. Arguments after argument-less commands
// are ignored. The /new name keeps its case and inner spacing.
func Parse(raw string) (Command, error) {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "/") {
		return FreeForm{Text: text}, nil
	}

	word, rest := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		word, rest = text[:i], strings.TrimSpace(text[i:])
	}

	switch strings.ToLower(word) {
	case "/help":
		return Help{}, nil
	case "/list":
		return ListProjects{}, nil
	case "/status":
		return Status{}, nil
	case "/files":
		return Files{}, nil
	case "/clear":
		return ClearHistory{}, nil
	case "/new":
		if rest == "" {
			return nil, ErrMissingProjectName
		}
		return NewProject{Name: rest}, nil
	default:
		return FreeForm{Text: text}, nil
	}
}

// String renders c back to text that Parse maps to an equal Command.
func String(c Command) string {
	switch v := c.(type) {
	case Help:
		return "/help"
	case ListProjects:
		return "/list"
	case Status:
		return "/status"
	case Files:
		return "/files"
	case ClearHistory:
		return "/clear"
	case NewProject:
		return "/new " + v.Name
	case FreeForm:
		return v.Text
	default:
		return ""
	}
}
