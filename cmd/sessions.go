package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wacoder/internal/sessions"
)

const maxCellWidth = 48

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and clear stored conversations",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsShowCmd())
	cmd.AddCommand(sessionsClearCmd())
	return cmd
}

// withSessions opens the configured backend for the duration of fn.
func withSessions(ctx context.Context, fn func(*sessions.Manager) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(sessions.NewManager(st, cfg.Sessions.TTL.Std()))
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(cmd.Context(), func(m *sessions.Manager) error {
				senders, err := m.List(cmd.Context())
				if errors.Is(err, sessions.ErrNotListable) {
					return fmt.Errorf("%w; use 'sessions show <sender>'", err)
				}
				if err != nil {
					return err
				}
				if len(senders) == 0 {
					fmt.Println("No sessions.")
					return nil
				}

				rows := make([][]string, 0, len(senders))
				for _, s := range senders {
					sess, isNew, err := m.Load(cmd.Context(), s)
					if err != nil {
						return err
					}
					if isNew {
						continue // expired between List and Load
					}
					rows = append(rows, []string{
						s,
						valueOr(sess.ActiveProjectName, "-"),
						fmt.Sprint(len(sess.History)),
						valueOr(sess.Get(sessions.CtxTaskSessionID), "-"),
						sess.LastActivityAt.Local().Format(time.DateTime),
					})
				}
				renderTable(os.Stdout, []string{"SENDER", "PROJECT", "MSGS", "TASK", "LAST ACTIVITY"}, rows)
				return nil
			})
		},
	}
}

func sessionsShowCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "show <sender>",
		Short: "Show one session and its recent history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(cmd.Context(), func(m *sessions.Manager) error {
				sess, isNew, err := m.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if isNew {
					fmt.Printf("No session for %s.\n", sessions.NormalizeSender(args[0]))
					return nil
				}
				printSession(os.Stdout, sess, limit)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of history entries to show")
	return cmd
}

func sessionsClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <sender>...",
		Short: "Delete sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(cmd.Context(), func(m *sessions.Manager) error {
				n, err := m.DeleteMany(cmd.Context(), args)
				if err != nil {
					return err
				}
				fmt.Printf("Cleared %d session(s).\n", n)
				return nil
			})
		},
	}
}

func printSession(w io.Writer, sess *sessions.Session, limit int) {
	fmt.Fprintf(w, "Sender:    %s\n", sess.Sender)
	fmt.Fprintf(w, "Project:   %s", valueOr(sess.ActiveProjectName, "(none)"))
	if sess.ActiveProjectID != "" {
		fmt.Fprintf(w, " [%s]", sess.ActiveProjectID)
	}
	fmt.Fprintln(w)
	if id := sess.Get(sessions.CtxTaskSessionID); id != "" {
		fmt.Fprintf(w, "Task:      %s\n", id)
	}
	fmt.Fprintf(w, "Created:   %s\n", sess.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Active:    %s\n", sess.LastActivityAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "History:   %d message(s)\n", len(sess.History))

	recent := sess.Recent(limit)
	if len(recent) == 0 {
		return
	}
	fmt.Fprintln(w)
	rows := make([][]string, len(recent))
	for i, msg := range recent {
		rows[i] = []string{
			msg.Timestamp.Local().Format(time.TimeOnly),
			string(msg.Role),
			strings.Join(strings.Fields(msg.Text), " "),
		}
	}
	renderTable(w, []string{"TIME", "ROLE", "TEXT"}, rows)
}

// renderTable writes space-aligned columns, measuring display width so emoji
// and CJK text line up.
func renderTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	cell := func(s string) string {
		return runewidth.Truncate(s, maxCellWidth, "…")
	}
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i := range headers {
			if i < len(row) {
				widths[i] = max(widths[i], runewidth.StringWidth(cell(row[i])))
			}
		}
	}

	line := func(cols []string) {
		var b strings.Builder
		for i := range headers {
			v := ""
			if i < len(cols) {
				v = cell(cols[i])
			}
			if i == len(headers)-1 {
				b.WriteString(v)
				break
			}
			b.WriteString(runewidth.FillRight(v, widths[i]))
			b.WriteString("  ")
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}
	line(headers)
	for _, row := range rows {
		line(row)
	}
}
