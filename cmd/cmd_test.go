package cmd

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/wacoder/internal/sessions"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestParseNumbers(t *testing.T) {
	t.Parallel()

	got, err := parseNumbers(" +15551234567, whatsapp:+447700900123 ,,")
	require.NoError(t, err)
	assert.Equal(t, []string{"+15551234567", "+447700900123"}, got)

	got, err = parseNumbers("")
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, bad := range []string{"15551234567", "+1555abc4567", "+12"} {
		_, err := parseNumbers(bad)
		assert.Error(t, err, bad)
	}
}

func TestValidators(t *testing.T) {
	t.Parallel()
	assert.NoError(t, validatePublicURL(""))
	assert.NoError(t, validatePublicURL("https://bot.example.com"))
	assert.Error(t, validatePublicURL("bot.example.com"))
	assert.Error(t, validatePublicURL("ftp://bot.example.com"))

	assert.NoError(t, validatePort("8000"))
	assert.Error(t, validatePort("0"))
	assert.Error(t, validatePort("70000"))
	assert.Error(t, validatePort("http"))
}

func TestRenderTable_AlignsByDisplayWidth(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	renderTable(&buf, []string{"A", "NAME"}, [][]string{
		{"日本", "x"},
		{"b", "yy"},
	})
	assert.Equal(t, "A     NAME\n日本  x\nb     yy\n", buf.String())
}

func TestRenderTable_TruncatesLongCells(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	renderTable(&buf, []string{"TEXT", "N"}, [][]string{{strings.Repeat("a", 80), "1"}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	cell := strings.TrimSuffix(lines[1], "1")
	assert.LessOrEqual(t, runewidth.StringWidth(strings.TrimSpace(cell)), maxCellWidth)
}

func TestPrintSession(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sess := &sessions.Session{
		Sender:            "+15551234567",
		ActiveProjectID:   "p1",
		ActiveProjectName: "demo",
		CreatedAt:         now,
		LastActivityAt:    now,
	}
	sess.Set(sessions.CtxTaskSessionID, "task-9")
	sess.Append(sessions.Message{Role: sessions.RoleUser, Text: "add\nlogin", Timestamp: now}, 20)
	sess.Append(sessions.Message{Role: sessions.RoleAssistant, Text: "on it", Timestamp: now}, 20)

	var buf bytes.Buffer
	printSession(&buf, sess, 1)
	out := buf.String()

	assert.Contains(t, out, "Project:   demo [p1]")
	assert.Contains(t, out, "Task:      task-9")
	assert.Contains(t, out, "History:   2 message(s)")
	assert.Contains(t, out, "on it")
	assert.NotContains(t, out, "add login", "limit keeps only the newest entry")
}

func TestMigrate_RejectsBeforeConnecting(t *testing.T) {
	t.Parallel()
	drop := migrateDropCmd()
	assert.ErrorContains(t, drop.RunE(drop, nil), "--yes")

	gotoCmd := migrateGotoCmd()
	assert.ErrorContains(t, gotoCmd.RunE(gotoCmd, []string{"99"}), "newer than this binary")
	assert.ErrorContains(t, gotoCmd.RunE(gotoCmd, []string{"0"}), "positive")

	force := migrateForceCmd()
	assert.ErrorContains(t, force.RunE(force, []string{"-2"}), ">= -1")
}

func TestPostgresDSN_RequiresEnv(t *testing.T) {
	t.Setenv("WACODER_POSTGRES_DSN", "")
	t.Setenv("WACODER_CONFIG", t.TempDir()+"/missing.json")
	_, err := postgresDSN()
	assert.ErrorContains(t, err, "WACODER_POSTGRES_DSN")
}
