package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rfratto/crudfs/internal/config"
	"github.com/rfratto/crudfs/internal/crud/crudtest"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()

	srv, err := crudtest.NewServer(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	cfg := config.DefaultConfig
	cfg.Server.Addr = srv.Addr()
	cfg.Volume.MaxFiles = 16

	a, err := newApp(nil, &cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.client.Close() })

	var out bytes.Buffer
	a.stdout = &out
	a.stdin = strings.NewReader("")
	return a, &out
}

func TestCommands(t *testing.T) {
	a, out := newTestApp(t)
	ctx := context.Background()

	runCmd := func(stdin string, cmd string, args ...string) string {
		t.Helper()
		out.Reset()
		a.stdin = strings.NewReader(stdin)
		require.NoError(t, a.runCommand(ctx, cmd, args))
		return out.String()
	}

	runCmd("", "format")
	require.False(t, a.client.Connected(), "commands must leave the volume unmounted")

	runCmd("hello world", "write", "greeting")
	require.Equal(t, "hello world", runCmd("", "cat", "greeting"))

	runCmd("WORLD", "write", "greeting", "6")
	require.Equal(t, "hello WORLD", runCmd("", "cat", "greeting"))

	runCmd("!", "write", "greeting", "11")
	require.Equal(t, "hello WORLD!", runCmd("", "cat", "greeting"))

	ls := runCmd("", "ls")
	require.Contains(t, ls, "greeting")
	require.Contains(t, ls, "12")

	runCmd("", "rm", "greeting")
	require.NotContains(t, runCmd("", "ls"), "greeting")
	require.False(t, a.client.Connected())
}

func TestCommands_Errors(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, a.runCommand(ctx, "format", nil))

	tt := []struct {
		cmd  string
		args []string
	}{
		{"bogus", nil},
		{"ls", []string{"extra"}},
		{"cat", nil},
		{"cat", []string{"missing-is-empty", "extra"}},
		{"write", []string{"f", "not-a-number"}},
		{"write", []string{"f", "10"}}, // past the end of an empty file
		{"rm", []string{"missing"}},
	}
	for _, tc := range tt {
		err := a.runCommand(ctx, tc.cmd, tc.args)
		require.Error(t, err, "%s %v", tc.cmd, tc.args)
	}
	require.False(t, a.client.Connected())
}

func TestShell(t *testing.T) {
	a, out := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, a.runCommand(ctx, "format", nil))

	script := strings.Join([]string{
		"open notes",
		"write 0 hello there",
		"seek 0 6",
		"read 0 100",
		"stat 0",
		"open notes",
		"close 0",
		"close 0",
		"frobnicate",
		"quit",
		"ls",
	}, "\n")

	out.Reset()
	err := a.mounted(ctx, func() error {
		return newShell(a).Run(ctx, strings.NewReader(script))
	})
	require.NoError(t, err)

	output := out.String()
	require.Contains(t, output, "> 0\n")
	require.Contains(t, output, "wrote 11 bytes\n")
	require.Contains(t, output, "\"there\"\n")
	require.Contains(t, output, "name=notes size=11 position=11")
	require.Contains(t, output, "error: notes: file already open")
	require.Contains(t, output, "error: handle 0: file not open")
	require.Contains(t, output, "unknown command \"frobnicate\"")
	require.NotContains(t, output, "HANDLE", "commands after quit must not run")

	// The shell's changes were persisted by the unmount.
	out.Reset()
	require.NoError(t, a.runCommand(ctx, "cat", []string{"notes"}))
	require.Equal(t, "hello there", out.String())
}

func TestShell_Exec(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, a.runCommand(ctx, "format", nil))
	require.NoError(t, a.mount(ctx))

	sh := newShell(a)

	for _, line := range []string{"", "   ", "help", "ls"} {
		quit, err := sh.Exec(ctx, line)
		require.NoError(t, err, line)
		require.False(t, quit)
	}

	for _, line := range []string{"open", "close x", "seek 0", "read 0 x", "write 0", "stat", "rm"} {
		_, err := sh.Exec(ctx, line)
		require.Error(t, err, line)
	}

	quit, err := sh.Exec(ctx, "exit")
	require.NoError(t, err)
	require.True(t, quit)
}

func TestShell_WriteKeepsSpacing(t *testing.T) {
	a, out := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, a.runCommand(ctx, "format", nil))
	require.NoError(t, a.mount(ctx))

	sh := newShell(a)
	for _, line := range []string{
		"open spaced",
		"write   0   two  words\there",
		"seek 0 0",
		"read 0 99999999999",
	} {
		_, err := sh.Exec(ctx, line)
		require.NoError(t, err, line)
	}

	output := out.String()
	require.Contains(t, output, "wrote 15 bytes\n")
	require.Contains(t, output, "\"two  words\\there\"\n")
}
