package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/rfratto/crudfs/internal/crud"
	"github.com/rfratto/crudfs/internal/crudio"
)

const shellHelp = `commands:
  open <path>            open a file and print its handle
  close <handle>         close a handle
  seek <handle> <offset> move the cursor of a handle
  read <handle> <count>  read up to count bytes
  write <handle> <text>  write text at the cursor
  stat <handle>          describe a file
  ls                     list files
  rm <path>              remove a closed file
  quit                   unmount and exit
`

// shell runs line-oriented commands against a mounted volume.
type shell struct {
	a   *app
	out io.Writer
}

func newShell(a *app) *shell {
	return &shell{a: a, out: a.stdout}
}

// Run executes commands read from in until in is exhausted, quit is
// entered or ctx is canceled. Failed commands are reported to the output
// and don't stop the shell.
func (s *shell) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		fmt.Fprint(s.out, "> ")

		var (
			line string
			ok   bool
		)
		select {
		case <-ctx.Done():
			return nil
		case line, ok = <-lines:
		}
		if !ok {
			select {
			case err := <-readErr:
				return err
			default:
				return nil
			}
		}

		quit, err := s.Exec(ctx, line)
		if err != nil {
			level.Debug(s.a.log).Log("msg", "shell command failed", "line", line, "err", err)
			fmt.Fprintf(s.out, "error: %s\n", err)
		}
		if quit {
			return nil
		}
	}
}

// Exec runs a single command. quit is true when the shell should exit.
func (s *shell) Exec(ctx context.Context, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	args := strings.Fields(line)

	ctx, cancel := s.a.opContext(ctx)
	defer cancel()

	vol := s.a.vol

	switch args[0] {
	case "quit", "exit":
		return true, nil

	case "help":
		_, err = io.WriteString(s.out, shellHelp)
		return false, err

	case "ls":
		return false, s.a.list()

	case "open":
		if len(args) != 2 {
			return false, fmt.Errorf("usage: open <path>")
		}
		h, err := vol.Open(ctx, args[1])
		if err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, h)
		return false, nil

	case "close":
		h, err := parseHandle(args, 2)
		if err != nil {
			return false, fmt.Errorf("usage: close <handle>: %w", err)
		}
		return false, vol.Close(h)

	case "seek":
		h, err := parseHandle(args, 3)
		if err != nil {
			return false, fmt.Errorf("usage: seek <handle> <offset>: %w", err)
		}
		off, err := strconv.ParseUint(args[2], 10, 32)
		if err != nil {
			return false, fmt.Errorf("invalid offset: %w", err)
		}
		return false, vol.Seek(h, uint32(off))

	case "read":
		h, err := parseHandle(args, 3)
		if err != nil {
			return false, fmt.Errorf("usage: read <handle> <count>: %w", err)
		}
		count, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return false, fmt.Errorf("invalid count: %w", err)
		}
		if count > crud.MaxLength {
			count = crud.MaxLength
		}
		buf := make([]byte, count)
		n, err := vol.Read(ctx, h, buf)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "%q\n", buf[:n])
		return false, nil

	case "write":
		if len(args) < 3 {
			return false, fmt.Errorf("usage: write <handle> <text>")
		}
		h, err := parseHandle(args[:2], 2)
		if err != nil {
			return false, fmt.Errorf("usage: write <handle> <text>: %w", err)
		}
		// The text is the rest of the line after the handle, spacing included.
		text := strings.TrimLeft(line[len(args[0]):], " \t")
		text = strings.TrimLeft(text[len(args[1]):], " \t")
		n, err := vol.Write(ctx, h, []byte(text))
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "wrote %d bytes\n", n)
		return false, nil

	case "stat":
		h, err := parseHandle(args, 2)
		if err != nil {
			return false, fmt.Errorf("usage: stat <handle>: %w", err)
		}
		fi, err := vol.Stat(h)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "name=%s size=%d position=%d oid=%d open=%t\n", fi.Name, fi.Size, fi.Position, uint32(fi.OID), fi.Open)
		return false, nil

	case "rm":
		if len(args) != 2 {
			return false, fmt.Errorf("usage: rm <path>")
		}
		return false, vol.Remove(ctx, args[1])

	default:
		return false, fmt.Errorf("unknown command %q, try help", args[0])
	}
}

// parseHandle parses args[1] as a handle after checking that args has
// exactly n elements.
func parseHandle(args []string, n int) (crudio.Handle, error) {
	if len(args) != n {
		return -1, fmt.Errorf("expected %d arguments, got %d", n-1, len(args)-1)
	}
	h, err := strconv.Atoi(args[1])
	if err != nil {
		return -1, fmt.Errorf("invalid handle %q", args[1])
	}
	return crudio.Handle(h), nil
}
