package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dermalab/derma/internal/session"
	"github.com/dermalab/derma/pkg/models"
)

// REPL is the interactive chat loop. Plain input is sent to the assistant
// as a follow-up turn; lines starting with '/' are commands.
type REPL struct {
	in       io.Reader
	out      io.Writer
	err      io.Writer
	mgr      *session.Manager
	imageDir string
	commands map[string]Command
	location *models.GeoLocation

	// lastImage holds the most recent upload so /save can copy it into
	// the case image directory.
	lastImage     []byte
	lastImageMIME string
	running       bool
}

type Config struct {
	In       io.Reader
	Out      io.Writer
	Err      io.Writer
	Manager  *session.Manager
	ImageDir string
}

func New(cfg *Config) *REPL {
	r := &REPL{
		in:       cfg.In,
		out:      cfg.Out,
		err:      cfg.Err,
		mgr:      cfg.Manager,
		imageDir: cfg.ImageDir,
		commands: make(map[string]Command),
	}
	r.registerCommands()
	return r
}

// SetInitialImage records an image already analyzed before the loop
// started, so /save works without re-uploading.
func (r *REPL) SetInitialImage(data []byte, mimeType string) {
	r.lastImage = data
	r.lastImageMIME = mimeType
}

func (r *REPL) Run(ctx context.Context) error {
	r.running = true
	r.printWelcome()

	scanner := bufio.NewScanner(r.in)
	for r.running {
		r.printPrompt()
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var err error
		if strings.HasPrefix(line, "/") {
			err = r.execute(ctx, strings.TrimPrefix(line, "/"))
		} else {
			err = r.chat(ctx, line)
		}
		if err != nil {
			fmt.Fprintf(r.err, "Error: %v\n", err)
		}
	}

	return scanner.Err()
}

func (r *REPL) execute(ctx context.Context, line string) error {
	parts := parseCommand(line)
	if len(parts) == 0 {
		return nil
	}

	cmdName := strings.ToLower(parts[0])
	args := parts[1:]

	cmd, ok := r.commands[cmdName]
	if !ok {
		return fmt.Errorf("unknown command: /%s (type '/help' for available commands)", cmdName)
	}

	return cmd.Execute(ctx, r, args)
}

// chat sends a plain follow-up turn. A failed turn is already recorded in
// the session as an error reply, so it is printed rather than bubbled up.
func (r *REPL) chat(ctx context.Context, text string) error {
	reply, err := r.mgr.SendFollowUp(ctx, text, nil)
	if err != nil {
		if sess := r.mgr.Current(); sess != nil {
			turns := sess.Turns()
			if len(turns) > 0 && turns[len(turns)-1].IsError {
				fmt.Fprintln(r.out, turns[len(turns)-1].Text)
				return nil
			}
		}
		return err
	}

	r.printReply(reply)
	return nil
}

func (r *REPL) Stop() {
	r.running = false
}

func (r *REPL) printWelcome() {
	fmt.Fprintln(r.out, "derma interactive mode")
	fmt.Fprintln(r.out, "Type a message to ask a follow-up question. Commands start with '/';")
	fmt.Fprintln(r.out, "type '/help' for the list, '/quit' to exit.")
	fmt.Fprintln(r.out)
}

func (r *REPL) printPrompt() {
	if r.mgr.HasSession() {
		fmt.Fprintf(r.out, "derma [%d turns]> ", len(r.mgr.Current().Turns()))
	} else {
		fmt.Fprint(r.out, "derma> ")
	}
}

func (r *REPL) printReply(reply *models.Reply) {
	fmt.Fprintln(r.out, reply.Text)
	printSources(r.out, reply.Sources)
}

func printSources(w io.Writer, sources []models.Source) {
	if len(sources) == 0 {
		return
	}
	fmt.Fprintln(w, "\nSources:")
	for _, src := range sources {
		fmt.Fprintf(w, "  - %s: %s\n", src.Title, src.URI)
		if src.Snippet != "" {
			fmt.Fprintf(w, "    %q\n", src.Snippet)
		}
	}
}

func parseCommand(line string) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false
	quoteChar := rune(0)

	for _, ch := range line {
		switch {
		case ch == '"' || ch == '\'':
			if inQuotes && ch == quoteChar {
				inQuotes = false
				quoteChar = 0
			} else if !inQuotes {
				inQuotes = true
				quoteChar = ch
			} else {
				current.WriteRune(ch)
			}
		case ch == ' ' && !inQuotes:
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(ch)
		}
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}

	return parts
}
