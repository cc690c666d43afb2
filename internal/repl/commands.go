package repl

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/dermalab/derma/internal/image"
	"github.com/dermalab/derma/pkg/models"
)

type Command interface {
	Name() string
	Aliases() []string
	Description() string
	Usage() string
	Execute(ctx context.Context, r *REPL, args []string) error
}

func (r *REPL) registerCommands() {
	commands := []Command{
		&NewCommand{},
		&FindCommand{},
		&LocationCommand{},
		&HistoryCommand{},
		&SaveCommand{},
		&CasesCommand{},
		&HelpCommand{},
		&QuitCommand{},
	}

	for _, cmd := range commands {
		r.commands[cmd.Name()] = cmd
		for _, alias := range cmd.Aliases() {
			r.commands[alias] = cmd
		}
	}
}

// NewCommand starts a fresh analysis session from an image file.
type NewCommand struct{}

func (c *NewCommand) Name() string        { return "new" }
func (c *NewCommand) Aliases() []string   { return []string{"n", "analyze"} }
func (c *NewCommand) Description() string { return "Start a new analysis from an image file" }
func (c *NewCommand) Usage() string       { return "/new <image-path>" }

func (c *NewCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: %s", c.Usage())
	}

	data, mimeType, err := image.Load(args[0])
	if err != nil {
		return err
	}

	req, err := models.NewAnalysisRequest(data, mimeType)
	if err != nil {
		return err
	}

	if _, err := r.mgr.Open("", nil); err != nil {
		return err
	}
	r.lastImage = data
	r.lastImageMIME = mimeType

	fmt.Fprintln(r.out, "Analyzing...")

	reply, err := r.mgr.SendFirst(ctx, req)
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}

	r.printReply(reply)
	return nil
}

// FindCommand asks for nearby dermatologists, biased by the stored
// location when one has been set with /location.
type FindCommand struct{}

func (c *FindCommand) Name() string        { return "find" }
func (c *FindCommand) Aliases() []string   { return []string{"f"} }
func (c *FindCommand) Description() string { return "Find dermatologists or clinics nearby" }
func (c *FindCommand) Usage() string       { return "/find [query]" }

func (c *FindCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	query := "Find dermatologists or skin clinics near me."
	if len(args) > 0 {
		query = strings.Join(args, " ")
	}

	if r.location == nil {
		fmt.Fprintln(r.out, "No location set; results will not be location-biased. Use '/location <lat> <lng>'.")
	}

	reply, err := r.mgr.SendFollowUp(ctx, query, r.location)
	if err != nil {
		return err
	}

	r.printReply(reply)
	return nil
}

// LocationCommand stores coordinates for later /find calls.
type LocationCommand struct{}

func (c *LocationCommand) Name() string        { return "location" }
func (c *LocationCommand) Aliases() []string   { return []string{"loc"} }
func (c *LocationCommand) Description() string { return "Set coordinates used by /find" }
func (c *LocationCommand) Usage() string       { return "/location <latitude> <longitude>" }

func (c *LocationCommand) Execute(_ context.Context, r *REPL, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: %s", c.Usage())
	}

	lat, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid latitude: %s", args[0])
	}
	lng, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid longitude: %s", args[1])
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("latitude out of range: %g", lat)
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("longitude out of range: %g", lng)
	}

	r.location = &models.GeoLocation{Latitude: lat, Longitude: lng}
	fmt.Fprintf(r.out, "Location set to %g, %g\n", lat, lng)
	return nil
}

// HistoryCommand prints the current session's turns.
type HistoryCommand struct{}

func (c *HistoryCommand) Name() string        { return "history" }
func (c *HistoryCommand) Aliases() []string   { return []string{"h", "hist"} }
func (c *HistoryCommand) Description() string { return "Show the current conversation" }
func (c *HistoryCommand) Usage() string       { return "/history" }

func (c *HistoryCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	sess := r.mgr.Current()
	if sess == nil || len(sess.Turns()) == 0 {
		fmt.Fprintln(r.out, "No conversation yet")
		return nil
	}

	for i, turn := range sess.Turns() {
		label := "you"
		if turn.Role == models.RoleModel {
			label = "derma"
			if turn.IsError {
				label = "derma (error)"
			}
		}
		fmt.Fprintf(r.out, "[%d] %s, %s: %s\n",
			i+1, label, humanize.Time(turn.Timestamp), truncate(turn.Text, 80))
	}

	return nil
}

// SaveCommand persists the current session as a case.
type SaveCommand struct{}

func (c *SaveCommand) Name() string        { return "save" }
func (c *SaveCommand) Aliases() []string   { return []string{"s"} }
func (c *SaveCommand) Description() string { return "Save the current session as a case" }
func (c *SaveCommand) Usage() string       { return "/save [summary]" }

func (c *SaveCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	summary := strings.Join(args, " ")

	imagePath := ""
	if len(r.lastImage) > 0 && r.mgr.Current() != nil {
		path, err := image.SaveCaseImage(r.imageDir, r.mgr.Current().ID, r.lastImage, r.lastImageMIME)
		if err != nil {
			fmt.Fprintf(r.err, "Warning: failed to save case image: %v\n", err)
		} else {
			imagePath = path
		}
	}

	record, err := r.mgr.SaveCase(ctx, imagePath, summary)
	if err != nil {
		return err
	}

	fmt.Fprintf(r.out, "Saved case %s: %s\n", record.ID[:8], record.Summary)
	return nil
}

// CasesCommand lists saved cases.
type CasesCommand struct{}

func (c *CasesCommand) Name() string        { return "cases" }
func (c *CasesCommand) Aliases() []string   { return nil }
func (c *CasesCommand) Description() string { return "List saved cases" }
func (c *CasesCommand) Usage() string       { return "/cases" }

func (c *CasesCommand) Execute(ctx context.Context, r *REPL, _ []string) error {
	records, err := r.mgr.Cases(ctx)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Fprintln(r.out, "No saved cases")
		return nil
	}

	for _, rec := range records {
		fmt.Fprintf(r.out, "%s  %-15s  %s\n",
			rec.ID[:8], humanize.Time(rec.CreatedAt), truncate(rec.Summary, 60))
	}

	return nil
}

// HelpCommand shows available commands.
type HelpCommand struct{}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Aliases() []string   { return []string{"?"} }
func (c *HelpCommand) Description() string { return "Show available commands" }
func (c *HelpCommand) Usage() string       { return "/help" }

func (c *HelpCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	commands := []Command{
		&NewCommand{},
		&FindCommand{},
		&LocationCommand{},
		&HistoryCommand{},
		&SaveCommand{},
		&CasesCommand{},
		&HelpCommand{},
		&QuitCommand{},
	}

	fmt.Fprintln(r.out, "Anything you type without a leading '/' is sent to the assistant.")
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "Available commands:")
	fmt.Fprintln(r.out)

	for _, cmd := range commands {
		aliases := ""
		if len(cmd.Aliases()) > 0 {
			aliases = fmt.Sprintf(" (%s)", strings.Join(cmd.Aliases(), ", "))
		}
		fmt.Fprintf(r.out, "  /%-12s%s\n", cmd.Name()+aliases, cmd.Description())
		fmt.Fprintf(r.out, "                Usage: %s\n", cmd.Usage())
	}

	return nil
}

// QuitCommand exits the REPL.
type QuitCommand struct{}

func (c *QuitCommand) Name() string        { return "quit" }
func (c *QuitCommand) Aliases() []string   { return []string{"exit", "q"} }
func (c *QuitCommand) Description() string { return "Exit interactive mode" }
func (c *QuitCommand) Usage() string       { return "/quit" }

func (c *QuitCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	fmt.Fprintln(r.out, "Goodbye!")
	r.mgr.Close()
	r.Stop()
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
