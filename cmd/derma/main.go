package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dermalab/derma/internal/gemini"
	"github.com/dermalab/derma/internal/image"
	"github.com/dermalab/derma/internal/keys"
	"github.com/dermalab/derma/internal/repl"
	"github.com/dermalab/derma/internal/session"
	"github.com/dermalab/derma/pkg/models"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	flagAPIKey      string
	flagModel       string
	flagVerbose     bool
	flagInteractive bool
	flagSave        bool
	flagSummary     string
)

// App carries the process dependencies so tests can run commands against
// buffers, a fake service, and a scratch store.
type App struct {
	In           io.Reader
	Out          io.Writer
	Err          io.Writer
	NewGenerator func(cfg *gemini.Config) (session.Generator, error)
	NewStore     func() (*session.Store, error)
	ImageDir     func() (string, error)
	IsTerminal   func() bool
	ReadPassword func() (string, error)
}

func DefaultApp() *App {
	return &App{
		In:  os.Stdin,
		Out: os.Stdout,
		Err: os.Stderr,
		NewGenerator: func(cfg *gemini.Config) (session.Generator, error) {
			return gemini.New(cfg)
		},
		NewStore: session.NewStore,
		ImageDir: session.DefaultImageDir,
		IsTerminal: func() bool {
			return isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
		},
		ReadPassword: func() (string, error) {
			data, err := term.ReadPassword(int(os.Stdin.Fd()))
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	app := DefaultApp()
	rootCmd := newRootCmd(app)
	return rootCmd.Execute()
}

func newRootCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "derma",
		Short: "AI-assisted preliminary skin condition analysis",
		Long: `derma analyzes skin photos with a generative AI service and answers
follow-up questions in a conversational session. Results are preliminary
and educational, never a medical diagnosis.

Examples:
  derma analyze photo.jpg
  derma analyze photo.jpg -i
  derma chat
  derma cases list`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flagAPIKey, "api-key", "", "API key (defaults to stored key, then GEMINI_API_KEY)")
	cmd.PersistentFlags().StringVarP(&flagModel, "model", "m", models.DefaultModel, "model to use")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log requests and responses to stderr")

	cmd.AddCommand(newAnalyzeCmd(app))
	cmd.AddCommand(newChatCmd(app))
	cmd.AddCommand(newCasesCmd(app))
	cmd.AddCommand(newKeysCmd(app))

	return cmd
}

func newAnalyzeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <image>",
		Short: "Analyze a skin photo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, args, app)
		},
	}

	cmd.Flags().BoolVarP(&flagInteractive, "interactive", "i", false, "stay in interactive mode after the analysis")
	cmd.Flags().BoolVar(&flagSave, "save", false, "save the session as a case")
	cmd.Flags().StringVar(&flagSummary, "summary", "", "summary for the saved case")

	return cmd
}

func runAnalyze(_ *cobra.Command, args []string, app *App) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	data, mimeType, err := image.Load(args[0])
	if err != nil {
		return err
	}

	req, err := models.NewAnalysisRequest(data, mimeType)
	if err != nil {
		return err
	}

	mgr, cleanup, err := newManager(app)
	if err != nil {
		return err
	}
	defer cleanup()

	if _, err := mgr.Open("", nil); err != nil {
		return err
	}

	fmt.Fprintln(app.Out, "Analyzing...")

	reply, err := mgr.SendFirst(ctx, req)
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}

	fmt.Fprintln(app.Out, reply.Text)
	printSources(app.Out, reply.Sources)

	if flagSave {
		if err := saveAnalyzedCase(ctx, app, mgr, data, mimeType); err != nil {
			return err
		}
	}

	if flagInteractive && app.IsTerminal() {
		r := newREPL(app, mgr)
		r.SetInitialImage(data, mimeType)
		return r.Run(ctx)
	}

	return nil
}

func saveAnalyzedCase(ctx context.Context, app *App, mgr *session.Manager, data []byte, mimeType string) error {
	imagePath := ""
	if dir, err := app.ImageDir(); err == nil {
		path, err := image.SaveCaseImage(dir, mgr.Current().ID, data, mimeType)
		if err != nil {
			fmt.Fprintf(app.Err, "Warning: failed to save case image: %v\n", err)
		} else {
			imagePath = path
		}
	}

	record, err := mgr.SaveCase(ctx, imagePath, flagSummary)
	if err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "Saved case %s\n", record.ID[:8])
	return nil
}

func newChatCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session without an image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			mgr, cleanup, err := newManager(app)
			if err != nil {
				return err
			}
			defer cleanup()

			return newREPL(app, mgr).Run(ctx)
		},
	}
}

func newManager(app *App) (*session.Manager, func(), error) {
	apiKey, _, err := keys.GetAPIKey(flagAPIKey)
	if err != nil {
		return nil, nil, err
	}

	gen, err := app.NewGenerator(&gemini.Config{
		APIKey:  apiKey,
		Model:   flagModel,
		Verbose: flagVerbose,
	})
	if err != nil {
		return nil, nil, err
	}

	store, err := app.NewStore()
	if err != nil {
		return nil, nil, err
	}

	return session.NewManager(gen, store, flagModel), func() { store.Close() }, nil
}

func newREPL(app *App, mgr *session.Manager) *repl.REPL {
	imageDir, err := app.ImageDir()
	if err != nil {
		imageDir = "."
	}
	return repl.New(&repl.Config{
		In:       app.In,
		Out:      app.Out,
		Err:      app.Err,
		Manager:  mgr,
		ImageDir: imageDir,
	})
}

func newCasesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cases",
		Short: "Manage saved cases",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List saved cases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCasesList(cmd.Context(), app)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a saved case with its full conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCasesShow(cmd.Context(), app, args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a saved case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCasesDelete(cmd.Context(), app, args[0])
		},
	})

	return cmd
}

func runCasesList(ctx context.Context, app *App) error {
	store, err := app.NewStore()
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ListCases(ctx)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Fprintln(app.Out, "No saved cases")
		return nil
	}

	fmt.Fprintf(app.Out, "%-8s  %-15s  %s\n", "ID", "Created", "Summary")
	fmt.Fprintln(app.Out, strings.Repeat("-", 70))
	for _, rec := range records {
		fmt.Fprintf(app.Out, "%-8s  %-15s  %s\n",
			rec.ID[:8], humanize.Time(rec.CreatedAt), truncate(rec.Summary, 45))
	}
	return nil
}

func runCasesShow(ctx context.Context, app *App, id string) error {
	store, err := app.NewStore()
	if err != nil {
		return err
	}
	defer store.Close()

	record, err := resolveCase(ctx, store, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(app.Out, "Case %s (%s)\n", record.ID[:8], session.FormatTimestamp(record.CreatedAt))
	fmt.Fprintf(app.Out, "Summary: %s\n", record.Summary)
	if record.ImagePath != "" {
		fmt.Fprintf(app.Out, "Image: %s\n", record.ImagePath)
	}
	fmt.Fprintln(app.Out)

	for _, turn := range record.Turns {
		label := "you"
		if turn.Role == models.RoleModel {
			label = "derma"
			if turn.IsError {
				label = "derma (error)"
			}
		}
		fmt.Fprintf(app.Out, "--- %s, %s ---\n%s\n\n", label, humanize.Time(turn.Timestamp), turn.Text)
		printSources(app.Out, turn.Sources)
	}
	return nil
}

func runCasesDelete(ctx context.Context, app *App, id string) error {
	store, err := app.NewStore()
	if err != nil {
		return err
	}
	defer store.Close()

	record, err := resolveCase(ctx, store, id)
	if err != nil {
		return err
	}

	if err := store.DeleteCase(ctx, record.ID); err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "Deleted case %s\n", record.ID[:8])
	return nil
}

// resolveCase accepts a full case ID or a unique prefix.
func resolveCase(ctx context.Context, store *session.Store, id string) (*models.CaseRecord, error) {
	records, err := store.ListCases(ctx)
	if err != nil {
		return nil, err
	}

	var match *models.CaseRecord
	for _, rec := range records {
		if rec.ID == id {
			return store.GetCase(ctx, rec.ID)
		}
		if strings.HasPrefix(rec.ID, id) {
			if match != nil {
				return nil, fmt.Errorf("ambiguous case ID prefix: %s", id)
			}
			match = rec
		}
	}
	if match == nil {
		return nil, fmt.Errorf("case not found: %s", id)
	}
	return store.GetCase(ctx, match.ID)
}

func newKeysCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage stored API keys",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set [name]",
		Short: "Store an API key (prompted without echo)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name := "gemini"
			if len(args) > 0 {
				name = args[0]
			}
			return runKeysSet(app, name)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "List stored keys (masked)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runKeysShow(app)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a stored key",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runKeysDelete(app, args[0])
		},
	})

	return cmd
}

func runKeysSet(app *App, name string) error {
	var key string
	if app.IsTerminal() {
		fmt.Fprintf(app.Out, "Enter API key for %q: ", name)
		entered, err := app.ReadPassword()
		fmt.Fprintln(app.Out)
		if err != nil {
			return fmt.Errorf("failed to read key: %w", err)
		}
		key = entered
	} else {
		scanner := bufio.NewScanner(app.In)
		if scanner.Scan() {
			key = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read key: %w", err)
		}
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	store, err := keys.NewStore()
	if err != nil {
		return err
	}
	if err := store.Set(name, key); err != nil {
		return err
	}

	fmt.Fprintf(app.Out, "Stored key %q (%s)\n", name, keys.MaskKey(key))
	return nil
}

func runKeysShow(app *App) error {
	store, err := keys.NewStore()
	if err != nil {
		return err
	}

	names, err := store.List()
	if err != nil {
		return err
	}

	if len(names) == 0 {
		fmt.Fprintln(app.Out, "No stored keys")
		return nil
	}

	for _, name := range names {
		key, err := store.Get(name)
		if err != nil {
			fmt.Fprintf(app.Err, "Warning: failed to read key %q: %v\n", name, err)
			continue
		}
		fmt.Fprintf(app.Out, "%-12s  %s\n", name, keys.MaskKey(key))
	}
	return nil
}

func runKeysDelete(app *App, name string) error {
	store, err := keys.NewStore()
	if err != nil {
		return err
	}
	if err := store.Delete(name); err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "Deleted key %q\n", name)
	return nil
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

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
