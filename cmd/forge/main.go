// Command forge runs the Telegram front end for Claude Code sessions.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/zette-dev/forge/internal/bot"
	"github.com/zette-dev/forge/internal/config"
	"github.com/zette-dev/forge/internal/git"
	"github.com/zette-dev/forge/internal/probe"
	"github.com/zette-dev/forge/internal/session"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "forge",
		Short:         "Telegram bridge to Claude Code sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	root.AddCommand(serveCmd(), doctorCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			setupLogging(cfg.Log.Level)

			if _, ok := probe.QuickCheck(cfg.Claude.Binary); !ok {
				return fmt.Errorf("%s not found on PATH; run `forge doctor`", cfg.Claude.Binary)
			}

			mgr := session.NewManager(session.Config{FrameBuffer: cfg.Session.FrameBuffer}, nil)
			b, err := bot.New(cfg, mgr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			slog.Info("forge starting", "model", cfg.Claude.Model)
			b.Start(ctx)

			slog.Info("shutting down")
			mgr.Shutdown()
			return nil
		},
	}
}

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the claude CLI is installed and authenticated",
		RunE: func(cmd *cobra.Command, _ []string) error {
			binary := "claude"
			cfg, cfgErr := config.Load(configPath)
			if cfgErr == nil {
				binary = cfg.Claude.Binary
			}

			st := probe.Check(cmd.Context(), binary)

			printCheck("installed", st.Installed, st.Path)
			printCheck("version", st.Version != "", st.Version)
			printCheck("authenticated", st.Authenticated, "")

			gitPath, gitOK := probe.QuickCheck("git")
			printCheck("git", gitOK, gitPath)

			if cfgErr == nil {
				for _, dir := range workspaceDirs(cfg.Workspaces) {
					wst, err := git.GetStatus(cmd.Context(), dir)
					switch {
					case err != nil:
						printCheck("workspace "+dir, false, err.Error())
					case !wst.IsRepo:
						printCheck("workspace "+dir, true, "not a git repository")
					default:
						detail := "on " + wst.CurrentBranch
						if wst.HasStaged || wst.HasUnstaged {
							detail += ", dirty"
						}
						printCheck("workspace "+dir, true, detail)
					}
				}
			} else {
				printCheck("config", false, cfgErr.Error())
			}

			if st.Err != "" {
				fmt.Println(failStyle.Render("✗ ") + st.Err)
				return fmt.Errorf("doctor found problems")
			}
			fmt.Println(okStyle.Render("✓ all checks passed"))
			return nil
		},
	}
}

// workspaceDirs resolves every workspace directory the config can route a
// chat to: the default plus all chat-mapped ones, deduplicated and sorted.
func workspaceDirs(ws config.WorkspacesConfig) []string {
	seen := map[string]bool{}
	var dirs []string
	add := func(name string) {
		if name == "" {
			return
		}
		dir := filepath.Join(ws.BasePath, name)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	add(ws.Default)
	for _, name := range ws.ChatMap {
		add(name)
	}
	sort.Strings(dirs)
	return dirs
}

func printCheck(name string, ok bool, detail string) {
	mark := failStyle.Render("✗")
	if ok {
		mark = okStyle.Render("✓")
	}
	line := fmt.Sprintf("%s %s", mark, name)
	if detail != "" {
		line += " " + dimStyle.Render(detail)
	}
	fmt.Println(line)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
