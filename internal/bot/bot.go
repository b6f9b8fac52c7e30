// Package bot is the Telegram front end. Each chat maps to one session;
// incoming text becomes a turn and the event stream is rendered by
// editing a single Telegram message in place as text arrives.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/zette-dev/forge/internal/claude"
	"github.com/zette-dev/forge/internal/config"
	"github.com/zette-dev/forge/internal/git"
	"github.com/zette-dev/forge/internal/session"
)

const defaultMaxMessageLen = 4096

// Bot wraps the Telegram bot and routes chats to sessions.
type Bot struct {
	bot     *bot.Bot
	mgr     *session.Manager
	cfg     *config.Config
	allowed map[int64]bool
	maxLen  int

	mu       sync.Mutex
	chatSess map[int64]string
}

// New creates a Telegram bot wired to the session manager.
func New(cfg *config.Config, mgr *session.Manager) (*Bot, error) {
	allowed := make(map[int64]bool, len(cfg.Telegram.AllowedUserIDs))
	for _, id := range cfg.Telegram.AllowedUserIDs {
		allowed[id] = true
	}

	b := &Bot{
		mgr:      mgr,
		cfg:      cfg,
		allowed:  allowed,
		maxLen:   resolveMaxLen(cfg),
		chatSess: make(map[int64]string),
	}

	opts := []bot.Option{
		bot.WithMiddlewares(b.authMiddleware),
		bot.WithDefaultHandler(b.handleMessage),
		bot.WithMessageTextHandler("/new", bot.MatchTypePrefix, b.handleNew),
		bot.WithMessageTextHandler("/abort", bot.MatchTypePrefix, b.handleAbort),
		bot.WithMessageTextHandler("/status", bot.MatchTypePrefix, b.handleStatus),
	}

	tgBot, err := bot.New(cfg.Telegram.BotToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	b.bot = tgBot
	return b, nil
}

// Start begins long polling. Blocks until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	slog.Info("telegram bot starting long poll")
	b.bot.Start(ctx)
}

// authMiddleware silently drops messages from unauthorized users.
func (b *Bot) authMiddleware(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, tg *bot.Bot, update *models.Update) {
		if update.Message == nil || update.Message.From == nil {
			return
		}
		if !b.allowed[update.Message.From.ID] {
			slog.Warn("unauthorized message", "user_id", update.Message.From.ID)
			return
		}
		next(ctx, tg, update)
	}
}

// sessionFor returns the chat's session id, creating a session on first
// contact.
func (b *Bot) sessionFor(chatID int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.chatSess[chatID]; ok {
		return id
	}
	id := b.mgr.Create("tg-" + strconv.FormatInt(chatID, 10))
	b.chatSess[chatID] = id
	return id
}

// resetSession drops the chat's mapping so the next message starts fresh.
func (b *Bot) resetSession(chatID int64) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.chatSess[chatID]
	delete(b.chatSess, chatID)
	return id, ok
}

// workdirFor resolves the chat's workspace directory.
func (b *Bot) workdirFor(chatID int64) string {
	ws := b.cfg.Workspaces
	name, ok := ws.ChatMap[strconv.FormatInt(chatID, 10)]
	if !ok {
		name = ws.Default
	}
	return filepath.Join(ws.BasePath, name)
}

func (b *Bot) handleNew(ctx context.Context, tg *bot.Bot, update *models.Update) {
	chatID := update.Message.Chat.ID
	if old, ok := b.resetSession(chatID); ok {
		if err := b.mgr.Clear(old); err != nil {
			slog.Debug("clear previous session", "session_id", old, "error", err)
		}
	}
	b.reply(ctx, tg, chatID, "Started a fresh conversation.")
}

func (b *Bot) handleAbort(ctx context.Context, tg *bot.Bot, update *models.Update) {
	chatID := update.Message.Chat.ID
	old, ok := b.resetSession(chatID)
	if !ok {
		b.reply(ctx, tg, chatID, "Nothing to abort.")
		return
	}
	if err := b.mgr.AbortTurn(old); err != nil {
		slog.Warn("abort failed", "session_id", old, "error", err)
		b.reply(ctx, tg, chatID, "Abort failed: "+err.Error())
		return
	}
	b.reply(ctx, tg, chatID, "Aborted. The next message starts a fresh conversation.")
}

func (b *Bot) handleStatus(ctx context.Context, tg *bot.Bot, update *models.Update) {
	chatID := update.Message.Chat.ID

	b.mu.Lock()
	id, ok := b.chatSess[chatID]
	b.mu.Unlock()
	if !ok {
		b.reply(ctx, tg, chatID, "No active conversation.")
		return
	}

	info, err := b.mgr.Status(id)
	if err != nil {
		b.reply(ctx, tg, chatID, "No active conversation.")
		return
	}

	state := "idle"
	if info.TurnInFlight {
		state = "working"
	}
	text := fmt.Sprintf(
		"Session %s\nState: %s\nMessages: %d\nStarted: %s",
		info.ID, state, info.Messages, info.CreatedAt.Format(time.RFC3339))

	dir := b.workdirFor(chatID)
	if st, err := git.GetStatus(ctx, dir); err == nil {
		text += "\n" + workspaceLine(dir, st)
	} else {
		slog.Debug("workspace status failed", "dir", dir, "error", err)
	}
	b.reply(ctx, tg, chatID, text)
}

// workspaceLine renders the chat workspace's git state for /status.
func workspaceLine(dir string, st git.Status) string {
	if !st.IsRepo {
		return fmt.Sprintf("Workspace: %s (not a git repository)", dir)
	}
	line := fmt.Sprintf("Workspace: %s on %s", dir, st.CurrentBranch)
	if st.HasStaged || st.HasUnstaged {
		line += " (dirty)"
	}
	return line
}

// handleMessage runs one turn for an incoming text message.
func (b *Bot) handleMessage(ctx context.Context, tg *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}

	chatID := update.Message.Chat.ID
	text := update.Message.Text

	tg.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: models.ChatActionTyping,
	})

	sessionID := b.sessionFor(chatID)
	opts := claude.Options{
		Binary:          b.cfg.Claude.Binary,
		Model:           b.cfg.Claude.Model,
		AllowedTools:    b.cfg.Claude.AllowedTools,
		DisallowedTools: b.cfg.Claude.DisallowedTools,
		WorkDir:         b.workdirFor(chatID),
	}

	events := make(chan session.Event, 32)
	if err := b.mgr.StartTurn(ctx, sessionID, text, opts, events); err != nil {
		slog.Error("start turn failed", "chat_id", chatID, "error", err)
		b.reply(ctx, tg, chatID, "Something went wrong. Please try again.")
		return
	}

	b.streamResponse(ctx, tg, chatID, events)
}

// streamResponse sends an initial message and edits it in place as events
// arrive. Splits into new messages if the response exceeds 4096 chars.
func (b *Bot) streamResponse(ctx context.Context, tg *bot.Bot, chatID int64, events <-chan session.Event) {
	var (
		msgID    int
		buf      strings.Builder
		lastEdit string
		ticker   = time.NewTicker(b.cfg.Session.EditInterval)
	)
	defer ticker.Stop()

	flush := func() {
		text := buf.String()
		if text == "" || text == lastEdit {
			return
		}

		if utf8.RuneCountInString(text) > b.maxLen {
			text = truncateRunes(text, b.maxLen-3) + "..."
		}

		if msgID == 0 {
			sent, err := tg.SendMessage(ctx, &bot.SendMessageParams{
				ChatID: chatID,
				Text:   text,
			})
			if err != nil {
				slog.Error("send message failed", "error", err)
				return
			}
			msgID = sent.ID
		} else {
			_, err := tg.EditMessageText(ctx, &bot.EditMessageTextParams{
				ChatID:    chatID,
				MessageID: msgID,
				Text:      text,
			})
			if err != nil {
				slog.Debug("edit message failed", "error", err)
			}
		}
		lastEdit = text
	}

	appendText := func(s string) {
		if utf8.RuneCountInString(buf.String())+utf8.RuneCountInString(s) > b.maxLen {
			// Start a new Telegram message for the overflow.
			flush()
			buf.Reset()
			lastEdit = ""
			msgID = 0
		}
		buf.WriteString(s)
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				flush()
				return
			}

			switch ev.Kind {
			case session.EventAssistant:
				if buf.Len() > 0 {
					appendText("\n\n")
				}
				appendText(ev.Text)

			case session.EventAssistantDelta:
				appendText(ev.Text)

			case session.EventSystemNote:
				appendText("\n· " + ev.Text + "\n")

			case session.EventUserEcho:
				// Already visible in the chat; nothing to render.

			case session.EventError:
				slog.Error("turn failed", "chat_id", chatID, "error", ev.Text)
				if buf.Len() == 0 {
					buf.WriteString("An error occurred: " + ev.Text)
				} else {
					appendText("\n\n⚠ " + ev.Text)
				}
				flush()
				return

			case session.EventCompleted:
				flush()
				return
			}

		case <-ticker.C:
			flush()

		case <-ctx.Done():
			return
		}
	}
}

func (b *Bot) reply(ctx context.Context, tg *bot.Bot, chatID int64, text string) {
	if _, err := tg.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		slog.Error("send message failed", "chat_id", chatID, "error", err)
	}
}

// resolveMaxLen returns the configured per-message length cap, bounded by
// what Telegram accepts.
func resolveMaxLen(cfg *config.Config) int {
	n := cfg.Session.MaxResponseLength
	if n <= 0 || n > defaultMaxMessageLen {
		return defaultMaxMessageLen
	}
	return n
}

// truncateRunes returns the first n runes of s.
func truncateRunes(s string, n int) string {
	i := 0
	for j := range s {
		if i >= n {
			return s[:j]
		}
		i++
	}
	return s
}
