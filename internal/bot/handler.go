package bot

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"kvchain/internal/service"
)

// Querier is the read side of the service the bot answers from.
type Querier interface {
	QueryByOwner(ctx context.Context, ownerHex string) (*service.QueryResponse, error)
	QueryByIdentity(ctx context.Context, platform, identity string) (*service.IdentityResponse, error)
}

// Handler holds dependencies for the Telegram bot handlers.
type Handler struct {
	bot *tgbot.Bot
	svc Querier
	log logrus.FieldLogger
}

const (
	welcomeMessage = "Welcome to kvchain! Look up key-values with:\n" +
		"/kv <avatar public key>\n" +
		"/identity <platform> <identity>"
	kvUsage       = "Usage: /kv <avatar public key>"
	identityUsage = "Usage: /identity <platform> <identity>"

	// maxMessageLen is Telegram's limit for a single text message.
	maxMessageLen = 4096
)

// NewHandler creates a new bot handler instance.
func NewHandler(token string, svc Querier, logger logrus.FieldLogger) (*Handler, error) {
	log := logger.WithField("component", "bot_handler")

	b, err := tgbot.New(token)
	if err != nil {
		log.WithError(err).Error("Failed to create Telegram bot instance")
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	h := &Handler{
		bot: b,
		svc: svc,
		log: log,
	}
	h.registerHandlers()

	log.Info("Telegram bot handler initialized")
	return h, nil
}

func (h *Handler) registerHandlers() {
	h.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/start", tgbot.MatchTypeExact, h.startHandler)
	h.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/kv", tgbot.MatchTypePrefix, h.kvHandler)
	h.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/identity", tgbot.MatchTypePrefix, h.identityHandler)
	h.log.Info("Registered /start, /kv and /identity command handlers")
}

// Start begins polling for updates from Telegram.
// This function blocks until the context is cancelled.
func (h *Handler) Start(ctx context.Context) {
	h.log.Info("Starting Telegram bot polling...")
	h.bot.Start(ctx)
	h.log.Info("Telegram bot polling stopped.")
}

func (h *Handler) startHandler(ctx context.Context, b *tgbot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	h.reply(ctx, b, update, "/start", welcomeMessage)
}

func (h *Handler) kvHandler(ctx context.Context, b *tgbot.Bot, update *models.Update) {
	if update.Message == nil || !isCommand(update.Message.Text, "/kv") {
		return
	}
	h.reply(ctx, b, update, "/kv", h.answerKV(ctx, update.Message.Text))
}

func (h *Handler) identityHandler(ctx context.Context, b *tgbot.Bot, update *models.Update) {
	if update.Message == nil || !isCommand(update.Message.Text, "/identity") {
		return
	}
	h.reply(ctx, b, update, "/identity", h.answerIdentity(ctx, update.Message.Text))
}

// answerKV renders the reply to "/kv <owner>".
func (h *Handler) answerKV(ctx context.Context, text string) string {
	args := commandArgs(text)
	if len(args) != 1 {
		return kvUsage
	}
	resp, err := h.svc.QueryByOwner(ctx, args[0])
	if err != nil {
		return "Lookup failed: " + publicError(err)
	}
	if len(resp.Proofs) == 0 {
		return "No key-values stored for " + resp.Avatar
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Key-values of %s\n", resp.Avatar)
	for _, p := range resp.Proofs {
		fmt.Fprintf(&sb, "\n%s / %s\n%s\n", p.Platform, p.Identity, p.Content)
	}
	return truncate(sb.String())
}

// answerIdentity renders the reply to "/identity <platform> <identity>".
func (h *Handler) answerIdentity(ctx context.Context, text string) string {
	args := commandArgs(text)
	if len(args) != 2 {
		return identityUsage
	}
	resp, err := h.svc.QueryByIdentity(ctx, args[0], args[1])
	if err != nil {
		return "Lookup failed: " + publicError(err)
	}
	if len(resp.Values) == 0 {
		return fmt.Sprintf("No key-values stored for %s / %s", args[0], args[1])
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Key-values of %s / %s\n", args[0], args[1])
	for _, v := range resp.Values {
		fmt.Fprintf(&sb, "\n%s\n%s\n", v.Avatar, v.Content)
	}
	return truncate(sb.String())
}

func (h *Handler) reply(ctx context.Context, b *tgbot.Bot, update *models.Update, command, text string) {
	log := h.log.WithFields(logrus.Fields{
		"chat_id": update.Message.Chat.ID,
		"command": command,
	})
	log.Info("Received command")

	_, err := b.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: update.Message.Chat.ID,
		Text:   text,
	})
	if err != nil {
		log.WithError(err).Error("Failed to send reply")
	}
}

// isCommand reports whether text invokes command, optionally addressed as
// command@botname. Prefix matching alone would also accept "/kvfoo".
func isCommand(text, command string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	name, _, _ := strings.Cut(fields[0], "@")
	return name == command
}

// commandArgs drops the command word, including any @botname suffix.
func commandArgs(text string) []string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}
	return fields[1:]
}

func publicError(err error) string {
	if service.IsRejection(err) {
		return err.Error()
	}
	return "internal error"
}

func truncate(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	cut := maxMessageLen - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
