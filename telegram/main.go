package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"salescoachdev/coacherr"
	"salescoachdev/database/postgres"
	"salescoachdev/humanize"
	"salescoachdev/logger"
	"salescoachdev/modelapi"
	"salescoachdev/session"
)

const helpText = "Send /start to begin a training session and /stop to end the roleplay and get your feedback."

// Sessions is the part of the session engine the bot drives.
type Sessions interface {
	Start(ctx context.Context, opts session.StartOptions) (session.Session, session.Reply, error)
	HandleTurn(ctx context.Context, id, message string) (session.Reply, error)
	Stop(ctx context.Context, id string) (session.Reply, error)
}

// Learners remembers which session a chat user is in.
type Learners interface {
	SetupLearner(ctx context.Context, args postgres.SetupLearnerProps) error
	ActiveSession(ctx context.Context, telegramUserID int64) (string, error)
	SetActiveSession(ctx context.Context, telegramUserID int64, sessionID string) error
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramConnectProps struct {
	Logger   *logger.LogMiddleware
	Sessions Sessions
	Learners Learners
	// Humanize is applied to customer replies during the roleplay. Nil disables it.
	Humanize *humanize.Policy
	Token    string
	Debug    bool
}

type Telegram struct {
	logger   *logger.LogMiddleware
	bot      *tgbotapi.BotAPI
	out      sender
	sessions Sessions
	learners Learners
	humanize *humanize.Policy
}

func Connect(ctx context.Context, args TelegramConnectProps) (*Telegram, error) {
	tracer := otel.Tracer("telegram/Connect")
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()

	if args.Token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN environment variable not set")
	}

	bot, err := tgbotapi.NewBotAPI(args.Token)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	bot.Debug = args.Debug

	span.SetAttributes(
		attribute.String("bot.username", bot.Self.UserName),
		attribute.Bool("bot.debug", args.Debug),
	)

	args.Logger.Logger(ctx).Info("[Telegram] Bot connected successfully",
		zap.String("username", bot.Self.UserName),
		zap.Bool("debug", args.Debug),
	)

	t := newTelegram(args, bot)
	t.bot = bot
	return t, nil
}

func newTelegram(args TelegramConnectProps, out sender) *Telegram {
	learners := args.Learners
	if learners == nil {
		learners = NewMemoryLearners()
	}
	return &Telegram{
		logger:   args.Logger,
		out:      out,
		sessions: args.Sessions,
		learners: learners,
		humanize: args.Humanize,
	}
}

// Listen processes updates until ctx is cancelled.
func (t *Telegram) Listen(ctx context.Context) {
	tracer := otel.Tracer("telegram/Listen")
	ctx, span := tracer.Start(ctx, "Listen")
	defer span.End()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := t.bot.GetUpdatesChan(u)

	t.logger.Logger(ctx).Info("[Telegram] Starting message listener")

	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			t.logger.Logger(ctx).Info("[Telegram] Shutting down listener")
			return
		case update := <-updates:
			t.handleUpdate(ctx, update)
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	tracer := otel.Tracer("telegram/handleUpdate")
	ctx, span := tracer.Start(ctx, "handleUpdate")
	defer span.End()

	// Callback queries and other update kinds carry nothing the coaching flow uses.
	if update.Message != nil {
		t.handleMessage(ctx, update.Message)
	}
}

func (t *Telegram) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	tracer := otel.Tracer("telegram/handleMessage")
	ctx, span := tracer.Start(ctx, "handleMessage")
	defer span.End()

	// Only process text messages from users
	if message.From == nil || message.Chat == nil || message.Text == "" {
		return
	}

	user := message.From
	span.SetAttributes(
		attribute.Int64("user.id", user.ID),
		attribute.String("user.username", user.UserName),
		attribute.Bool("message.command", message.IsCommand()),
	)

	t.logger.Logger(ctx).Info("[Telegram] Received message",
		zap.Int64("user_id", user.ID),
		zap.String("username", user.UserName),
		zap.Int("length", len(message.Text)),
	)

	if err := t.learners.SetupLearner(ctx, postgres.SetupLearnerProps{
		TelegramUserID:    user.ID,
		TelegramUsername:  user.UserName,
		TelegramFirstName: user.FirstName,
		TelegramLastName:  user.LastName,
	}); err != nil {
		span.RecordError(err)
		t.reply(ctx, message.Chat.ID, modelapi.GENERIC_APOLOGY)
		return
	}

	if message.IsCommand() {
		switch message.Command() {
		case "start":
			t.startSession(ctx, message)
		case "stop":
			t.stopSession(ctx, message)
		default:
			t.reply(ctx, message.Chat.ID, helpText)
		}
		return
	}

	sessionID, err := t.learners.ActiveSession(ctx, user.ID)
	if err != nil {
		span.RecordError(err)
		t.logger.Logger(ctx).Error("[Telegram] Could not look up session", zap.Int64("user_id", user.ID), zap.Error(err))
		t.reply(ctx, message.Chat.ID, modelapi.GENERIC_APOLOGY)
		return
	}
	if sessionID == "" {
		t.reply(ctx, message.Chat.ID, helpText)
		return
	}

	t.typing(message.Chat.ID)
	reply, err := t.sessions.HandleTurn(ctx, sessionID, message.Text)
	if err != nil {
		span.RecordError(err)
		t.turnFailed(ctx, message, sessionID, err)
		return
	}
	t.deliver(ctx, message, reply)
}

func (t *Telegram) startSession(ctx context.Context, message *tgbotapi.Message) {
	userID := message.From.ID
	s, reply, err := t.sessions.Start(ctx, session.StartOptions{LearnerID: strconv.FormatInt(userID, 10)})
	if err != nil {
		t.logger.Logger(ctx).Error("[Telegram] Could not start session", zap.Int64("user_id", userID), zap.Error(err))
		t.reply(ctx, message.Chat.ID, modelapi.GENERIC_APOLOGY)
		return
	}
	if err := t.learners.SetActiveSession(ctx, userID, s.ID); err != nil {
		t.logger.Logger(ctx).Error("[Telegram] Could not bind session", zap.Int64("user_id", userID), zap.Error(err))
		t.reply(ctx, message.Chat.ID, modelapi.GENERIC_APOLOGY)
		return
	}
	t.reply(ctx, message.Chat.ID, reply.Text)
}

func (t *Telegram) stopSession(ctx context.Context, message *tgbotapi.Message) {
	userID := message.From.ID
	sessionID, err := t.learners.ActiveSession(ctx, userID)
	if err != nil || sessionID == "" {
		t.reply(ctx, message.Chat.ID, helpText)
		return
	}
	reply, err := t.sessions.Stop(ctx, sessionID)
	if err != nil {
		t.turnFailed(ctx, message, sessionID, err)
		return
	}
	t.deliver(ctx, message, reply)
}

func (t *Telegram) turnFailed(ctx context.Context, message *tgbotapi.Message, sessionID string, err error) {
	log := t.logger.Logger(ctx).With(zap.String("session_id", sessionID), zap.Error(err))
	switch {
	case errors.Is(err, coacherr.ErrNotFound):
		log.Warn("[Telegram] Session is gone, unbinding")
		t.unbind(ctx, message.From.ID)
		t.reply(ctx, message.Chat.ID, helpText)
	case errors.Is(err, coacherr.ErrInvariantViolation):
		log.Info("[Telegram] Message not allowed in current mode")
		t.reply(ctx, message.Chat.ID, "That is not possible right now. "+helpText)
	default:
		log.Error("[Telegram] Failed to generate response")
		t.reply(ctx, message.Chat.ID, modelapi.GENERIC_APOLOGY)
	}
}

// deliver sends the reply, humanizing customer lines, and releases finished sessions.
func (t *Telegram) deliver(ctx context.Context, message *tgbotapi.Message, reply session.Reply) {
	text := reply.Text
	if t.humanize != nil && reply.Mode == session.ModeRoleplay {
		text = t.humanize.WithSeed(t.humanize.Seed ^ uint64(message.MessageID)).Apply(text)
	}
	t.reply(ctx, message.Chat.ID, text)
	if reply.Finished {
		t.unbind(ctx, message.From.ID)
	}
}

func (t *Telegram) unbind(ctx context.Context, userID int64) {
	if err := t.learners.SetActiveSession(ctx, userID, ""); err != nil {
		t.logger.Logger(ctx).Error("[Telegram] Could not unbind session", zap.Int64("user_id", userID), zap.Error(err))
	}
}

func (t *Telegram) typing(chatID int64) {
	_, _ = t.out.Send(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
}

func (t *Telegram) reply(ctx context.Context, chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.out.Send(msg); err != nil {
		t.logger.Logger(ctx).Error("[Telegram] Failed to send response", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}
