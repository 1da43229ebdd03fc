package telegram

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salescoachdev/coacherr"
	"salescoachdev/humanize"
	"salescoachdev/logger"
	"salescoachdev/modelapi"
	"salescoachdev/session"
)

type fakeSender struct {
	texts []string
	sent  int
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent++
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.texts = append(f.texts, msg.Text)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) last() string {
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

type fakeSessions struct {
	started []string
	turns   []string
	reply   session.Reply
	err     error
}

func (f *fakeSessions) Start(_ context.Context, opts session.StartOptions) (session.Session, session.Reply, error) {
	f.started = append(f.started, opts.LearnerID)
	return session.Session{ID: "s-1"}, session.Reply{SessionID: "s-1", Mode: session.ModeIntroBriefing, Text: "Welcome to the training."}, nil
}

func (f *fakeSessions) HandleTurn(_ context.Context, id, message string) (session.Reply, error) {
	f.turns = append(f.turns, id+":"+message)
	return f.reply, f.err
}

func (f *fakeSessions) Stop(_ context.Context, id string) (session.Reply, error) {
	return session.Reply{SessionID: id, Mode: session.ModeFeedbackReview, Text: "Roleplay finished.", Finished: true}, nil
}

func newTestBot(sessions *fakeSessions, policy *humanize.Policy) (*Telegram, *fakeSender, *MemoryLearners) {
	out := &fakeSender{}
	learners := NewMemoryLearners()
	t := newTelegram(TelegramConnectProps{
		Logger:   logger.Nop(),
		Sessions: sessions,
		Learners: learners,
		Humanize: policy,
	}, out)
	return t, out, learners
}

func textMessage(id int, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: id,
		From:      &tgbotapi.User{ID: 42, UserName: "sam", FirstName: "Sam"},
		Chat:      &tgbotapi.Chat{ID: 42},
		Text:      text,
	}
}

func commandMessage(id int, command string) *tgbotapi.Message {
	msg := textMessage(id, "/"+command)
	msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(command) + 1}}
	return msg
}

func TestStartBindsSessionToChat(t *testing.T) {
	ctx := context.Background()
	sessions := &fakeSessions{}
	bot, out, learners := newTestBot(sessions, nil)

	bot.handleMessage(ctx, commandMessage(1, "start"))

	assert.Equal(t, []string{"42"}, sessions.started)
	assert.Equal(t, "Welcome to the training.", out.last())
	active, err := learners.ActiveSession(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "s-1", active)
}

func TestTextWithoutSessionAsksForStart(t *testing.T) {
	sessions := &fakeSessions{}
	bot, out, _ := newTestBot(sessions, nil)

	bot.handleMessage(context.Background(), textMessage(1, "hello"))

	assert.Empty(t, sessions.turns)
	assert.Equal(t, helpText, out.last())
}

func TestRoleplayRepliesAreHumanized(t *testing.T) {
	ctx := context.Background()
	sessions := &fakeSessions{reply: session.Reply{Mode: session.ModeRoleplay, Text: "That sounds expensive."}}
	policy := &humanize.Policy{Rate: 1, Fillers: []string{"Hmm"}}
	bot, out, learners := newTestBot(sessions, policy)
	require.NoError(t, learners.SetActiveSession(ctx, 42, "s-9"))

	bot.handleMessage(ctx, textMessage(3, "Our system pays for itself."))

	assert.Equal(t, []string{"s-9:Our system pays for itself."}, sessions.turns)
	assert.Equal(t, "Hmm... that sounds expensive.", out.last())
}

func TestBriefingRepliesAreNotHumanized(t *testing.T) {
	ctx := context.Background()
	sessions := &fakeSessions{reply: session.Reply{Mode: session.ModeContextGathering, Text: "Which sector do you sell in?"}}
	bot, out, learners := newTestBot(sessions, &humanize.Policy{Rate: 1})
	require.NoError(t, learners.SetActiveSession(ctx, 42, "s-9"))

	bot.handleMessage(ctx, textMessage(3, "ready"))

	assert.Equal(t, "Which sector do you sell in?", out.last())
}

func TestStopDeliversFeedbackAndUnbinds(t *testing.T) {
	ctx := context.Background()
	bot, out, learners := newTestBot(&fakeSessions{}, nil)
	require.NoError(t, learners.SetActiveSession(ctx, 42, "s-9"))

	bot.handleMessage(ctx, commandMessage(4, "stop"))

	assert.Equal(t, "Roleplay finished.", out.last())
	active, err := learners.ActiveSession(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestStopWithoutSession(t *testing.T) {
	bot, out, _ := newTestBot(&fakeSessions{}, nil)

	bot.handleMessage(context.Background(), commandMessage(4, "stop"))

	assert.Equal(t, helpText, out.last())
}

func TestTurnErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing session unbinds", func(t *testing.T) {
		sessions := &fakeSessions{err: coacherr.New(coacherr.KindNotFound, "session.Get", errors.New("no such session"))}
		bot, out, learners := newTestBot(sessions, nil)
		require.NoError(t, learners.SetActiveSession(ctx, 42, "gone"))

		bot.handleMessage(ctx, textMessage(5, "hello"))

		assert.Equal(t, helpText, out.last())
		active, _ := learners.ActiveSession(ctx, 42)
		assert.Empty(t, active)
	})

	t.Run("provider failure keeps binding", func(t *testing.T) {
		sessions := &fakeSessions{err: coacherr.Provider("session.HandleTurn", context.DeadlineExceeded)}
		bot, out, learners := newTestBot(sessions, nil)
		require.NoError(t, learners.SetActiveSession(ctx, 42, "s-9"))

		bot.handleMessage(ctx, textMessage(5, "hello"))

		assert.Equal(t, modelapi.GENERIC_APOLOGY, out.last())
		active, _ := learners.ActiveSession(ctx, 42)
		assert.Equal(t, "s-9", active)
	})
}

func TestIgnoresNonTextMessages(t *testing.T) {
	bot, out, _ := newTestBot(&fakeSessions{}, nil)

	bot.handleMessage(context.Background(), &tgbotapi.Message{MessageID: 1, From: &tgbotapi.User{ID: 1}, Chat: &tgbotapi.Chat{ID: 1}})

	assert.Empty(t, out.texts)
}

func TestCallbackQueriesAreIgnored(t *testing.T) {
	sessions := &fakeSessions{}
	bot, out, _ := newTestBot(sessions, nil)

	bot.handleUpdate(context.Background(), tgbotapi.Update{
		UpdateID:      7,
		CallbackQuery: &tgbotapi.CallbackQuery{ID: "q-1", From: &tgbotapi.User{ID: 42}, Data: "start"},
	})

	assert.Zero(t, out.sent)
	assert.Empty(t, sessions.started)
	assert.Empty(t, sessions.turns)
}
