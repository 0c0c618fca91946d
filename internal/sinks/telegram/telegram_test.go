package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"forex-trading-bot/internal/events"
	"forex-trading-bot/internal/types"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbot.MessageConfig
	requests []tgbot.Chattable
	updates  chan tgbot.Update
}

func newFakeBot() *fakeBot { return &fakeBot{updates: make(chan tgbot.Update, 8)} }

func (f *fakeBot) Send(c tgbot.Chattable) (tgbot.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := c.(tgbot.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbot.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeBot) Request(c tgbot.Chattable) (*tgbot.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbot.APIResponse{Ok: true}, nil
}

func (f *fakeBot) GetUpdatesChan(tgbot.UpdateConfig) tgbot.UpdatesChannel { return f.updates }
func (f *fakeBot) StopReceivingUpdates()                                  {}

func (f *fakeBot) messages() []tgbot.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbot.MessageConfig(nil), f.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func press(chatID int64, data string) tgbot.Update {
	return tgbot.Update{CallbackQuery: &tgbot.CallbackQuery{
		ID:      "cb",
		Data:    data,
		Message: &tgbot.Message{MessageID: 1, Chat: &tgbot.Chat{ID: chatID}},
	}}
}

func TestConfirmYes(t *testing.T) {
	bot := newFakeBot()
	tg := newWithBot(bot, Params{ChatID: 42, ConfirmTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tg.Start(ctx, events.NewBus())

	done := make(chan bool, 1)
	go func() {
		ok, err := tg.Confirm(ctx, "Start LIVE trading?")
		if err != nil {
			t.Error(err)
		}
		done <- ok
	}()

	waitFor(t, func() bool { return len(bot.messages()) == 1 })
	kb, ok := bot.messages()[0].ReplyMarkup.(tgbot.InlineKeyboardMarkup)
	if !ok || len(kb.InlineKeyboard) != 1 || len(kb.InlineKeyboard[0]) != 2 {
		t.Fatalf("reply markup = %#v", bot.messages()[0].ReplyMarkup)
	}
	yes := *kb.InlineKeyboard[0][0].CallbackData
	if !strings.HasPrefix(yes, confirmPrefix) {
		t.Fatalf("yes button data = %q", yes)
	}

	// presses from other chats are ignored
	bot.updates <- press(7, yes)
	bot.updates <- press(42, yes)

	select {
	case ok := <-done:
		if !ok {
			t.Error("confirmation = false, want true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Confirm did not return")
	}
}

func TestConfirmNo(t *testing.T) {
	bot := newFakeBot()
	tg := newWithBot(bot, Params{ChatID: 42, ConfirmTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tg.Start(ctx, events.NewBus())

	done := make(chan bool, 1)
	go func() {
		ok, _ := tg.Confirm(ctx, "go?")
		done <- ok
	}()
	waitFor(t, func() bool { return len(bot.messages()) == 1 })
	kb := bot.messages()[0].ReplyMarkup.(tgbot.InlineKeyboardMarkup)
	bot.updates <- press(42, *kb.InlineKeyboard[0][1].CallbackData)

	if ok := <-done; ok {
		t.Error("confirmation = true, want false")
	}
}

func TestConfirmTimeoutIsNo(t *testing.T) {
	bot := newFakeBot()
	tg := newWithBot(bot, Params{ChatID: 42, ConfirmTimeout: 20 * time.Millisecond})

	ok, err := tg.Confirm(context.Background(), "go?")
	if err != nil || ok {
		t.Fatalf("Confirm = %v, %v; want false, nil", ok, err)
	}
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if len(tg.pendings) != 0 {
		t.Error("pending confirmation left behind")
	}
}

func TestForwardsAlertsAndStops(t *testing.T) {
	bot := newFakeBot()
	tg := newWithBot(bot, Params{ChatID: 42})
	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tg.Start(ctx, bus)

	bus.Publish(ctx, events.PriceUpdated{Price: 1.1})
	bus.Publish(ctx, events.RiskAlert{Severity: events.SeverityHigh, Reason: "daily_loss", Message: "limit hit"})
	bus.Publish(ctx, events.SafetyStateChanged{State: "RUNNING"})
	bus.Publish(ctx, events.SafetyStateChanged{State: "RUNNING"})
	bus.Publish(ctx, events.SafetyStateChanged{State: "EMERGENCY_STOPPED", Stop: &types.EmergencyStopRecord{Kind: types.StopManual, Message: "operator"}})

	waitFor(t, func() bool { return len(bot.messages()) == 3 })
	msgs := bot.messages()
	if !strings.Contains(msgs[0].Text, "[HIGH] daily_loss") {
		t.Errorf("alert text = %q", msgs[0].Text)
	}
	if !strings.Contains(msgs[1].Text, "RUNNING") {
		t.Errorf("state text = %q", msgs[1].Text)
	}
	if !strings.Contains(msgs[2].Text, "Emergency stop") || !strings.Contains(msgs[2].Text, "operator") {
		t.Errorf("stop text = %q", msgs[2].Text)
	}
	for _, m := range msgs {
		if m.ChatID != 42 {
			t.Errorf("sent to chat %d", m.ChatID)
		}
	}
}

type fakeOperator struct {
	mu        sync.Mutex
	stops     []string
	clears    int
	clearable bool
}

func (o *fakeOperator) EmergencyStop(_ context.Context, kind types.StopKind, message string) {
	o.mu.Lock()
	o.stops = append(o.stops, string(kind)+":"+message)
	o.mu.Unlock()
}

func (o *fakeOperator) ClearEmergencyStop(context.Context) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clears++
	return o.clearable
}

func command(chatID int64, text string) tgbot.Update {
	return tgbot.Update{Message: &tgbot.Message{
		Text:     text,
		Chat:     &tgbot.Chat{ID: chatID},
		From:     &tgbot.User{UserName: "desk"},
		Entities: []tgbot.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(text)}},
	}}
}

func TestOperatorCommands(t *testing.T) {
	bot := newFakeBot()
	tg := newWithBot(bot, Params{ChatID: 42})
	op := &fakeOperator{}
	tg.SetOperator(op)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tg.Start(ctx, events.NewBus())

	bot.updates <- command(7, "/stop")
	bot.updates <- command(42, "/stop")
	waitFor(t, func() bool { return len(bot.messages()) == 1 })
	op.mu.Lock()
	stops := append([]string(nil), op.stops...)
	op.mu.Unlock()
	if len(stops) != 1 || stops[0] != "manual:stopped from Telegram by @desk" {
		t.Fatalf("stops = %q", stops)
	}

	bot.updates <- command(42, "/clear")
	waitFor(t, func() bool { return len(bot.messages()) == 2 })
	if !strings.Contains(bot.messages()[1].Text, "cannot be cleared") {
		t.Errorf("clear reply = %q", bot.messages()[1].Text)
	}

	op.mu.Lock()
	op.clearable = true
	op.mu.Unlock()
	bot.updates <- command(42, "/clear")
	waitFor(t, func() bool { return len(bot.messages()) == 3 })
	op.mu.Lock()
	clears := op.clears
	op.mu.Unlock()
	if !strings.Contains(bot.messages()[2].Text, "Restart trading") || clears != 2 {
		t.Errorf("clear reply = %q clears = %d", bot.messages()[2].Text, clears)
	}
}
