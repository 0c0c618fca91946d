// Package telegram pushes risk alerts and emergency stops to an operator chat
// and asks that chat to approve LIVE starts.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"forex-trading-bot/internal/events"
	"forex-trading-bot/internal/interfaces"
	"forex-trading-bot/internal/logger"
	"forex-trading-bot/internal/types"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
)

const (
	confirmPrefix = "CONF::"
	rejectPrefix  = "REJ::"
)

// botAPI is the part of *tgbot.BotAPI the sink uses.
type botAPI interface {
	Send(c tgbot.Chattable) (tgbot.Message, error)
	Request(c tgbot.Chattable) (*tgbot.APIResponse, error)
	GetUpdatesChan(u tgbot.UpdateConfig) tgbot.UpdatesChannel
	StopReceivingUpdates()
}

var _ botAPI = (*tgbot.BotAPI)(nil)

type Params struct {
	Token  string
	ChatID int64
	// ConfirmTimeout bounds how long Confirm waits for a button press.
	ConfirmTimeout time.Duration
}

// Operator is the safety surface reachable from chat commands.
type Operator interface {
	EmergencyStop(ctx context.Context, kind types.StopKind, message string)
	ClearEmergencyStop(ctx context.Context) bool
}

type pending struct {
	ch    chan bool
	msgID int
}

// Telegram implements interfaces.Confirmer and forwards bus alerts.
type Telegram struct {
	bot     botAPI
	chatID  int64
	timeout time.Duration

	mu        sync.Mutex
	pendings  map[string]*pending
	lastState string
	operator  Operator
}

var _ interfaces.Confirmer = (*Telegram)(nil)

func New(p Params) (*Telegram, error) {
	b, err := tgbot.NewBotAPI(p.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}
	return newWithBot(b, p), nil
}

func newWithBot(b botAPI, p Params) *Telegram {
	if p.ConfirmTimeout <= 0 {
		p.ConfirmTimeout = 2 * time.Minute
	}
	return &Telegram{
		bot:      b,
		chatID:   p.ChatID,
		timeout:  p.ConfirmTimeout,
		pendings: make(map[string]*pending),
	}
}

// SetOperator enables the /stop and /clear commands.
func (t *Telegram) SetOperator(op Operator) {
	t.mu.Lock()
	t.operator = op
	t.mu.Unlock()
}

// Start forwards alerts from bus and listens for button presses until ctx is
// done.
func (t *Telegram) Start(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe(64, events.KindRiskAlert, events.KindSafetyStateChanged)
	go t.forward(ctx, ch, cancel)

	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)
	go t.listen(ctx, updates)
}

func (t *Telegram) forward(ctx context.Context, ch <-chan events.Event, cancel func()) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			text := t.format(ev)
			if text == "" {
				continue
			}
			if _, err := t.bot.Send(tgbot.NewMessage(t.chatID, text)); err != nil {
				logger.Warn(ctx, "Telegram send failed", "kind", ev.Kind, "error", err)
			}
		}
	}
}

// format renders ev for the chat. An empty string means nothing to send.
func (t *Telegram) format(ev events.Event) string {
	switch p := ev.Payload.(type) {
	case events.RiskAlert:
		return fmt.Sprintf("⚠️ [%s] %s\n%s", strings.ToUpper(string(p.Severity)), p.Reason, p.Message)
	case events.SafetyStateChanged:
		if p.Stop != nil {
			t.setState(p.State)
			return fmt.Sprintf("🛑 Emergency stop (%s)\n%s", p.Stop.Kind, p.Stop.Message)
		}
		if !t.setState(p.State) {
			return ""
		}
		return fmt.Sprintf("ℹ️ Trading state: %s (%s)", p.State, p.Safety.Environment)
	}
	return ""
}

// setState records state and reports whether it changed.
func (t *Telegram) setState(state string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastState == state {
		return false
	}
	t.lastState = state
	return true
}

func (t *Telegram) listen(ctx context.Context, updates tgbot.UpdatesChannel) {
	defer t.bot.StopReceivingUpdates()
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			switch {
			case upd.CallbackQuery != nil:
				t.handleCallback(ctx, upd.CallbackQuery)
			case upd.Message != nil && upd.Message.IsCommand():
				t.handleCommand(ctx, upd.Message)
			}
		}
	}
}

func (t *Telegram) handleCommand(ctx context.Context, m *tgbot.Message) {
	if m.Chat == nil || m.Chat.ID != t.chatID {
		return
	}
	t.mu.Lock()
	op := t.operator
	t.mu.Unlock()
	if op == nil {
		return
	}

	var reply string
	switch m.Command() {
	case "stop":
		who := "operator"
		if m.From != nil && m.From.UserName != "" {
			who = "@" + m.From.UserName
		}
		logger.Warn(ctx, "Emergency stop requested from Telegram", "by", who)
		op.EmergencyStop(ctx, types.StopManual, "stopped from Telegram by "+who)
		reply = "🛑 Emergency stop raised. Positions are being closed."
	case "clear":
		if op.ClearEmergencyStop(ctx) {
			reply = "✅ Emergency stop cleared. Restart trading to resume."
		} else {
			reply = "⛔️ This stop cannot be cleared until the next trading day."
		}
	default:
		reply = "Commands: /stop, /clear"
	}
	if _, err := t.bot.Send(tgbot.NewMessage(t.chatID, reply)); err != nil {
		logger.Warn(ctx, "Telegram send failed", "command", m.Command(), "error", err)
	}
}

func (t *Telegram) handleCallback(ctx context.Context, cq *tgbot.CallbackQuery) {
	if cq.Message == nil || cq.Message.Chat == nil || cq.Message.Chat.ID != t.chatID {
		return
	}
	var (
		token  string
		answer bool
	)
	switch {
	case strings.HasPrefix(cq.Data, confirmPrefix):
		token, answer = strings.TrimPrefix(cq.Data, confirmPrefix), true
	case strings.HasPrefix(cq.Data, rejectPrefix):
		token = strings.TrimPrefix(cq.Data, rejectPrefix)
	default:
		return
	}

	t.mu.Lock()
	p, ok := t.pendings[token]
	delete(t.pendings, token)
	t.mu.Unlock()

	reply := "Expired"
	if ok {
		p.ch <- answer
		reply = "Rejected"
		if answer {
			reply = "Confirmed"
		}
	}
	if _, err := t.bot.Request(tgbot.NewCallback(cq.ID, reply)); err != nil {
		logger.Debug(ctx, "Telegram callback answer failed", "error", err)
	}
}

// Confirm posts prompt with Yes/No buttons and waits for an answer. A timeout
// or a cancelled ctx counts as no.
func (t *Telegram) Confirm(ctx context.Context, prompt string) (bool, error) {
	token := uuid.NewString()
	p := &pending{ch: make(chan bool, 1)}
	t.mu.Lock()
	t.pendings[token] = p
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pendings, token)
		t.mu.Unlock()
	}()

	msg := tgbot.NewMessage(t.chatID, prompt)
	msg.ReplyMarkup = tgbot.NewInlineKeyboardMarkup(tgbot.NewInlineKeyboardRow(
		tgbot.NewInlineKeyboardButtonData("✅ Yes", confirmPrefix+token),
		tgbot.NewInlineKeyboardButtonData("❌ No", rejectPrefix+token),
	))
	sent, err := t.bot.Send(msg)
	if err != nil {
		return false, fmt.Errorf("telegram confirm: %w", err)
	}
	p.msgID = sent.MessageID

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	var (
		ok     bool
		suffix string
	)
	select {
	case ok = <-p.ch:
		suffix = "❌ Rejected"
		if ok {
			suffix = "✅ Confirmed"
		}
	case <-timer.C:
		suffix = "⏳ Timed out"
		logger.Warn(ctx, "Telegram confirmation timed out", "timeout", t.timeout)
	case <-ctx.Done():
		suffix = "⛔️ Cancelled"
	}
	edit := tgbot.NewEditMessageText(t.chatID, p.msgID, fmt.Sprintf("%s\n\n%s", prompt, suffix))
	if _, err := t.bot.Request(edit); err != nil {
		logger.Debug(ctx, "Telegram edit failed", "error", err)
	}
	return ok, nil
}
