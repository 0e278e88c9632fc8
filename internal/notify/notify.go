// Package notify implements the rate-limited outbound notification channel
// (C3): five message shapes plus framing shapes, per-category cooldowns, a
// time-gated heartbeat, and a calendar-gated daily report. Delivery is
// fire-and-forget — failures are logged, never escalated to the caller.
//
// Grounded in yohannesjx-sniperterminal's notification_service.go (Telegram
// bot via go-telegram-bot-api, async Notify, chat-ID bootstrap), generalized
// from a single approval-flow bot into the category-cooldown table spec.md
// requires.
package notify

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Category identifies an alert cooldown bucket.
type Category string

const (
	CategorySystemError Category = "system_error"
	CategoryReject      Category = "reject"
	CategoryGeneric     Category = "generic"
)

// Config carries the credentials spec.md §6.3 names (BOT_TOKEN, CHAT_ID).
type Config struct {
	BotToken           string
	ChatID             int64
	HeartbeatInterval  time.Duration // default 1h
	AlertCooldown      time.Duration // default 10m
	DailyReportHour    int           // hour (in Location) the report window opens; zero value is hour 0
	DailyReportWindow  time.Duration // width of the window, default 1h
	Location           *time.Location
}

// Notifier delivers the five message shapes over Telegram, fire-and-forget.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64

	heartbeatInterval time.Duration
	alertCooldown     time.Duration
	reportHour        int
	reportWindow      time.Duration
	loc               *time.Location

	mu               sync.Mutex
	lastHeartbeat    time.Time
	lastCooldown     map[Category]time.Time
	lastDailyReport  time.Time
}

// New constructs a Notifier. A missing BotToken disables delivery (every
// send becomes a no-op log line) rather than failing construction, matching
// the teacher's "notifications disabled" posture for a best-effort sink.
func New(cfg Config) *Notifier {
	n := &Notifier{
		chatID:            cfg.ChatID,
		heartbeatInterval: orDefault(cfg.HeartbeatInterval, time.Hour),
		alertCooldown:     orDefault(cfg.AlertCooldown, 10*time.Minute),
		reportHour:        cfg.DailyReportHour,
		reportWindow:      orDefault(cfg.DailyReportWindow, time.Hour),
		loc:               cfg.Location,
		lastCooldown:      map[Category]time.Time{},
	}
	if n.loc == nil {
		n.loc = time.UTC
	}
	if cfg.BotToken == "" {
		log.Printf("[WARN] notify: BOT_TOKEN not set, notifications disabled")
		return n
	}
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Printf("[WARN] notify: failed to init telegram bot: %v", err)
		return n
	}
	n.bot = bot
	return n
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (n *Notifier) send(text string) {
	if n.bot == nil || n.chatID == 0 {
		log.Printf("[NOTIFY] %s", text)
		return
	}
	go func() {
		msg := tgbotapi.NewMessage(n.chatID, text)
		if _, err := n.bot.Send(msg); err != nil {
			log.Printf("[WARN] notify: delivery failed: %v", err)
		}
	}()
}

// Startup sends the framing startup notification.
func (n *Notifier) Startup(symbols []string) {
	n.send(fmt.Sprintf("[STARTUP] tracking %d symbols: %v", len(symbols), symbols))
}

// Shutdown sends the framing shutdown notification with run totals.
func (n *Notifier) Shutdown(totalTrades, winningTrades int, totalPnLPct float64) {
	n.send(fmt.Sprintf("[SHUTDOWN] trades=%d wins=%d pnl_pct=%.2f", totalTrades, winningTrades, totalPnLPct))
}

// PositionsRecovered enumerates symbols whose state was reconstructed from
// venue positions at init (spec.md §9 Open Question: always emitted).
func (n *Notifier) PositionsRecovered(symbols []string) {
	n.send(fmt.Sprintf("[POSITIONS_RECOVERED] %v", symbols))
}

// Heartbeat delivers at most once per HeartbeatInterval (default 1h).
func (n *Notifier) Heartbeat(status string, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.lastHeartbeat.IsZero() && now.Sub(n.lastHeartbeat) < n.heartbeatInterval {
		return
	}
	n.lastHeartbeat = now
	n.send(fmt.Sprintf("[HEARTBEAT] %s", status))
}

// DailyReport delivers at most once per local-calendar day, and only inside
// the configured hour window.
func (n *Notifier) DailyReport(report string, now time.Time) {
	local := now.In(n.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), n.reportHour, 0, 0, 0, n.loc)
	if local.Before(start) || !local.Before(start.Add(n.reportWindow)) {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if sameDay(n.lastDailyReport, local) {
		return
	}
	n.lastDailyReport = local
	n.send(fmt.Sprintf("[DAILY_REPORT] %s", report))
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Entry, Exit, AddPosition are the three trade-event message shapes.
func (n *Notifier) Entry(symbol, side string, qty, price float64) {
	n.send(fmt.Sprintf("[ENTRY] %s %s qty=%.6f price=%.4f", symbol, side, qty, price))
}

func (n *Notifier) Exit(symbol, reason string, qty, price float64, pnl float64) {
	n.send(fmt.Sprintf("[EXIT] %s reason=%s qty=%.6f price=%.4f pnl=%.2f", symbol, reason, qty, price, pnl))
}

func (n *Notifier) AddPosition(symbol string, addQty, price float64, addCount int) {
	n.send(fmt.Sprintf("[ADD] %s qty=%.6f price=%.4f add_count=%d", symbol, addQty, price, addCount))
}

// Alert delivers a category-gated alert: a second alert in the same
// category inside the cooldown window is dropped silently (no queueing).
func (n *Notifier) Alert(category Category, body string, now time.Time) {
	n.mu.Lock()
	last, ok := n.lastCooldown[category]
	if ok && now.Sub(last) < n.alertCooldown {
		n.mu.Unlock()
		return
	}
	n.lastCooldown[category] = now
	n.mu.Unlock()
	n.send(fmt.Sprintf("[ALERT:%s] %s", category, body))
}

// ChatIDFromString parses the CHAT_ID env value; used by config wiring.
func ChatIDFromString(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
