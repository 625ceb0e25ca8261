package telegram

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"hintwise/api/internal/session"
	"hintwise/api/internal/util"
)

const (
	header     = "*HintWise*"
	chipArrow  = " ↗"
	chipRows   = 4
	chipPerRow = 2
	maxText    = 4000 // лимит Telegram 4096, оставляем запас на экранирование
	maxChip    = 32
)

// callback data
const (
	cbChipPrefix   = "chip:"
	cbHint         = "hint"
	cbSolution     = "solution"
	cbReset        = "reset"
	cbSettings     = "settings"
	cbSettingsSave = "settings_save"
	cbSettingsBack = "settings_back"
)

// page is one rendered screen: message text plus its inline keyboard.
type page struct {
	Text      string
	ParseMode string
	Keyboard  tgbotapi.InlineKeyboardMarkup
	// Chips is the suggestion list the chip buttons index into.
	Chips []string
}

func (p page) equal(o page) bool {
	return p.Text == o.Text && p.ParseMode == o.ParseMode &&
		reflect.DeepEqual(p.Keyboard, o.Keyboard) && slices.Equal(p.Chips, o.Chips)
}

// renderPage is a pure function of the snapshot and the marquee frame.
func renderPage(s session.Snapshot, frame int) page {
	switch {
	case s.Screen == session.ScreenSettings:
		return renderSettings(s)
	case s.Active:
		return renderWorksheet(s)
	default:
		return renderHome(s, frame)
	}
}

func renderHome(s session.Snapshot, frame int) page {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n\nAsk me anything and I'll guide you with hints instead of answers.\n")
	b.WriteString("Type your question, or tap a suggestion:")
	if strings.TrimSpace(s.APIKey) == "" {
		b.WriteString("\n\n⚠️ No API key yet. Open Settings to add one.")
	}
	if s.Loading.Suggestions {
		b.WriteString("\n\n_Refreshing suggestions…_")
	}

	rows := makeChipRows(s.Suggestions, frame)
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("⚙️ Settings", cbSettings),
	))
	return page{
		Text:      b.String(),
		ParseMode: tgbotapi.ModeMarkdown,
		Keyboard:  tgbotapi.NewInlineKeyboardMarkup(rows...),
		Chips:     slices.Clone(s.Suggestions),
	}
}

// makeChipRows lays the suggestions out as four marquee rows. Each row shows a
// window of chipPerRow chips. The first two rows move left to right as frame grows,
// the last two right to left.
func makeChipRows(items []string, frame int) [][]tgbotapi.InlineKeyboardButton {
	n := len(items)
	if n == 0 {
		return nil
	}
	stride := n / chipRows
	if stride == 0 {
		stride = 1
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, chipRows)
	for r := 0; r < chipRows; r++ {
		start := r*stride - frame
		if r >= chipRows/2 {
			start = r*stride + frame
		}
		btns := make([]tgbotapi.InlineKeyboardButton, 0, chipPerRow)
		for j := 0; j < chipPerRow; j++ {
			idx := mod(start+j, n)
			label := util.Truncate(items[idx], maxChip) + chipArrow
			btns = append(btns, tgbotapi.NewInlineKeyboardButtonData(label, fmt.Sprintf("%s%d", cbChipPrefix, idx)))
		}
		rows = append(rows, btns)
	}
	return rows
}

// chipLabel is what a chip "says": the full suggestion plus the arrow glyph.
func chipLabel(suggestion string) string { return suggestion + chipArrow }

func renderWorksheet(s session.Snapshot) page {
	text := util.Truncate(formatWorksheet(s), maxText)
	return page{Text: text, ParseMode: tgbotapi.ModeMarkdown, Keyboard: makeActionKeyboard(s)}
}

// Нижняя панель действий.
func makeActionKeyboard(s session.Snapshot) tgbotapi.InlineKeyboardMarkup {
	hintLabel := "💡 Another hint"
	switch {
	case s.Cooldown.Active:
		hintLabel = fmt.Sprintf("⏳ Next hint in %ds", s.Cooldown.Remaining)
	case s.Loading.Hint:
		hintLabel = "💡 Thinking…"
	}
	solLabel := "✅ Show solution"
	if s.Loading.Solution {
		solLabel = "✅ Solving…"
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(hintLabel, cbHint),
			tgbotapi.NewInlineKeyboardButtonData(solLabel, cbSolution),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔄 New question", cbReset),
			tgbotapi.NewInlineKeyboardButtonData("⚙️ Settings", cbSettings),
		),
	)
}

func renderSettings(s session.Snapshot) page {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString(" › Settings\n\n")
	if s.APIKey != "" {
		fmt.Fprintf(&b, "🔑 Gemini API key: set (%s)\n", esc(util.Mask(s.APIKey)))
	} else {
		b.WriteString("🔑 Gemini API key: not set\n")
	}
	if d := strings.TrimSpace(s.DraftAPIKey); d != "" && d != s.APIKey {
		fmt.Fprintf(&b, "✏️ New key: %s (not saved yet)\n", esc(util.Mask(d)))
	}
	b.WriteString("\nSend your API key as a message, then tap Save. ")
	b.WriteString("The key is kept in memory only and is forgotten when the bot restarts.")

	kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("💾 Save", cbSettingsSave),
		tgbotapi.NewInlineKeyboardButtonData("⬅️ Back", cbSettingsBack),
	))
	return page{Text: b.String(), ParseMode: tgbotapi.ModeMarkdown, Keyboard: kb}
}

// лёгкое экранирование для legacy Markdown: обратный слэш значим только перед _ * ` [
var mdEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

func esc(s string) string { return mdEscaper.Replace(s) }

func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}
