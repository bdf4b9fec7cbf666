package engine

import (
	"github.com/go-telegram/bot/models"

	"companion/internal/domain"
)

// optionKeyboard lays options out perRow buttons per row, each sending
// prefix+value as callback data.
func optionKeyboard(prefix string, opts []domain.Option, perRow int) *models.InlineKeyboardMarkup {
	rows := make([][]models.InlineKeyboardButton, 0, (len(opts)+perRow-1)/perRow)
	for i := 0; i < len(opts); i += perRow {
		end := min(i+perRow, len(opts))
		row := make([]models.InlineKeyboardButton, 0, end-i)
		for _, o := range opts[i:end] {
			row = append(row, models.InlineKeyboardButton{Text: o.Label, CallbackData: prefix + o.Value})
		}
		rows = append(rows, row)
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// linkKeyboard is a single URL button, optionally followed by a stop button.
func linkKeyboard(label, url string, withStop bool) *models.InlineKeyboardMarkup {
	rows := [][]models.InlineKeyboardButton{
		{{Text: label, URL: url}},
	}
	if withStop {
		rows = append(rows, []models.InlineKeyboardButton{stopButton()})
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func stopButton() models.InlineKeyboardButton {
	return models.InlineKeyboardButton{Text: "Stop reminders", CallbackData: cbStop}
}

func channelKeyboard(channelURL string) *models.InlineKeyboardMarkup {
	var rows [][]models.InlineKeyboardButton
	if channelURL != "" {
		rows = append(rows, []models.InlineKeyboardButton{{Text: "Open the channel", URL: channelURL}})
	}
	rows = append(rows, []models.InlineKeyboardButton{{Text: "I've subscribed", CallbackData: cbChannelConfirmed}})
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}
