package engine

import "strings"

const (
	cmdStart = "/start"
	cmdStop  = "/stop"
)

// Callback data sent by inline buttons.
const (
	cbChannelConfirmed = "channel_confirmed"
	cbStop             = "stop"
	cbTopic            = "onboard_topic:"
	cbFrequency        = "onboard_freq:"
	cbConciergeFormat  = "concierge_format:"
	cbConciergeTime    = "concierge_time:"
	cbConciergeGoal    = "concierge_goal:"
)

// parseCommand splits "/cmd[@bot] arg ..." into the lower-cased command and
// its first argument.
func parseCommand(text string) (cmd, arg string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	fields := strings.Fields(text)
	cmd = fields[0]
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	if len(fields) > 1 {
		arg = fields[1]
	}
	return strings.ToLower(cmd), arg, true
}
