package engine

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"companion/internal/domain"
	"companion/internal/links"
)

type introFunc func(d *Dispatcher, s domain.Session, now time.Time) (domain.Session, Reply)

// intros maps every flow to the message sent once onboarding is done. A new
// flow needs an entry here; TestIntros_CoverEveryFlow enforces it.
var intros = map[domain.Flow]introFunc{
	domain.FlowPlan7D:       (*Dispatcher).introSeries,
	domain.FlowChallenge7D:  (*Dispatcher).introSeries,
	domain.FlowSaveResource: (*Dispatcher).introSaveResource,
	domain.FlowPrep:         (*Dispatcher).introPrep,
	domain.FlowRitual:       (*Dispatcher).introRitual,
	domain.FlowBoundaries:   (*Dispatcher).introBoundaries,
	domain.FlowFavorites:    (*Dispatcher).introFavorites,
	domain.FlowConcierge:    (*Dispatcher).introConcierge,
	domain.FlowQuestion:     (*Dispatcher).introQuestion,
}

// intro composes the first substantive message for s.Flow and returns the
// session with any series scheduling recorded.
func (d *Dispatcher) intro(s domain.Session, now time.Time) (domain.Session, Reply) {
	fn, ok := intros[s.Flow]
	if !ok {
		return s.WithState(domain.StateIdle), Reply{Text: "All set! I'll be here when you need me."}
	}
	return fn(d, s, now)
}

func (d *Dispatcher) link(s domain.Session, path string) string {
	return d.links.Build(path, links.Params{
		Medium:     s.Target,
		Flow:       s.Flow,
		Topic:      s.Topic,
		DeepLinkID: s.DeepLinkID,
	})
}

// remind records a one-shot reminder for the flow.
func (d *Dispatcher) remind(s domain.Session, now time.Time) domain.Session {
	return s.WithSeries(string(s.Flow)+"_reminder", 1, now.Add(d.settings.ReminderDelay), string(s.Flow)+"_intro")
}

// planDayOne holds the first practice of each 7-day series, by topic.
var planDayOne = map[string]string{
	"anxiety":       "Three times today, pause and name five things you can see. It brings attention back to the present.",
	"burnout":       "Notice one task today you can drop or postpone, and let it go without guilt.",
	"relationships": "Think of one person close to you and write down one thing you appreciate about them.",
	"boundaries":    "Notice one moment today when you said yes but meant no. Just notice it, no need to change anything yet.",
	"self_esteem":   "Before bed, write down three things you did well today, however small.",
}

const planDayOneDefault = "Take five minutes today to sit quietly and notice how you feel, without judging it."

func (d *Dispatcher) introSeries(s domain.Session, now time.Time) (domain.Session, Reply) {
	seriesType := string(s.Flow)
	title := "Day 1 of your 7-day plan"
	if s.Flow == domain.FlowChallenge7D {
		title = "Day 1 of the 7-day challenge"
	}
	practice, ok := planDayOne[s.Topic]
	if !ok {
		practice = planDayOneDefault
	}

	next := s.WithState(domain.StateIdle).
		WithSeries(seriesType, 1, now.Add(d.settings.SeriesDelay), seriesType+"_day_1")
	return next, Reply{
		Text:     fmt.Sprintf("%s\n\n%s\n\nI'll send the next step tomorrow.", title, practice),
		Keyboard: linkKeyboard("Open the plan", d.link(s, links.PathPlan), true),
	}
}

func (d *Dispatcher) introSaveResource(s domain.Session, now time.Time) (domain.Session, Reply) {
	path := links.PathResources
	switch {
	case s.SourcePage != "" && links.SafePath(s.SourcePage) == s.SourcePage:
		path = s.SourcePage
	case s.EntityRef != "":
		path = links.PathResources + "/" + url.PathEscape(s.EntityRef)
	}
	return d.remind(s.WithState(domain.StateIdle), now), Reply{
		Text:     "Saved! The material is waiting for you here. I'll remind you about it tomorrow.",
		Keyboard: linkKeyboard("Open the material", d.link(s, path), true),
	}
}

func (d *Dispatcher) introPrep(s domain.Session, _ time.Time) (domain.Session, Reply) {
	text := "Here is a short checklist to prepare for your first session: what worries you most, what you'd like to change, and any questions for the psychologist."
	if s.Topic != "" {
		text = fmt.Sprintf("Preparing for a session about %s. %s",
			strings.ToLower(domain.TopicLabel(s.Topic)),
			"Jot down what worries you most, what you'd like to change, and any questions for the psychologist.")
	}
	return s.WithState(domain.StateIdle), Reply{
		Text:     text,
		Keyboard: linkKeyboard("Open the checklist", d.link(s, links.PathPrep), false),
	}
}

// aboutTopic prefixes text with the session topic, when there is one.
func aboutTopic(s domain.Session, text string) string {
	if s.Topic == "" {
		return text
	}
	return fmt.Sprintf("For %s: %s", strings.ToLower(domain.TopicLabel(s.Topic)), text)
}

func (d *Dispatcher) introRitual(s domain.Session, now time.Time) (domain.Session, Reply) {
	return d.remind(s.WithState(domain.StateIdle), now), Reply{
		Text:     aboutTopic(s, "Your evening ritual: ten slow breaths, one thing you're grateful for, and one kind word to yourself. I'll check in with you tomorrow."),
		Keyboard: linkKeyboard("Open the ritual", d.link(s, links.PathRituals), true),
	}
}

func (d *Dispatcher) introBoundaries(s domain.Session, now time.Time) (domain.Session, Reply) {
	return d.remind(s.WithState(domain.StateIdle), now), Reply{
		Text:     aboutTopic(s, "Boundaries start with noticing. Here are a few phrases that help you say no calmly. I'll check in with you tomorrow."),
		Keyboard: linkKeyboard("Open the boundaries guide", d.link(s, links.PathBoundary), true),
	}
}

func (d *Dispatcher) introFavorites(s domain.Session, _ time.Time) (domain.Session, Reply) {
	return s.WithState(domain.StateIdle), Reply{
		Text:     "Everything you've saved is collected in your favorites.",
		Keyboard: linkKeyboard("Open favorites", d.link(s, links.PathFavorites), false),
	}
}

func (d *Dispatcher) introConcierge(s domain.Session, _ time.Time) (domain.Session, Reply) {
	return s.WithState(domain.StateConciergeFormat), conciergeFormatPrompt()
}

func (d *Dispatcher) introQuestion(s domain.Session, _ time.Time) (domain.Session, Reply) {
	text := "Thank you for your question! A psychologist will read it. If you'd like to discuss it in person, you can book a session."
	if s.EntityRef != "" {
		text = fmt.Sprintf("Thank you for your question (#%s)! A psychologist will read it. If you'd like to discuss it in person, you can book a session.", s.EntityRef)
	}
	return s.WithState(domain.StateIdle), Reply{
		Text:     text,
		Keyboard: linkKeyboard("Book a session", d.link(s, links.PathBooking), false),
	}
}

// Concierge choices, asked in order format -> time -> goal.
var (
	conciergeFormats = []domain.Option{
		{Value: "online", Label: "Online"},
		{Value: "offline", Label: "In person"},
		{Value: "any", Label: "Either works"},
	}
	conciergeTimes = []domain.Option{
		{Value: "morning", Label: "Morning"},
		{Value: "afternoon", Label: "Afternoon"},
		{Value: "evening", Label: "Evening"},
		{Value: "weekend", Label: "Weekend"},
	}
	conciergeGoals = []domain.Option{
		{Value: "first_consultation", Label: "A first consultation"},
		{Value: "regular_sessions", Label: "Regular sessions"},
		{Value: "one_question", Label: "One specific question"},
	}
)

func conciergeFormatPrompt() Reply {
	return Reply{
		Text:     "Let's find you a session. Which format suits you?",
		Keyboard: optionKeyboard(cbConciergeFormat, conciergeFormats, 1),
	}
}

func conciergeTimePrompt() Reply {
	return Reply{
		Text:     "What time is usually convenient?",
		Keyboard: optionKeyboard(cbConciergeTime, conciergeTimes, 2),
	}
}

func conciergeGoalPrompt() Reply {
	return Reply{
		Text:     "And what are you looking for?",
		Keyboard: optionKeyboard(cbConciergeGoal, conciergeGoals, 1),
	}
}

func optionLabel(opts []domain.Option, v string) string {
	for _, o := range opts {
		if o.Value == v {
			return o.Label
		}
	}
	return v
}

func (d *Dispatcher) conciergeSummary(s domain.Session) Reply {
	text := fmt.Sprintf("Thanks! Here is what I noted:\nFormat: %s\nTime: %s\nGoal: %s\n\nPick a convenient slot:",
		optionLabel(conciergeFormats, s.Concierge[domain.ConciergeFormat]),
		optionLabel(conciergeTimes, s.Concierge[domain.ConciergeTime]),
		optionLabel(conciergeGoals, s.Concierge[domain.ConciergeGoal]),
	)
	return Reply{
		Text:     text,
		Keyboard: linkKeyboard("Book a session", d.link(s, links.PathBooking), false),
	}
}

func (d *Dispatcher) channelConfirmationReply() Reply {
	return Reply{
		Text:     "Subscribe to our channel, then tap the button below so I know you're in.",
		Keyboard: channelKeyboard(d.settings.ChannelURL),
	}
}

func startOverReply() Reply {
	return Reply{Text: "Let's start over: send /start to begin."}
}

func buttonsOnlyReply() Reply {
	return Reply{Text: "For now I only understand the buttons. Send /start to begin again or /stop to turn me off."}
}

func stoppedReply() Reply {
	return Reply{Text: "Done, I won't send you anything else. Send /start whenever you want to come back."}
}

func alreadyStoppedReply() Reply {
	return Reply{Text: "You have nothing running right now. Send /start whenever you want to come back."}
}

func alreadyConfirmedReply() Reply {
	return Reply{Text: "Your subscription is already confirmed."}
}

func staleButtonReply() Reply {
	return Reply{Text: "That button is no longer active. Use the latest message, or send /start to begin again."}
}
