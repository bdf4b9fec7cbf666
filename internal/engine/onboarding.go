package engine

import "companion/internal/domain"

// onboard asks the next onboarding question: frequency when the topic is
// already known, the topic picker otherwise.
func onboard(s domain.Session) (domain.Session, Reply) {
	if s.Topic != "" {
		return s.WithState(domain.StateOnboardingFrequency), frequencyPrompt()
	}
	return s.WithState(domain.StateOnboardingTopic), topicPrompt()
}

func topicPrompt() Reply {
	return Reply{
		Text:     "What would you like to work on first? Pick the topic that feels closest.",
		Keyboard: optionKeyboard(cbTopic, domain.Topics, 2),
	}
}

func frequencyPrompt() Reply {
	return Reply{
		Text:     "How often would you like to hear from me?",
		Keyboard: optionKeyboard(cbFrequency, domain.Frequencies, 1),
	}
}
