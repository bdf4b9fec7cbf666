package domain

// State is the position of a session in the conversation state machine.
type State string

const (
	StateIdle                State = "idle"
	StateChannelConfirmation State = "channel_confirmation"
	StateOnboardingTopic     State = "onboarding_topic"
	StateOnboardingFrequency State = "onboarding_frequency"
	StateConciergeFormat     State = "concierge_format"
	StateConciergeTime       State = "concierge_time"
	StateConciergeGoal       State = "concierge_goal"
)
