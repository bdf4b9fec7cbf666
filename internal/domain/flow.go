package domain

// Flow is a named conversational purpose carried by a deep link.
type Flow string

const (
	FlowPlan7D       Flow = "plan_7d"
	FlowChallenge7D  Flow = "challenge_7d"
	FlowSaveResource Flow = "save_resource"
	FlowPrep         Flow = "prep"
	FlowRitual       Flow = "ritual"
	FlowBoundaries   Flow = "boundaries"
	FlowFavorites    Flow = "favorites"
	FlowConcierge    Flow = "concierge"
	FlowQuestion     Flow = "question"
)

// DefaultFlow is used when /start carries no resolvable payload.
const DefaultFlow = FlowConcierge

// AllFlows lists every known flow.
var AllFlows = []Flow{
	FlowPlan7D,
	FlowChallenge7D,
	FlowSaveResource,
	FlowPrep,
	FlowRitual,
	FlowBoundaries,
	FlowFavorites,
	FlowConcierge,
	FlowQuestion,
}

// SkipsOnboarding reports whether the flow sends its intro right after /start
// without asking for topic and frequency.
func (f Flow) SkipsOnboarding() bool {
	switch f {
	case FlowSaveResource, FlowPrep, FlowRitual, FlowBoundaries, FlowFavorites, FlowQuestion:
		return true
	}
	return false
}

// Known reports whether f is one of AllFlows.
func (f Flow) Known() bool {
	for _, k := range AllFlows {
		if k == f {
			return true
		}
	}
	return false
}

// Target says where a deep link sends the user.
type Target string

const (
	TargetBot     Target = "bot"
	TargetChannel Target = "channel"
)

// Topics offered by the onboarding picker, in display order.
var Topics = []Option{
	{Value: "anxiety", Label: "Anxiety"},
	{Value: "burnout", Label: "Burnout"},
	{Value: "relationships", Label: "Relationships"},
	{Value: "boundaries", Label: "Boundaries"},
	{Value: "self_esteem", Label: "Self-esteem"},
	{Value: "other", Label: "Something else"},
}

// Frequencies offered after a topic is known.
var Frequencies = []Option{
	{Value: "weekly_1_2", Label: "1-2 times a week"},
	{Value: "weekly_3_4", Label: "3-4 times a week"},
	{Value: "on_demand", Label: "Only when I ask"},
}

// Option is a single button choice: Value goes into callback data, Label is shown.
type Option struct {
	Value string
	Label string
}

// TopicLabel returns the human label for a topic code, or the code itself.
func TopicLabel(code string) string {
	for _, t := range Topics {
		if t.Value == code {
			return t.Label
		}
	}
	return code
}
