package router

import "github.com/nextlevelbuilder/omnigate/internal/message"

// Condition decides whether a rule applies to a message.
type Condition func(*message.Message) bool

// Transform rewrites a message before it goes to the rule's channel.
// Returning nil keeps the message unchanged.
type Transform func(*message.Message) *message.Message

// Rule routes matching messages to a fixed channel. Rules are tried in
// descending priority order and the first match wins; a matching rule
// overrides the channel the message asked for.
type Rule struct {
	Name      string
	Condition Condition
	Target    message.Channel
	Priority  int
	Transform Transform
	Disabled  bool
}

// matches reports whether the rule applies. Disabled rules never match,
// and a panicking condition counts as no match.
func (r *Rule) matches(m *message.Message) (ok bool) {
	if r.Disabled || r.Condition == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return r.Condition(m)
}
