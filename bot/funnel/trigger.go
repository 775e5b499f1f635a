package funnel

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"FunnelBot/entity"

	"github.com/gobwas/glob"
)

// pattern is a compiled value + match type. Text comparison is case-insensitive.
type pattern struct {
	match entity.MatchType
	value string
	re    *regexp.Regexp
	g     glob.Glob
}

func compilePattern(match entity.MatchType, value string) (*pattern, error) {
	p := &pattern{match: match, value: strings.ToLower(strings.TrimSpace(value))}
	switch match {
	case entity.MatchExact, entity.MatchContains, entity.MatchStartsWith, entity.MatchEndsWith:
	case "":
		p.match = entity.MatchExact
	case entity.MatchRegex:
		re, err := regexp.Compile("(?i)" + value)
		if err != nil {
			return nil, fmt.Errorf("bad regex %q: %w", value, err)
		}
		p.re = re
	case entity.MatchWildcard:
		g, err := glob.Compile(p.value)
		if err != nil {
			return nil, fmt.Errorf("bad wildcard %q: %w", value, err)
		}
		p.g = g
	default:
		return nil, fmt.Errorf("unknown match type %q", match)
	}
	return p, nil
}

func (p *pattern) matches(text string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	switch p.match {
	case entity.MatchExact:
		return text == p.value
	case entity.MatchContains:
		return p.value != "" && strings.Contains(text, p.value)
	case entity.MatchStartsWith:
		return p.value != "" && strings.HasPrefix(text, p.value)
	case entity.MatchEndsWith:
		return p.value != "" && strings.HasSuffix(text, p.value)
	case entity.MatchRegex:
		return p.re.MatchString(text)
	case entity.MatchWildcard:
		return p.g.Match(text)
	}
	return false
}

// specificity ranks match types: exact > starts/ends > contains > wildcard > regex.
func specificity(m entity.MatchType) int {
	switch m {
	case entity.MatchExact, "":
		return 5
	case entity.MatchStartsWith, entity.MatchEndsWith:
		return 4
	case entity.MatchContains:
		return 3
	case entity.MatchWildcard:
		return 2
	case entity.MatchRegex:
		return 1
	}
	return 0
}

// Match is the resolved entry point of a trigger.
type Match struct {
	TriggerID string
	FunnelID  string
	StepID    string
}

type rule struct {
	trigger *entity.Trigger
	pattern *pattern
}

// Matcher resolves inbound events to funnel entry points. It is immutable once built.
type Matcher struct {
	rules []rule
}

// NewMatcher keeps active triggers, compiles their patterns and fixes the scan order.
// A pattern that does not compile is a ConfigurationError.
func NewMatcher(triggers []*entity.Trigger) (*Matcher, error) {
	m := &Matcher{}
	for _, t := range triggers {
		if t == nil || !t.IsActive {
			continue
		}
		value := t.Value
		if t.Type == entity.TriggerCommand {
			value = strings.TrimPrefix(strings.TrimSpace(value), "/")
		}
		p, err := compilePattern(t.MatchType, value)
		if err != nil {
			return nil, &ConfigurationError{FunnelID: t.FunnelID, StepID: t.StepID, Reason: fmt.Sprintf("trigger %s: %v", t.ID, err)}
		}
		m.rules = append(m.rules, rule{trigger: t, pattern: p})
	}
	sort.SliceStable(m.rules, func(i, j int) bool {
		a, b := m.rules[i].trigger, m.rules[j].trigger
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		sa, sb := specificity(a.MatchType), specificity(b.MatchType)
		if sa != sb {
			return sa > sb
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return m, nil
}

func (m *Matcher) Len() int {
	return len(m.rules)
}

// Match returns the first trigger in scan order accepting the event.
// isNew reports whether the user was created by this event.
func (m *Matcher) Match(ev *entity.InboundEvent, user *entity.ConversationUser, isNew bool) (Match, bool) {
	for _, r := range m.rules {
		text, ok := subject(r.trigger.Type, ev)
		if !ok || !r.pattern.matches(text) {
			continue
		}
		if !conditionsHold(r.trigger.Conditions, user, isNew) {
			continue
		}
		return Match{TriggerID: r.trigger.ID, FunnelID: r.trigger.FunnelID, StepID: r.trigger.StepID}, true
	}
	return Match{}, false
}

// subject picks the part of the event a trigger type compares against.
func subject(t entity.TriggerType, ev *entity.InboundEvent) (string, bool) {
	switch t {
	case entity.TriggerCommand:
		name, _ := ev.Command()
		return name, ev.Kind == entity.EventCommand
	case entity.TriggerStartPayload:
		name, arg := ev.Command()
		return arg, name == "start" && arg != ""
	case entity.TriggerCallback:
		return ev.Payload, ev.Kind == entity.EventCallback
	case entity.TriggerKeyword:
		return ev.Payload, ev.Kind == entity.EventText
	case entity.TriggerText:
		return ev.Payload, ev.Kind == entity.EventText || ev.Kind == entity.EventMedia
	case entity.TriggerEvent:
		return ev.Payload, ev.Kind == entity.EventPlatform
	}
	return "", false
}

func conditionsHold(c *entity.TriggerConditions, user *entity.ConversationUser, isNew bool) bool {
	if c == nil {
		return true
	}
	if c.NewUsersOnly && !isNew {
		return false
	}
	if user == nil {
		return len(c.Locales) == 0 && len(c.RequiredTags) == 0
	}
	if len(c.Locales) > 0 && !entity.MatchLocale(c.Locales, user.Locale) {
		return false
	}
	return user.HasTags(c.RequiredTags)
}
