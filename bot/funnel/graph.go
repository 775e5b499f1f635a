package funnel

import (
	"fmt"
	"sort"
	"time"

	"FunnelBot/entity"
)

// Node is one compiled step. The concrete types below form a closed set
// and the executor switches over all of them.
type Node interface {
	StepID() string
	// edges lists every step id this node may transition to ("" is terminal).
	edges() []string
	// waits reports whether entering the node stops the advance for this event.
	waits() bool
}

type MessageNode struct {
	ID      string
	Content entity.Content
	Input   entity.InputType
	Field   string
	Rule    *inputRule
	Next    string
}

type InputNode struct {
	ID     string
	Prompt entity.Content
	Input  entity.InputType
	Field  string
	Rule   *inputRule
	Next   string
}

type ConditionNode struct {
	ID    string
	Cond  *Predicate
	True  string
	False string
}

type SubscribeCheckNode struct {
	ID        string
	ChannelID string
	True      string
	False     string
}

type QuizNode struct {
	ID      string
	Prompt  entity.Content
	Options []entity.QuizOption
	Field   string
	Rule    *inputRule
	Next    string
}

type ABTestNode struct {
	ID       string
	Variants []entity.Variant
}

type TagNode struct {
	ID   string
	Tags []string
	Next string
}

type DelayNode struct {
	ID    string
	Delay time.Duration
	Next  string
}

type ActionNode struct {
	ID      string
	Content entity.Content
	Actions []entity.Action
	Next    string
}

func (n *MessageNode) StepID() string        { return n.ID }
func (n *InputNode) StepID() string          { return n.ID }
func (n *ConditionNode) StepID() string      { return n.ID }
func (n *SubscribeCheckNode) StepID() string { return n.ID }
func (n *QuizNode) StepID() string           { return n.ID }
func (n *ABTestNode) StepID() string         { return n.ID }
func (n *TagNode) StepID() string            { return n.ID }
func (n *DelayNode) StepID() string          { return n.ID }
func (n *ActionNode) StepID() string         { return n.ID }

func (n *MessageNode) edges() []string        { return withFallback(n.Next, n.Rule) }
func (n *InputNode) edges() []string          { return withFallback(n.Next, n.Rule) }
func (n *ConditionNode) edges() []string      { return []string{n.True, n.False} }
func (n *SubscribeCheckNode) edges() []string { return []string{n.True, n.False} }
func (n *QuizNode) edges() []string           { return withFallback(n.Next, n.Rule) }
func (n *TagNode) edges() []string            { return []string{n.Next} }
func (n *DelayNode) edges() []string          { return []string{n.Next} }
func (n *ActionNode) edges() []string         { return []string{n.Next} }
func (n *ABTestNode) edges() []string {
	out := make([]string, 0, len(n.Variants))
	for _, v := range n.Variants {
		out = append(out, v.StepID)
	}
	return out
}

func (n *MessageNode) waits() bool        { return n.Input.Captures() }
func (n *InputNode) waits() bool          { return true }
func (n *ConditionNode) waits() bool      { return false }
func (n *SubscribeCheckNode) waits() bool { return false }
func (n *QuizNode) waits() bool           { return true }
func (n *ABTestNode) waits() bool         { return false }
func (n *TagNode) waits() bool            { return false }
func (n *DelayNode) waits() bool          { return true }
func (n *ActionNode) waits() bool         { return hasHandoff(n.Actions) }

func withFallback(next string, r *inputRule) []string {
	if fb := r.fallbackStep(); fb != "" {
		return []string{next, fb}
	}
	return []string{next}
}

func hasHandoff(actions []entity.Action) bool {
	for _, a := range actions {
		if a.Type == entity.ActionHandoff {
			return true
		}
	}
	return false
}

type stepJump struct {
	stepID  string
	pattern *pattern
}

// Graph is the compiled arena of one funnel: nodes indexed by id, edges as ids.
type Graph struct {
	Funnel entity.Funnel
	nodes  map[string]Node
	jumps  []stepJump
}

func (g *Graph) ID() string {
	return g.Funnel.ID
}

func (g *Graph) Entry() string {
	return g.Funnel.EntryStepID
}

func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

func (g *Graph) Len() int {
	return len(g.nodes)
}

// Jump returns the step whose short-circuit trigger matches the event text.
func (g *Graph) Jump(ev *entity.InboundEvent) (string, bool) {
	if ev.Kind != entity.EventText && ev.Kind != entity.EventCallback && ev.Kind != entity.EventCommand {
		return "", false
	}
	for _, j := range g.jumps {
		if j.pattern.matches(ev.Payload) {
			return j.stepID, true
		}
	}
	return "", false
}

// Compile validates the steps of a funnel and builds its graph.
// Dangling or cross-funnel targets, broken patterns and cycles that can
// never stop are ConfigurationErrors.
func Compile(f *entity.Funnel, steps []*entity.Step) (*Graph, error) {
	g := &Graph{Funnel: *f, nodes: make(map[string]Node, len(steps))}

	sorted := make([]*entity.Step, 0, len(steps))
	for _, s := range steps {
		if s == nil {
			continue
		}
		if s.FunnelID != f.ID {
			return nil, configError(f.ID, s.ID, "step belongs to funnel %s", s.FunnelID)
		}
		if _, dup := g.nodes[s.ID]; dup {
			return nil, configError(f.ID, s.ID, "duplicate step id")
		}
		g.nodes[s.ID] = nil
		sorted = append(sorted, s)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	for _, s := range sorted {
		n, err := compileStep(f.ID, s)
		if err != nil {
			return nil, err
		}
		g.nodes[s.ID] = n
		if s.Trigger != nil && s.Trigger.Value != "" {
			p, err := compilePattern(s.Trigger.MatchType, s.Trigger.Value)
			if err != nil {
				return nil, configError(f.ID, s.ID, "step trigger: %v", err)
			}
			g.jumps = append(g.jumps, stepJump{stepID: s.ID, pattern: p})
		}
	}

	if f.EntryStepID == "" {
		return nil, configError(f.ID, "", "entry step is not set")
	}
	if _, ok := g.nodes[f.EntryStepID]; !ok {
		return nil, configError(f.ID, "", "entry step %s does not exist", f.EntryStepID)
	}
	for id, n := range g.nodes {
		for _, target := range n.edges() {
			if target == "" {
				continue
			}
			if _, ok := g.nodes[target]; !ok {
				return nil, configError(f.ID, id, "branch target %s is not a step of this funnel", target)
			}
		}
	}
	if id, ok := g.findTrap(); ok {
		return nil, configError(f.ID, id, "cycle with no terminal or waiting step")
	}
	return g, nil
}

func compileStep(funnelID string, s *entity.Step) (Node, error) {
	switch s.Type {
	case entity.StepMessage, "":
		n := &MessageNode{ID: s.ID, Content: s.Content, Input: s.InputType, Field: s.InputField, Next: s.NextStepID}
		if n.Input == "" {
			n.Input = entity.InputNone
		}
		if n.Input.Captures() {
			rule, err := compileInputRule(funnelID, s.ID, n.Input, s.Validation)
			if err != nil {
				return nil, err
			}
			n.Rule = rule
		}
		return n, nil
	case entity.StepInput:
		input := s.InputType
		if !input.Captures() {
			input = entity.InputText
		}
		rule, err := compileInputRule(funnelID, s.ID, input, s.Validation)
		if err != nil {
			return nil, err
		}
		return &InputNode{ID: s.ID, Prompt: s.Content, Input: input, Field: s.InputField, Rule: rule, Next: s.NextStepID}, nil
	case entity.StepCondition:
		p, err := compilePredicate(s.Condition)
		if err != nil {
			return nil, configError(funnelID, s.ID, "condition: %v", err)
		}
		return &ConditionNode{ID: s.ID, Cond: p, True: s.ConditionTrueStepID, False: s.ConditionFalseStepID}, nil
	case entity.StepSubscribeCheck:
		if s.Subscribe == nil || s.Subscribe.ChannelID == "" {
			return nil, configError(funnelID, s.ID, "subscribe check without channel")
		}
		return &SubscribeCheckNode{ID: s.ID, ChannelID: s.Subscribe.ChannelID, True: s.ConditionTrueStepID, False: s.ConditionFalseStepID}, nil
	case entity.StepQuiz:
		if len(s.QuizOptions) == 0 {
			return nil, configError(funnelID, s.ID, "quiz without options")
		}
		rule, err := compileInputRule(funnelID, s.ID, entity.InputText, s.Validation)
		if err != nil {
			return nil, err
		}
		return &QuizNode{ID: s.ID, Prompt: s.Content, Options: s.QuizOptions, Field: s.InputField, Rule: rule, Next: s.NextStepID}, nil
	case entity.StepABTest:
		if len(s.Variants) == 0 {
			return nil, configError(funnelID, s.ID, "ab test without variants")
		}
		for _, v := range s.Variants {
			if v.StepID == "" {
				return nil, configError(funnelID, s.ID, "variant %q has no step", v.Name)
			}
		}
		return &ABTestNode{ID: s.ID, Variants: s.Variants}, nil
	case entity.StepTag:
		return &TagNode{ID: s.ID, Tags: s.Tags, Next: s.NextStepID}, nil
	case entity.StepDelay:
		if s.DelayMs < 0 {
			return nil, configError(funnelID, s.ID, "negative delay")
		}
		return &DelayNode{ID: s.ID, Delay: time.Duration(s.DelayMs) * time.Millisecond, Next: s.NextStepID}, nil
	case entity.StepAction:
		return &ActionNode{ID: s.ID, Content: s.Content, Actions: s.Actions, Next: s.NextStepID}, nil
	}
	return nil, configError(funnelID, s.ID, "unknown step type %q", s.Type)
}

// findTrap returns a step from which the advance can never stop:
// no path reaches a terminal edge or a waiting node.
func (g *Graph) findTrap() (string, bool) {
	safe := make(map[string]bool, len(g.nodes))
	for id, n := range g.nodes {
		if n.waits() {
			safe[id] = true
			continue
		}
		for _, t := range n.edges() {
			if t == "" {
				safe[id] = true
				break
			}
		}
	}
	for changed := true; changed; {
		changed = false
		for id, n := range g.nodes {
			if safe[id] {
				continue
			}
			for _, t := range n.edges() {
				if safe[t] {
					safe[id] = true
					changed = true
					break
				}
			}
		}
	}
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !safe[id] {
			return id, true
		}
	}
	return "", false
}

func (g *Graph) String() string {
	return fmt.Sprintf("funnel %s (%d steps)", g.Funnel.ID, len(g.nodes))
}
