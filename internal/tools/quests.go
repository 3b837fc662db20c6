package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// QuestState is the quest runtime the quest tools operate on.
type QuestState interface {
	// ActiveQuestID returns the id of the active quest, or "" when none.
	// Sub-quests carry dotted ids ("main.sub").
	ActiveQuestID(ctx context.Context) (string, error)
	StartQuest(ctx context.Context, id, goal, successCriteria string) error
	StartSubquest(ctx context.Context, id, goal, successCriteria string) error
	Snooze(ctx context.Context, until string) error
}

var timeOfDay = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// QuestTools returns the quest tool selection valid for the current quest
// state: quest_start when idle, subquest_start and quest_snooze inside a
// top-level quest, only quest_snooze inside a sub-quest.
func QuestTools(ctx context.Context, state QuestState) ([]Tool, error) {
	if state == nil {
		return nil, nil
	}
	active, err := state.ActiveQuestID(ctx)
	if err != nil {
		return nil, fmt.Errorf("quest state: %w", err)
	}
	switch {
	case active == "":
		return []Tool{&questStartTool{state: state}}, nil
	case strings.Contains(active, "."):
		return []Tool{&questSnoozeTool{state: state}}, nil
	default:
		return []Tool{&subquestStartTool{state: state}, &questSnoozeTool{state: state}}, nil
	}
}

func questIDSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id":               map[string]interface{}{"type": "string", "minLength": 1},
			"goal":             map[string]interface{}{"type": "string", "minLength": 1},
			"success_criteria": map[string]interface{}{"type": "string", "minLength": 1},
		},
		"required":             []interface{}{"id", "goal", "success_criteria"},
		"additionalProperties": false,
	}
}

func questArgs(args map[string]interface{}) (id, goal, criteria string, err error) {
	id, _ = args["id"].(string)
	goal, _ = args["goal"].(string)
	criteria, _ = args["success_criteria"].(string)
	if strings.TrimSpace(id) == "" || strings.TrimSpace(goal) == "" || strings.TrimSpace(criteria) == "" {
		return "", "", "", fmt.Errorf("id, goal and success_criteria must be non-empty")
	}
	return id, goal, criteria, nil
}

type questStartTool struct{ state QuestState }

func (t *questStartTool) Name() string  { return "quest_start" }
func (t *questStartTool) Label() string { return "Quest Start" }
func (t *questStartTool) Description() string {
	return "Start a new long-running quest with a goal and success criteria."
}
func (t *questStartTool) PersistType() PersistType       { return PersistNone }
func (t *questStartTool) Schema() map[string]interface{} { return questIDSchema() }

func (t *questStartTool) Execute(ctx context.Context, callID string, args map[string]interface{}) (*Result, error) {
	id, goal, criteria, err := questArgs(args)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	if err := t.state.StartQuest(ctx, id, goal, criteria); err != nil {
		return ErrorResult(err.Error()), nil
	}
	return NewResult(fmt.Sprintf("Quest %q started.", id)), nil
}

type subquestStartTool struct{ state QuestState }

func (t *subquestStartTool) Name() string  { return "subquest_start" }
func (t *subquestStartTool) Label() string { return "Subquest Start" }
func (t *subquestStartTool) Description() string {
	return "Start a sub-quest under the active quest."
}
func (t *subquestStartTool) PersistType() PersistType       { return PersistNone }
func (t *subquestStartTool) Schema() map[string]interface{} { return questIDSchema() }

func (t *subquestStartTool) Execute(ctx context.Context, callID string, args map[string]interface{}) (*Result, error) {
	id, goal, criteria, err := questArgs(args)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	if err := t.state.StartSubquest(ctx, id, goal, criteria); err != nil {
		return ErrorResult(err.Error()), nil
	}
	return NewResult(fmt.Sprintf("Sub-quest %q started.", id)), nil
}

type questSnoozeTool struct{ state QuestState }

func (t *questSnoozeTool) Name() string  { return "quest_snooze" }
func (t *questSnoozeTool) Label() string { return "Quest Snooze" }
func (t *questSnoozeTool) Description() string {
	return "Snooze the active quest until a wall-clock time (HH:MM)."
}
func (t *questSnoozeTool) PersistType() PersistType { return PersistNone }

func (t *questSnoozeTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"until": map[string]interface{}{
				"type":        "string",
				"description": "Time of day to resume, 24h format HH:MM.",
			},
		},
		"required":             []interface{}{"until"},
		"additionalProperties": false,
	}
}

func (t *questSnoozeTool) Execute(ctx context.Context, callID string, args map[string]interface{}) (*Result, error) {
	until, _ := args["until"].(string)
	if !timeOfDay.MatchString(until) {
		return ErrorResult(fmt.Sprintf("%q is not a valid HH:MM time", until)), nil
	}
	if err := t.state.Snooze(ctx, until); err != nil {
		return ErrorResult(err.Error()), nil
	}
	return NewResult("Quest snoozed until " + until + "."), nil
}
