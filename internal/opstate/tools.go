package opstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/switchboard/internal/tools"
)

var errNoSession = errors.New("no session is attached to this call")

// RegisterTools adds session_set and session_get to the registry. The
// handlers use the session carried on each call.
func RegisterTools(reg *tools.Registry) {
	reg.Register(&tools.Tool{
		Name: "session_set",
		Description: "Record a piece of live session state (current project, tempo, " +
			"open task). It is shown to you at the start of every turn until changed. " +
			"Set an empty value to remove the key.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{
					"type":        "string",
					"description": "Short identifier, e.g. project or tempo",
				},
				"value": map[string]any{
					"type":        "string",
					"description": "New value; empty removes the key",
				},
			},
			"required": []string{"key", "value"},
		},
		Handler: handleSessionSet,
	})

	reg.Register(&tools.Tool{
		Name:        "session_get",
		Description: "Read live session state. Omit key to list every entry.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{
					"type":        "string",
					"description": "Key to read; omit for all",
				},
			},
		},
		Handler: handleSessionGet,
	})
}

func handleSessionSet(_ context.Context, call tools.Call) tools.Future {
	if call.Session == nil {
		return tools.Failed(errNoSession)
	}
	key, value := call.StringArg("key"), call.StringArg("value")
	if err := call.Session.Set(key, value); err != nil {
		return tools.Failed(err)
	}
	if value == "" {
		return tools.Resolved(fmt.Sprintf("Removed session key %q.", key), nil)
	}
	return tools.Resolved(fmt.Sprintf("Session %s = %s", key, value), nil)
}

func handleSessionGet(_ context.Context, call tools.Call) tools.Future {
	if call.Session == nil {
		return tools.Failed(errNoSession)
	}
	if key := call.StringArg("key"); key != "" {
		v, err := call.Session.Get(key)
		if err != nil {
			return tools.Failed(err)
		}
		if v == "" {
			return tools.Resolved(fmt.Sprintf("Session key %q is not set.", key), nil)
		}
		return tools.Resolved(v, nil)
	}
	all, err := call.Session.All()
	if err != nil {
		return tools.Failed(err)
	}
	if len(all) == 0 {
		return tools.Resolved("The session is empty.", nil)
	}
	return tools.Resolved(FormatSummary(all), nil)
}
