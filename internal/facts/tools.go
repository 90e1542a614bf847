package facts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/switchboard/internal/tools"
)

// Tools exposes the fact store to the agent.
type Tools struct {
	store *Store
}

// NewTools creates fact tools using the given store.
func NewTools(store *Store) *Tools {
	return &Tools{store: store}
}

func categoryNames() []string {
	names := make([]string, len(Categories))
	for i, c := range Categories {
		names[i] = string(c)
	}
	return names
}

// Register adds remember_fact, recall_facts, and forget_fact to reg.
func (t *Tools) Register(reg *tools.Registry) {
	reg.Register(&tools.Tool{
		Name: "remember_fact",
		Description: "Store a discrete, stable piece of information in long-term memory. " +
			"Facts survive conversation compaction; use them for decisions, open tasks, " +
			"preferences, and context you will need later. Setting an existing " +
			"category/key replaces its value.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category": map[string]any{
					"type":        "string",
					"enum":        categoryNames(),
					"description": "Category (default context)",
				},
				"key": map[string]any{
					"type":        "string",
					"description": "Unique identifier within the category, e.g. 'current_tempo'",
				},
				"value": map[string]any{
					"type":        "string",
					"description": "The information to remember",
				},
			},
			"required": []string{"key", "value"},
		},
		Handler: t.remember,
	})

	reg.Register(&tools.Tool{
		Name:        "recall_facts",
		Description: "Retrieve long-term memory: one fact by category and key, a whole category, or a text search.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category": map[string]any{
					"type":        "string",
					"description": "Category to list or look up in",
				},
				"key": map[string]any{
					"type":        "string",
					"description": "Specific key to recall (requires category)",
				},
				"query": map[string]any{
					"type":        "string",
					"description": "Search term matched against keys and values",
				},
			},
		},
		Handler: t.recall,
	})

	reg.Register(&tools.Tool{
		Name:        "forget_fact",
		Description: "Remove a fact from long-term memory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category": map[string]any{"type": "string"},
				"key":      map[string]any{"type": "string"},
			},
			"required": []string{"category", "key"},
		},
		Handler: t.forget,
	})
}

func (t *Tools) remember(ctx context.Context, call tools.Call) tools.Future {
	cat := Category(call.StringArg("category"))
	if cat == "" {
		cat = CategoryContext
	}
	if !cat.Valid() {
		return tools.Failed(fmt.Errorf("unknown category %q; use one of %s", cat, strings.Join(categoryNames(), ", ")))
	}
	key, value := strings.TrimSpace(call.StringArg("key")), call.StringArg("value")
	if key == "" {
		return tools.Failed(errors.New("key is required"))
	}
	if value == "" {
		return tools.Failed(errors.New("value is required"))
	}

	source := tools.TurnFromContext(ctx).Source
	if source == "" {
		source = "agent"
	}
	fact, err := t.store.Set(cat, key, value, source)
	if err != nil {
		return tools.Failed(fmt.Errorf("store fact: %w", err))
	}
	return tools.Resolved(fmt.Sprintf("Remembered: [%s] %s = %s", fact.Category, fact.Key, fact.Value), nil)
}

func (t *Tools) recall(_ context.Context, call tools.Call) tools.Future {
	cat, key, query := Category(call.StringArg("category")), call.StringArg("key"), call.StringArg("query")

	switch {
	case cat != "" && key != "":
		fact, err := t.store.Get(cat, key)
		if errors.Is(err, ErrNotFound) {
			return tools.Resolved(fmt.Sprintf("No fact %s/%s.", cat, key), nil)
		}
		if err != nil {
			return tools.Failed(err)
		}
		return tools.Resolved(formatFacts([]*Fact{fact}), nil)

	case query != "":
		found, err := t.store.Search(query, 20)
		if err != nil {
			return tools.Failed(fmt.Errorf("search: %w", err))
		}
		if len(found) == 0 {
			return tools.Resolved(fmt.Sprintf("No facts matching %q.", query), nil)
		}
		return tools.Resolved(formatFacts(found), nil)

	case cat != "":
		found, err := t.store.List(cat)
		if err != nil {
			return tools.Failed(err)
		}
		if len(found) == 0 {
			return tools.Resolved(fmt.Sprintf("No facts in category %q.", cat), nil)
		}
		return tools.Resolved(formatFacts(found), nil)
	}

	counts, err := t.store.CountByCategory()
	if err != nil {
		return tools.Failed(err)
	}
	total := 0
	var sb strings.Builder
	for _, c := range Categories {
		if n := counts[c]; n > 0 {
			fmt.Fprintf(&sb, "  - %s: %d\n", c, n)
			total += n
		}
	}
	return tools.Resolved(fmt.Sprintf("Memory contains %d facts:\n%s", total, sb.String()), nil)
}

func (t *Tools) forget(_ context.Context, call tools.Call) tools.Future {
	cat, key := Category(call.StringArg("category")), call.StringArg("key")
	if cat == "" || key == "" {
		return tools.Failed(errors.New("category and key are required"))
	}
	if err := t.store.Delete(cat, key); err != nil {
		return tools.Failed(err)
	}
	return tools.Resolved(fmt.Sprintf("Forgot: [%s] %s", cat, key), nil)
}

func formatFacts(facts []*Fact) string {
	var sb strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&sb, "[%s] %s = %s\n", f.Category, f.Key, f.Value)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Summary renders the n most recently updated facts for inclusion in
// the system prompt, headed by the total count. It returns "" when
// memory is empty.
func (s *Store) Summary(n int) (string, error) {
	total, err := s.Count()
	if err != nil || total == 0 {
		return "", err
	}
	recent, err := s.Recent(n)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Long-term memory holds %d facts. Most recent:\n", total)
	sb.WriteString(formatFacts(recent))
	return sb.String(), nil
}
