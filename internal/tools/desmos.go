package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tutorly/tutord/internal/provider"
	"github.com/tutorly/tutord/internal/quota"
)

// Desmos renders expressions as an embeddable graphing calculator block. The
// tool itself computes nothing; it hands the model the exact fenced block the
// client turns into an interactive graph.
type Desmos struct{}

// NewDesmos creates the graphing tool.
func NewDesmos() *Desmos {
	return &Desmos{}
}

func (d *Desmos) Spec() provider.ToolSpec {
	return provider.ToolSpec{
		Name:        "graphing_calculator",
		Description: "Render mathematical expressions as an interactive graph. Pass the expressions to plot, one per entry, in calculator syntax (e.g. \"y=x^2\").",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expressions": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Expressions to plot",
				},
			},
			"required": []string{"expressions"},
		},
	}
}

func (d *Desmos) Feature() string { return quota.FeatureGraphing }

func (d *Desmos) Invoke(_ context.Context, inv Invocation) (string, error) {
	var args struct {
		Expressions []string `json:"expressions"`
	}
	if err := json.Unmarshal(inv.Args, &args); err != nil {
		return "", fmt.Errorf("parsing graphing arguments: %w", err)
	}

	var exprs []string
	for _, e := range args.Expressions {
		if t := strings.TrimSpace(e); t != "" {
			exprs = append(exprs, t)
		}
	}
	if len(exprs) == 0 {
		return "", fmt.Errorf("no expressions to plot")
	}

	block := "```desmos\n" + strings.Join(exprs, "\n") + "\n```"
	return "Include the following block verbatim in your answer to show the student an interactive graph:\n\n" + block, nil
}
