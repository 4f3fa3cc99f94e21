package chat

import (
	"strings"
	"testing"

	"github.com/szaher/careassist/internal/llm"
	"github.com/szaher/careassist/internal/retrieval"
)

func TestPromptBuildGrounded(t *testing.T) {
	a := NewPromptAssembler("")
	frags := []retrieval.Fragment{
		{Text: "Influenza spreads through droplets.", Source: "flu.md"},
		{Text: "Rest and fluids help recovery."},
	}
	p := a.Build("How does flu spread?", frags, nil)

	if !p.Grounded {
		t.Error("Grounded = false with fragments")
	}
	for _, want := range []string{
		`You are "Dr. Spark"`,
		"[1] (flu.md)\nInfluenza spreads through droplets.",
		"[2]\nRest and fluids help recovery.",
		RefusalMessage,
		Disclaimers[0],
		Disclaimers[1],
	} {
		if !strings.Contains(p.System, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if strings.Contains(p.System, "No context is available") {
		t.Error("grounded prompt carries the no-context block")
	}
	if len(p.Messages) != 1 || p.Messages[0].Role != llm.RoleUser || p.Messages[0].Content != "How does flu spread?" {
		t.Errorf("Messages = %+v", p.Messages)
	}
}

func TestPromptBuildHistoryOrder(t *testing.T) {
	a := NewPromptAssembler("Nurse Joy")
	history := []llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "hello"},
	}
	p := a.Build("next", nil, history)

	if a.Persona() != "Nurse Joy" || !strings.Contains(p.System, `"Nurse Joy"`) {
		t.Errorf("persona not applied")
	}
	if len(p.Messages) != 3 || p.Messages[2].Content != "next" {
		t.Fatalf("Messages = %+v", p.Messages)
	}
	// Build must not alias the caller's slice.
	p.Messages[0].Content = "changed"
	if history[0].Content != "hi" {
		t.Error("history slice mutated")
	}
}

func TestPromptBuildDeterministic(t *testing.T) {
	a := NewPromptAssembler("")
	frags := []retrieval.Fragment{{Text: "x"}}
	if a.Build("q", frags, nil).System != a.Build("q", frags, nil).System {
		t.Error("Build is not deterministic")
	}
}
