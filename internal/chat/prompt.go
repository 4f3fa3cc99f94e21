package chat

import (
	"strings"
	"text/template"

	"github.com/szaher/careassist/internal/llm"
	"github.com/szaher/careassist/internal/retrieval"
)

// Prompt is a fully assembled generation request.
type Prompt struct {
	System   string
	Messages []llm.Message

	// Grounded is false when no context fragments were supplied, in which
	// case System carries the explicit refusal instruction.
	Grounded bool
}

// PromptAssembler renders the persona template. It holds no mutable state;
// Build is a pure function of its arguments.
type PromptAssembler struct {
	persona string
	tmpl    *template.Template
}

// NewPromptAssembler creates an assembler for the given persona name. An
// empty name selects DefaultPersona.
func NewPromptAssembler(persona string) *PromptAssembler {
	if strings.TrimSpace(persona) == "" {
		persona = DefaultPersona
	}
	tmpl := template.Must(template.New("system").
		Funcs(template.FuncMap{"inc": func(i int) int { return i + 1 }}).
		Parse(systemTemplate))
	return &PromptAssembler{persona: persona, tmpl: tmpl}
}

// Persona returns the configured assistant name.
func (a *PromptAssembler) Persona() string { return a.persona }

// Build assembles the system prompt from the fragments and appends the user
// message after any history.
func (a *PromptAssembler) Build(userText string, fragments []retrieval.Fragment, history []llm.Message) Prompt {
	var sb strings.Builder
	data := struct {
		Persona     string
		Refusal     string
		Disclaimers [2]string
		Fragments   []retrieval.Fragment
	}{a.persona, RefusalMessage, Disclaimers, fragments}

	// Execution over these plain values cannot fail.
	_ = a.tmpl.Execute(&sb, data)

	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: userText})

	return Prompt{
		System:   sb.String(),
		Messages: msgs,
		Grounded: len(fragments) > 0,
	}
}
