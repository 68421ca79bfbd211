// Package answer synthesizes the final natural-language answer from the
// query, the retrieved records, and bounded conversation history. This is
// the system's correctness boundary: whatever the model returns, the caller
// always gets a non-empty answer.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/finq/internal/composer"
	"github.com/kalambet/finq/internal/store"
)

// maxHistoryTurns bounds how much conversation grounding goes into the
// prompt.
const maxHistoryTurns = 5

// Clarification is the fixed answer substituted when the model fails or
// returns nothing.
const Clarification = "I couldn't find enough in your transactions to answer that. " +
	"Could you rephrase the question, or tell me which dates or categories you're interested in?"

// TextGenerator is the interface for LLM text generation.
type TextGenerator interface {
	GenerateText(ctx context.Context, model, prompt string) (string, error)
}

// Synthesizer produces conversational answers over retrieved records.
type Synthesizer struct {
	generator TextGenerator
	model     string
}

// NewSynthesizer creates a Synthesizer using the given generator and model
// name.
func NewSynthesizer(generator TextGenerator, model string) *Synthesizer {
	return &Synthesizer{generator: generator, model: model}
}

// Synthesize builds the answer prompt from the query, the rendered record
// context, and up to the last 5 turns of history, then returns the model's
// answer. It never fails and never returns an empty or whitespace-only
// string: a model error or blank completion is replaced with Clarification.
// The completed turn is appended to history before returning.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, records []store.Record, history *History) string {
	prompt := s.buildPrompt(query, records, history)

	text, err := s.generator.GenerateText(ctx, s.model, prompt)
	if err != nil {
		slog.Warn("answer generation failed, substituting clarification", "error", err)
		text = ""
	}

	text = strings.TrimSpace(text)
	if text == "" {
		text = Clarification
	}

	if history != nil {
		history.Append(query, text)
	}
	return text
}

// answerInstructions steer the model's conversational behavior. The data
// rules matter: the model sees only the rendered records and must compute
// from them rather than disclaim access.
const answerInstructions = `You are a friendly personal finance assistant.

Rules:
- If the user is just greeting you or making small talk, respond warmly and
  invite a question about their finances.
- Compute totals, averages, and comparisons strictly from the records above.
  Show the resulting numbers, not the arithmetic.
- Never say you lack access to the user's data; the records above ARE their data.
- If the records are insufficient to answer, ask one short clarifying
  question instead of refusing.
- Do not add financial-advice disclaimers unless the user asks for advice.
- Answer in plain prose. No markdown, no bullet lists, no tables.`

func (s *Synthesizer) buildPrompt(query string, records []store.Record, history *History) string {
	var sb strings.Builder

	if history != nil {
		if turns := history.Last(maxHistoryTurns); len(turns) > 0 {
			sb.WriteString("Conversation so far:\n")
			for _, t := range turns {
				fmt.Fprintf(&sb, "User: %s\nAssistant: %s\n", t.Query, t.Answer)
			}
			sb.WriteString("\n")
		}
	}

	fmt.Fprintf(&sb, "User asked: %q\n\n", query)
	fmt.Fprintf(&sb, "Transaction records:\n%s\n\n", composer.BuildContext(records))
	sb.WriteString(answerInstructions)

	return sb.String()
}
