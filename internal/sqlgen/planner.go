package sqlgen

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/finq/internal/intent"
)

// ErrNoPlan is returned when the generator produced no usable statement.
var ErrNoPlan = errors.New("planner produced no statement")

// TextGenerator is the interface for LLM text generation.
type TextGenerator interface {
	GenerateText(ctx context.Context, model, prompt string) (string, error)
}

// Plan is a generated SQL statement before and after validation. Only the
// Sanitized form may be executed.
type Plan struct {
	Raw       string
	Sanitized string
}

// Planner turns an analytical natural-language query into a single safe
// read-only SQL statement via the LLM. Generation and validation are
// separate stages: Plan always runs the generated text through Validate
// before returning.
type Planner struct {
	generator TextGenerator
	model     string
}

// NewPlanner creates a Planner using the given generator and model name.
func NewPlanner(generator TextGenerator, model string) *Planner {
	return &Planner{generator: generator, model: model}
}

// schemaDescription is the fixed schema the generator is allowed to query.
// Tenant identifier columns are deliberately not mentioned: scoping is
// injected by the store, never by the generated statement.
const schemaDescription = `Table: transactions

Columns:
  id          uuid
  type        text     -- 'EXPENSE' or 'INCOME'
  amount      numeric  -- always positive; type distinguishes direction
  category    text     -- one of: housing, transportation, groceries, utilities,
                       --   entertainment, food, shopping, healthcare, education,
                       --   personal, travel, insurance, gifts, bills, other-expense,
                       --   salary, freelance, investments, business, rental, other-income
  description text
  date        timestamp`

const planRules = `RULES:
1. Output exactly ONE SQL SELECT statement. No semicolon at the end.
2. Use PostgreSQL syntax only.
3. Use only the listed columns. NEVER reference userId, accountId, or any
   other tenant identifier; row filtering by user is handled outside the query.
4. Match categories case-insensitively with ILIKE.
5. Date handling, by specificity:
   - exact date ("on October 3rd 2025"): half-open range
     date >= '2025-10-03' AND date < '2025-10-04'
   - month and year ("in September 2025"): half-open range
     date >= '2025-09-01' AND date < '2025-10-01'
   - month only ("in September"): EXTRACT(MONTH FROM date) = 9
   - "this month": date_trunc('month', date) = date_trunc('month', CURRENT_DATE)
   - "last month": date_trunc('month', date) = date_trunc('month', CURRENT_DATE - INTERVAL '1 month')
6. Output ONLY the SQL statement. No markdown, no explanation, no JSON.`

// comparativeRules replace the aggregate rules when the question compares
// periods or asks why something changed. The statement must return raw rows;
// the answer stage does the arithmetic.
const comparativeRules = `RULES:
1. Output exactly ONE SQL statement of the form: SELECT * FROM transactions ...
2. NEVER use aggregates (SUM, COUNT, AVG, MIN, MAX) or GROUP BY.
3. Use PostgreSQL syntax only.
4. NEVER reference userId, accountId, or any other tenant identifier.
5. The only WHERE predicates allowed are on category (ILIKE) and date.
6. If specific months are mentioned, select all of them in one query:
   EXTRACT(MONTH FROM date) IN (9, 10)
7. ORDER BY date.
8. Output ONLY the SQL statement. No markdown, no explanation.`

// Plan generates and validates a statement for the query. The returned
// plan's Sanitized statement is safe to hand to the store.
func (p *Planner) Plan(ctx context.Context, query string) (Plan, error) {
	prompt := p.buildPrompt(query)

	raw, err := p.generator.GenerateText(ctx, p.model, prompt)
	if err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrNoPlan, err)
	}
	if strings.TrimSpace(raw) == "" {
		return Plan{}, ErrNoPlan
	}

	sanitized, err := Validate(raw)
	if err != nil {
		return Plan{}, err
	}

	return Plan{Raw: raw, Sanitized: sanitized}, nil
}

func (p *Planner) buildPrompt(query string) string {
	rules := planRules
	if intent.IsComparative(query) {
		rules = comparativeRules
	}
	return fmt.Sprintf(`You are an expert SQL generator for a personal finance database.

User question: %q

%s

%s`, query, schemaDescription, rules)
}
