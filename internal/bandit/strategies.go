package bandit

// Built-in strategy ids in their fixed tie-break order.
const (
	StrategyClarifyFirst  = "S1_CLARIFY_FIRST"
	StrategyThreeVariants = "S2_THREE_VARIANTS"
	StrategyTemplateFirst = "S3_TEMPLATE_FIRST"
	StrategyStepwise      = "S4_STEPWISE"
)

// DefaultStrategies is the strategy set used when none is configured.
var DefaultStrategies = []string{
	StrategyClarifyFirst,
	StrategyThreeVariants,
	StrategyTemplateFirst,
	StrategyStepwise,
}

var instructions = map[string]string{
	StrategyClarifyFirst: `STRATEGY: CLARIFY_FIRST
Before providing a solution, ask 2 clarifying questions to understand:
1. The user's specific context and constraints
2. Their preferred level of detail or format
Then provide a tailored answer based on their responses.`,

	StrategyThreeVariants: `STRATEGY: THREE_VARIANTS
Provide 3 distinct approaches to solve the problem:
- Option A: a quick, simple approach
- Option B: a balanced approach
- Option C: a comprehensive approach
End with a recommendation based on typical use cases.`,

	StrategyTemplateFirst: `STRATEGY: TEMPLATE_FIRST
Start by providing a fill-in template or framework:
1. Give the template structure with clear placeholders
2. Provide a concrete example showing it filled out
3. Explain how to adapt it to their specific case`,

	StrategyStepwise: `STRATEGY: STEPWISE
Break the solution into clear, actionable steps, each with a verification
checkpoint. Explain how to verify each step succeeded before moving on.`,
}

// Instruction returns the prompt block injected for a strategy. Configured
// strategies without a built-in block get a bare header.
func Instruction(strategy string) string {
	if text, ok := instructions[strategy]; ok {
		return text
	}
	if strategy == "" {
		return ""
	}
	return "STRATEGY: " + strategy
}
