package run

import (
	"fmt"
	"strings"

	"github.com/basket/goadapt/internal/schema"
)

const plannerPrompt = `You are planning a web research run.
Goal: %s
Query: %s
%s
Respond with JSON only:
{"search_queries": ["exactly three search queries"], "rubric": {"criterion": weight}, "required_sources": ["optional source names"], "extraction_fields": ["fields to extract from each page"]}`

const extractorPrompt = `Extract the following fields from the page: %s
URL: %s
Title: %s
Content:
%s

Respond with JSON only: {"data": {"field": "value"}}`

const summarizerPrompt = `Goal: %s
%s
Summarize these extracted results for the user in a few sentences:
%s`

const plannerSchemaJSON = `{
	"type": "object",
	"required": ["search_queries", "extraction_fields"],
	"properties": {
		"search_queries": {
			"type": "array",
			"minItems": 1,
			"maxItems": 5,
			"items": {"type": "string", "minLength": 1}
		},
		"rubric": {
			"type": "object",
			"additionalProperties": {"type": "number"}
		},
		"required_sources": {
			"type": "array",
			"items": {"type": "string"}
		},
		"extraction_fields": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string", "minLength": 1}
		}
	}
}`

const extractSchemaJSON = `{
	"type": "object",
	"required": ["data"],
	"properties": {"data": {"type": "object"}}
}`

var (
	plannerSchema = schema.MustCompile("planner", plannerSchemaJSON)
	extractSchema = schema.MustCompile("extract", extractSchemaJSON)
)

// maxPageChars bounds page content handed to the extractor.
const maxPageChars = 6000

// guidance joins the learned prompt delta and the strategy instruction.
func guidance(promptDelta, instruction string) string {
	var parts []string
	if s := strings.TrimSpace(promptDelta); s != "" {
		parts = append(parts, "Learned preferences:\n"+s)
	}
	if s := strings.TrimSpace(instruction); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n\n")
}

func buildPlannerPrompt(goal, query, guide string) string {
	return fmt.Sprintf(plannerPrompt, goal, query, guide)
}

func buildExtractorPrompt(fields []string, link Link, content string) string {
	if len(content) > maxPageChars {
		content = content[:maxPageChars]
	}
	return fmt.Sprintf(extractorPrompt, strings.Join(fields, ", "), link.URL, link.Title, content)
}

func buildSummarizerPrompt(goal, guide string, items []Item) string {
	var b strings.Builder
	for i, it := range items {
		fmt.Fprintf(&b, "%d. %s (%s): %v\n", i+1, it.Title, it.URL, it.Data)
	}
	return fmt.Sprintf(summarizerPrompt, goal, guide, b.String())
}
