package reward

import (
	"strings"

	"github.com/basket/goadapt/internal/events"
)

// Domains produced by the keyword classifier.
const (
	DomainResume    = "resume"
	DomainCoding    = "coding"
	DomainJobSearch = "job_search"
	DomainWriting   = "writing"
	DomainOther     = "other"
)

// Classifier infers the task domain of a message.
type Classifier interface {
	Classify(text string) string
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(text string) string

func (f ClassifierFunc) Classify(text string) string { return f(text) }

type domainRule struct {
	domain   string
	keywords []string
}

// Ordered: the first domain with a hit wins, so "resume" beats "writing" for
// "write my resume".
var keywordRules = []domainRule{
	{DomainResume, []string{"resume", "cv", "curriculum vitae", "cover letter"}},
	{DomainJobSearch, []string{"job", "jobs", "hiring", "interview", "linkedin", "salary", "recruiter", "opening", "openings"}},
	{DomainCoding, []string{
		"code", "function", "bug", "compile", "python", "golang", "javascript", "typescript", "sql",
		"api", "stack trace", "exception", "regex", "sort", "script", "debug", "refactor",
	}},
	{DomainWriting, []string{"write", "essay", "email", "blog", "article", "paragraph", "proofread", "rewrite", "poem", "story"}},
}

// KeywordClassifier is the built-in word-boundary keyword classifier.
type KeywordClassifier struct{}

func (KeywordClassifier) Classify(text string) string {
	norm := " " + events.NormalizeText(text) + " "
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(norm, " "+kw+" ") {
				return rule.domain
			}
		}
	}
	return DomainOther
}
