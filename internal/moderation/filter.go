package moderation

import (
	"context"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/beech80/clipt-sub000/internal/domain"
	"github.com/beech80/clipt-sub000/internal/repository"
)

// FilterResult is the outcome of content rule evaluation. Body is the
// possibly rewritten text.
type FilterResult struct {
	Blocked bool
	Body    string
	Matched []string
}

// ContentFilter evaluates a message body against the stream's rules.
type ContentFilter interface {
	Evaluate(ctx context.Context, streamID, body string) (FilterResult, error)
}

// RuleFilter applies chat_filter_rules: block rules reject the message, mask
// rules replace each match with asterisks. Matching is case-insensitive and
// respects word boundaries at word-character edges of the pattern.
type RuleFilter struct {
	repo repository.ModerationRepository
}

func NewRuleFilter(repo repository.ModerationRepository) *RuleFilter {
	return &RuleFilter{repo: repo}
}

func (f *RuleFilter) Evaluate(ctx context.Context, streamID, body string) (FilterResult, error) {
	rules, err := f.repo.ListFilterRules(ctx, streamID)
	if err != nil {
		return FilterResult{}, err
	}
	return applyRules(rules, body), nil
}

// applyRules checks every block rule against the unmodified body before any
// mask is applied, so rule order never lets a mask hide a blocked term.
func applyRules(rules []*domain.FilterRule, body string) FilterResult {
	res := FilterResult{Body: body}
	masks := make([]*regexp.Regexp, 0, len(rules))
	maskPatterns := make([]string, 0, len(rules))
	for _, r := range rules {
		re := compileRule(r.Pattern)
		if re == nil {
			continue
		}
		if r.Action != domain.FilterBlock {
			masks = append(masks, re)
			maskPatterns = append(maskPatterns, r.Pattern)
			continue
		}
		if re.MatchString(body) {
			res.Blocked = true
			res.Matched = []string{r.Pattern}
			return res
		}
	}
	for i, re := range masks {
		if !re.MatchString(res.Body) {
			continue
		}
		res.Matched = append(res.Matched, maskPatterns[i])
		res.Body = re.ReplaceAllStringFunc(res.Body, func(m string) string {
			return strings.Repeat("*", utf8.RuneCountInString(m))
		})
	}
	return res
}

func compileRule(pattern string) *regexp.Regexp {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil
	}
	expr := regexp.QuoteMeta(pattern)
	first, _ := utf8.DecodeRuneInString(pattern)
	last, _ := utf8.DecodeLastRuneInString(pattern)
	if isWord(first) {
		expr = `\b` + expr
	}
	if isWord(last) {
		expr += `\b`
	}
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return nil
	}
	return re
}

func isWord(r rune) bool {
	return r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
}
