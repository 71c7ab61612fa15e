// Package moderation decides whether chat text may be stored and relayed,
// and strips markup from text that passes.
package moderation

import (
	"errors"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// Rejection reasons returned by Check.
var (
	ErrEmpty        = errors.New("message is empty")
	ErrTooLong      = errors.New("message is too long")
	ErrTooManyLinks = errors.New("message contains too many links")
	ErrBlockedWord  = errors.New("message contains blocked content")
)

const (
	DefaultMaxLength = 255
	DefaultMaxLinks  = 2

	// maxSanitizePasses bounds the strip/unescape loop for pathological,
	// deeply entity-encoded input.
	maxSanitizePasses = 16
)

// DefaultBlockedWords is the stock denylist. It is a small, documented
// policy rather than a general moderation system.
var DefaultBlockedWords = []string{"hack", "crack", "spam", "scam", "phish"}

var linkPattern = regexp.MustCompile(`(?i)(?:https?://|\bwww\.)[^\s]+`)

// Policy validates and sanitizes message text.
type Policy struct {
	maxLength int
	maxLinks  int
	blockedRe *regexp.Regexp
	strip     *bluemonday.Policy
}

// NewPolicy creates a Policy. A non-positive maxLength or a negative maxLinks
// falls back to the default; an empty word list disables the denylist.
func NewPolicy(maxLength, maxLinks int, blocked []string) *Policy {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	if maxLinks < 0 {
		maxLinks = DefaultMaxLinks
	}

	words := make([]string, 0, len(blocked))
	for _, w := range blocked {
		w = strings.TrimSpace(w)
		if w != "" {
			words = append(words, regexp.QuoteMeta(strings.ToLower(w)))
		}
	}

	p := &Policy{
		maxLength: maxLength,
		maxLinks:  maxLinks,
		strip:     bluemonday.StrictPolicy(),
	}
	if len(words) > 0 {
		p.blockedRe = regexp.MustCompile(`(?i)\b(?:` + strings.Join(words, "|") + `)\b`)
	}
	return p
}

// DefaultPolicy returns the stock policy: 255 characters, 2 links and
// DefaultBlockedWords.
func DefaultPolicy() *Policy {
	return NewPolicy(DefaultMaxLength, DefaultMaxLinks, DefaultBlockedWords)
}

// MaxLength returns the maximum message length in characters.
func (p *Policy) MaxLength() int {
	return p.maxLength
}

// Check returns nil if text may be posted, or the reason it may not.
func (p *Policy) Check(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmpty
	}
	if utf8.RuneCountInString(text) > p.maxLength {
		return ErrTooLong
	}
	if len(linkPattern.FindAllStringIndex(text, p.maxLinks+1)) > p.maxLinks {
		return ErrTooManyLinks
	}
	if p.blockedRe != nil && p.blockedRe.MatchString(text) {
		return ErrBlockedWord
	}
	return nil
}

// Validate reports whether text passes Check.
func (p *Policy) Validate(text string) bool {
	return p.Check(text) == nil
}

// Sanitize removes all markup from text and returns plain, trimmed text.
// Sanitize(Sanitize(s)) == Sanitize(s). Text that is still changing after
// maxSanitizePasses sanitizes to "".
func (p *Policy) Sanitize(text string) string {
	s := text
	for i := 0; i < maxSanitizePasses; i++ {
		next := strings.TrimSpace(html.UnescapeString(p.strip.Sanitize(s)))
		if next == s {
			return s
		}
		s = next
	}
	return ""
}

// IsValidation reports whether err is one of the Check rejection reasons.
func IsValidation(err error) bool {
	return errors.Is(err, ErrEmpty) ||
		errors.Is(err, ErrTooLong) ||
		errors.Is(err, ErrTooManyLinks) ||
		errors.Is(err, ErrBlockedWord)
}
