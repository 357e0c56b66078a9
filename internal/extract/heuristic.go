package extract

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Fallbacks used when the heuristic finds nothing for a slot.
const (
	FallbackGreetingName = "Customer"
	FallbackAdvisorName  = "Advisor"
	FallbackPhone        = "+1234567890"
)

var (
	// A capital letter followed by letters and spaces.
	nameRunPattern = regexp.MustCompile(`\b[A-Z][a-zA-Z\s]+\b`)
	// Optional +, 2-15 digits, no leading zero.
	phonePattern = regexp.MustCompile(`\+?[1-9]\d{1,14}`)
)

// DefaultStopWords are greeting and boilerplate words that are never names.
var DefaultStopWords = []string{
	"Hi", "Hello", "Hey", "Dear", "Greetings", "Good", "Morning", "Afternoon", "Evening",
	"Thank", "Thanks", "You", "For", "Choosing", "Your", "Personal", "Financial",
	"Advisor", "Account", "Setup", "Complete", "Next", "Steps", "Document",
	"Verification", "Goal", "Maximize", "Growth", "Need", "Assistance", "Reply",
	"This", "Message", "Or", "Call", "Growing", "Wealth", "Securing", "Future",
	"Welcome", "Regards", "Best", "Team", "Please", "We", "Our",
}

// ValueExtractor derives slot values from a rendered message body.
type ValueExtractor interface {
	ExtractCandidateValues(text string) map[string]string
}

// HeuristicExtractor guesses a greeting name, an advisor name and a phone
// number from free text. It is a best-effort fallback for legacy bodies that
// were written as plain text instead of against template slots.
type HeuristicExtractor struct {
	stopWords map[string]struct{}
}

// NewHeuristicExtractor skips DefaultStopWords plus any extra stopWords.
func NewHeuristicExtractor(stopWords []string) *HeuristicExtractor {
	set := make(map[string]struct{}, len(DefaultStopWords)+len(stopWords))
	for _, w := range DefaultStopWords {
		set[w] = struct{}{}
	}
	for _, w := range stopWords {
		if w = strings.TrimSpace(w); w != "" {
			set[w] = struct{}{}
		}
	}
	return &HeuristicExtractor{stopWords: set}
}

// ExtractCandidateValues maps candidates onto the three-slot
// greeting/advisor/phone shape:
//
//	Variable 1 <- first name candidate
//	Variable 2 <- second name candidate, or the first when only one exists
//	Variable 3 <- first phone candidate
//
// Unset slots get the fixed fallbacks.
func (h *HeuristicExtractor) ExtractCandidateValues(text string) map[string]string {
	names, phones := h.Candidates(text)

	values := map[string]string{
		SlotName(1): FallbackGreetingName,
		SlotName(2): FallbackAdvisorName,
		SlotName(3): FallbackPhone,
	}
	if len(names) > 0 {
		values[SlotName(1)] = names[0]
		values[SlotName(2)] = names[0]
		if len(names) > 1 {
			values[SlotName(2)] = names[1]
		}
	}
	if len(phones) > 0 {
		values[SlotName(3)] = phones[0]
	}
	return values
}

// Candidates returns name and phone candidates in first-seen order.
//
// A capitalized run such as "Hi John Smith" is split on stop words, words
// that do not start with a capital, and single letters; the surviving
// neighbours are rejoined, so the run yields "John Smith".
func (h *HeuristicExtractor) Candidates(text string) (names, phones []string) {
	for _, run := range nameRunPattern.FindAllString(text, -1) {
		var current []string
		flush := func() {
			if len(current) > 0 {
				names = append(names, strings.Join(current, " "))
				current = nil
			}
		}
		for _, word := range strings.Fields(run) {
			if h.keep(word) {
				current = append(current, word)
				continue
			}
			flush()
		}
		flush()
	}
	phones = phonePattern.FindAllString(text, -1)
	return names, phones
}

func (h *HeuristicExtractor) keep(word string) bool {
	if utf8.RuneCountInString(word) < 2 {
		return false
	}
	first, _ := utf8.DecodeRuneInString(word)
	if !unicode.IsUpper(first) {
		return false
	}
	_, stop := h.stopWords[word]
	return !stop
}
