package judge

import (
	"strings"
	"unicode"
)

// Features are the deterministic text signals extracted from an AI utterance.
// They are pure functions of the text: the same utterance always yields the
// same features, which keeps heuristic judgments idempotent under replay.
type Features struct {
	// EndsWithQuestion reports whether the utterance's final sentence ends
	// with a question mark.
	EndsWithQuestion bool `json:"ends_with_question"`
	// QuestionCount is the number of question marks.
	QuestionCount int `json:"question_count"`
	// OpenQuestionCount counts questions opening with an open interrogative
	// (how, why, what, ...).
	OpenQuestionCount int `json:"open_question_count"`
	// DirectiveCount counts lecturing signals ("the answer is", "you should").
	DirectiveCount int `json:"directive_count"`
	// WordCount is the whitespace-delimited token count.
	WordCount int `json:"word_count"`
	// SecondPerson reports whether the utterance addresses the student
	// directly.
	SecondPerson bool `json:"second_person"`
}

// openInterrogatives start questions that invite elaboration rather than a
// yes/no answer.
var openInterrogatives = []string{"how", "why", "what", "which", "where", "when", "in what"}

// directiveMarkers signal lecturing instead of Socratic questioning.
var directiveMarkers = []string{
	"the answer is",
	"you should",
	"you must",
	"you need to",
	"let me explain",
	"here is the solution",
	"the correct answer",
	"simply do",
}

// ExtractFeatures computes the heuristic features of an AI utterance.
func ExtractFeatures(text string) Features {
	trimmed := strings.TrimRightFunc(text, unicode.IsSpace)
	lower := strings.ToLower(trimmed)

	f := Features{
		EndsWithQuestion: strings.HasSuffix(trimmed, "?"),
		QuestionCount:    strings.Count(trimmed, "?"),
		WordCount:        len(strings.Fields(trimmed)),
		SecondPerson:     containsWord(lower, "you") || containsWord(lower, "your"),
	}
	for _, sentence := range splitQuestions(lower) {
		for _, opener := range openInterrogatives {
			if strings.HasPrefix(sentence, opener+" ") || sentence == opener {
				f.OpenQuestionCount++
				break
			}
		}
	}
	for _, marker := range directiveMarkers {
		f.DirectiveCount += strings.Count(lower, marker)
	}
	return f
}

// splitQuestions returns the text of each question, trimmed, without the
// question mark. A question's text starts after the previous sentence
// terminator.
func splitQuestions(lower string) []string {
	var questions []string
	start := 0
	for i, r := range lower {
		switch r {
		case '?':
			q := strings.TrimSpace(lower[start:i])
			if q != "" {
				questions = append(questions, q)
			}
			start = i + 1
		case '.', '!', '\n', ':':
			start = i + 1
		}
	}
	return questions
}

func containsWord(lower, word string) bool {
	for rest := lower; ; {
		idx := strings.Index(rest, word)
		if idx < 0 {
			return false
		}
		beforeOK := idx == 0 || !unicode.IsLetter(rune(rest[idx-1]))
		after := idx + len(word)
		afterOK := after >= len(rest) || !unicode.IsLetter(rune(rest[after]))
		if beforeOK && afterOK {
			return true
		}
		rest = rest[after:]
	}
}
