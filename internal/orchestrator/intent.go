// Intent classification for §4.6 step 4: "classify intent (greeting /
// tour_control / question). Greetings and tour_control short-circuit RAG and
// go straight to templated responses." This is a small hand-rolled keyword
// matcher, justified in DESIGN.md (no suitable NLP/classification library
// fits, and the spec calls for something this cheap, not a model call).
package orchestrator

import "strings"

type intent int

const (
	intentGreeting intent = iota
	intentTourControl
	intentQuestion
)

var greetingPhrases = []string{
	"你好", "您好", "hi", "hello", "hey", "早上好", "晚上好",
}

var tourControlPhrases = []string{
	"下一个", "上一个", "暂停", "继续", "重新开始", "next stop", "previous stop", "pause tour", "resume tour",
}

var defaultGreetingResponse = "你好，欢迎参观"
var defaultTourControlResponse = "好的"

// templateSet holds the fixed canned responses for non-question intents.
type templateSet struct {
	greeting    string
	tourControl string
}

func defaultTemplateSet() *templateSet {
	return &templateSet{greeting: defaultGreetingResponse, tourControl: defaultTourControlResponse}
}

// classify returns the matched intent and, for non-question intents, the
// templated reply text to synthesize in place of a RAG call.
func (t *templateSet) classify(question string) (intent, string) {
	q := strings.ToLower(strings.TrimSpace(question))
	if q == "" {
		return intentQuestion, ""
	}
	for _, phrase := range greetingPhrases {
		if strings.Contains(q, strings.ToLower(phrase)) {
			return intentGreeting, t.greeting
		}
	}
	for _, phrase := range tourControlPhrases {
		if strings.Contains(q, strings.ToLower(phrase)) {
			return intentTourControl, t.tourControl
		}
	}
	return intentQuestion, ""
}
