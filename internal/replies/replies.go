// Package replies holds every fixed text the bot sends.
package replies

import "fmt"

// Texts are the fixed user-facing messages. EngineError is a format string
// taking the engine's result code.
type Texts struct {
	Welcome               string
	Cancelled             string
	NothingToCancel       string
	GenerationUnavailable string
	CorrectionExhausted   string
	EngineError           string
	AudioFailed           string
	Unexpected            string
	HumanizeFailed        string
	ChartFailed           string
}

// Default returns the stock texts.
func Default() Texts {
	return Texts{
		Welcome: "⏳ *Answering with AI...*\n\n" +
			"- Send your question as *audio* or *text*.\n" +
			"- Ask about production orders, items, units or machines.\n" +
			"To get a *chart*, put *&* before the question.\n" +
			"- e.g. & Compare January 2025 with January 2023\n" +
			"Send *cancelar* to cancel your last question.",
		Cancelled:             "🚫 Your last request was cancelled.",
		NothingToCancel:       "❌ There is no request in progress to cancel.",
		GenerationUnavailable: "❌ Sorry, I could not build a query for your request right now.",
		CorrectionExhausted:   "❌ Sorry, I could not process your request after several correction attempts.",
		EngineError:           "❌ Sorry, an error (%s) occurred while querying the database.",
		AudioFailed:           "❌ Sorry, I could not understand the audio. Please try again or type your question.",
		Unexpected:            "❌ Sorry, an unexpected error occurred while processing your message.",
		HumanizeFailed:        "Sorry, I could not format the answer properly right now.",
		ChartFailed:           "❌ Sorry, I could not draw the chart.",
	}
}

// Engine renders EngineError for code.
func (t Texts) Engine(code string) string {
	if code == "" {
		code = "unknown"
	}
	return fmt.Sprintf(t.EngineError, code)
}
