package console

import (
	"time"

	"github.com/charmbracelet/bubbles/v2/spinner"
	"github.com/charmbracelet/lipgloss/v2"
)

var thinkingDots = spinner.Spinner{
	Frames: []string{
		"⠋ Querying",
		"⠙ Querying.",
		"⠹ Querying..",
		"⠸ Querying...",
		"⠼ Querying..",
		"⠴ Querying.",
	},
	FPS: time.Second / 10,
}

func newStyledSpinner() spinner.Model {
	s := spinner.New()
	s.Spinner = thinkingDots
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return s
}
