package ai

import "strings"

// Spoken replies get segmented into sentences for synthesis, so the
// prompt pushes the model toward short, speakable sentences.
var promptSections = []string{
	"You are Lumos, a patient voice tutor.",
	"Answer in short spoken sentences that end with clear punctuation.",
	"Explain one idea at a time and check understanding before moving on.",
	"If the student sounds stuck, encourage them before re-explaining.",
}

// BuildSystemPrompt assembles the tutor system prompt.
func BuildSystemPrompt() string {
	return strings.Join(promptSections, " ")
}

// Greeting is sent with the initialization acknowledgment.
const Greeting = "Hi, I'm Lumos. What are we working on today?"
