package emotion

import (
	"math"
	"strings"
)

// Label is the emotion tag attached to completed turns and analytics.
type Label string

const (
	Neutral    Label = "neutral"
	Happy      Label = "happy"
	Frustrated Label = "frustrated"
	Confused   Label = "confused"
	Curious    Label = "curious"
	Anxious    Label = "anxious"
	Confident  Label = "confident"
	Encourage  Label = "encourage"
)

// Decision carries the inferred label plus a recommended intensity in [1,5].
type Decision struct {
	Emotion Label
	Scale   float32
	Score   int
}

var keywordBuckets = map[Label][]string{
	Happy: {
		"thanks", "thank you", "awesome", "great", "nice", "love it", "got it",
		"makes sense", "finally", "yay", "haha", "lol", "perfect", "cool",
	},
	Frustrated: {
		"frustrated", "annoying", "give up", "hate", "stuck", "ugh",
		"this is stupid", "impossible", "sick of", "fed up", "so hard",
	},
	Confused: {
		"confused", "don't understand", "dont understand", "don't get",
		"dont get", "lost", "what does", "huh", "no idea", "unclear",
		"doesn't make sense", "not sure what",
	},
	Curious: {
		"why does", "how does", "how do", "what if", "interesting", "curious",
		"tell me more", "wonder", "what about", "could we",
	},
	Anxious: {
		"worried", "nervous", "exam tomorrow", "scared", "anxious", "panic",
		"running out of time", "deadline", "afraid", "stress", "stressed",
	},
	Confident: {
		"i can do", "easy", "i know", "ready", "definitely",
		"let's try", "lets try", "i got this", "no problem",
	},
}

var punctuationBoost = map[Label]int{
	Happy:   2,
	Curious: 2,
}

// Analyze infers the voice emotion for a finished turn from the student's
// utterance and the tutor's reply. When the reply itself carries no clear
// signal the student's state decides, mapped to the tone the reply should
// take rather than mirrored back.
func Analyze(userUtterance, replyText string) Decision {
	userScore := scoreText(userUtterance)
	replyScore := scoreText(replyText)

	final := replyScore
	if final.Score == 0 && userScore.Score > 0 {
		final = coerceFromUser(userScore)
	}

	if final.Score == 0 {
		return Decision{Emotion: Neutral, Scale: 3, Score: 0}
	}

	scale := 2 + float32(final.Score)/4
	if final.Emotion == Encourage || final.Emotion == Happy {
		scale = float32(math.Min(4.0, float64(scale)))
	}
	if scale < 1 {
		scale = 1
	}
	if scale > 5 {
		scale = 5
	}

	return Decision{Emotion: final.Emotion, Scale: scale, Score: final.Score}
}

func scoreText(text string) Decision {
	normalized := strings.TrimSpace(strings.ToLower(text))
	if normalized == "" {
		return Decision{Emotion: Neutral}
	}

	scores := make(map[Label]int)
	for label, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, word) {
				scores[label] += 3
			}
		}
	}

	exclamations := strings.Count(text, "!")
	if exclamations > 0 {
		scores[Happy] += exclamations * punctuationBoost[Happy]
	}
	if questions := strings.Count(text, "?"); questions > 1 {
		scores[Curious] += punctuationBoost[Curious]
	}

	bestLabel := Neutral
	bestScore := 0
	for label, s := range scores {
		if s > bestScore {
			bestScore = s
			bestLabel = label
		}
	}

	if bestScore == 0 {
		return Decision{Emotion: Neutral}
	}
	return Decision{Emotion: bestLabel, Score: bestScore}
}

// coerceFromUser maps the student's emotion to the tone the reply should
// take: distress gets encouragement, curiosity is kept alive.
func coerceFromUser(user Decision) Decision {
	switch user.Emotion {
	case Frustrated, Anxious, Confused:
		return Decision{Emotion: Encourage, Score: user.Score}
	case Happy, Confident:
		return Decision{Emotion: Happy, Score: user.Score}
	case Curious:
		return Decision{Emotion: Curious, Score: user.Score}
	default:
		return user
	}
}
