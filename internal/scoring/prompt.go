package scoring

import (
	"fmt"

	"dartscore/internal/upstream/serving"
)

const SystemPrompt = `You are a darts scoring agent. Analyze the dartboard image and identify ALL darts currently on the board.

Process:
1. Count every dart visible on the dartboard.
2. For each dart, determine its exact position on the board.
3. Calculate the score of each dart independently.

Scoring rules:
- Inner bullseye (red center): 50 points
- Outer bullseye (green ring): 25 points
- Triple ring (inner thin ring): 3x the segment number
- Double ring (outer thin ring): 2x the segment number
- Single segments: face value (1-20)
- Outside the scoring area or missed: 0 points

Output rules:
- Return ONLY a comma-separated list of integers, one per dart, in any order.
- No labels, no words, no explanation.
- If no darts are on the board, return exactly: 0

Examples: "20" / "60, 50" / "20, 60, 50"`

const detectionInstruction = "Score every dart on the board. Respond with only the comma-separated integer scores."

// BuildDetectionMessages returns the primary request: the canonical system
// prompt and one user turn carrying the after image.
func BuildDetectionMessages(imageDataURL string, timestamp float64) []serving.ChatMessage {
	return []serving.ChatMessage{
		{Role: "system", Content: SystemPrompt},
		{Role: "user", Content: []serving.ContentPart{
			serving.TextPart(fmt.Sprintf("AFTER image (timestamp: %.2fs):", timestamp)),
			serving.ImagePart(imageDataURL),
			serving.TextPart(detectionInstruction),
		}},
	}
}

// BuildCorrectionMessages returns a single user turn that quotes the
// unparsable reply verbatim and asks for digits only. No system prompt is sent.
func BuildCorrectionMessages(imageDataURL, previousReply string) []serving.ChatMessage {
	text := fmt.Sprintf(`Your previous answer could not be parsed as dart scores:
"""
%s
"""

Look at the dartboard image again and answer with ONLY the score of each dart as digits separated by commas.
No words, no labels, no explanation.

Examples:
- no darts on the board: 0
- one dart: 20
- two darts: 60, 5
- three darts: 20, 60, 50`, previousReply)

	return []serving.ChatMessage{
		{Role: "user", Content: []serving.ContentPart{
			serving.TextPart(text),
			serving.ImagePart(imageDataURL),
		}},
	}
}
