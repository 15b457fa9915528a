package answer

import (
	"fmt"
	"strings"
	"time"

	"github.com/edufind-cloud/studyrag/internal/domain"
)

// systemPrompt pins the advisor persona and the grounding rules. The model
// may only use supplied evidence and must cite it; refusing is preferred
// over inventing.
const systemPrompt = `You are a study-abroad advisor helping students find scholarships and funding programs.

Rules:
- Answer ONLY from the evidence blocks provided in the user message.
- Cite every factual claim with the tag of the evidence block it came from, e.g. [doc:abc123].
- If the evidence does not answer the question, reply exactly: INSUFFICIENT_EVIDENCE
- Never invent program names, amounts, dates, or eligibility rules.
- Be concise and concrete: amounts, deadlines, and eligibility first.`

// insufficientEvidenceMarker is the model's abstention sentinel.
const insufficientEvidenceMarker = "INSUFFICIENT_EVIDENCE"

// buildUserPrompt renders the question and the evidence blocks. Each block
// is tagged with its document id so citations can be verified afterwards.
func buildUserPrompt(question string, evidence []domain.Evidence) string {
	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(question)
	sb.WriteString("\n\nEvidence:\n")

	for _, ev := range evidence {
		sb.WriteString(fmt.Sprintf("\n[doc:%s]", ev.DocumentID))
		if ev.Title != "" {
			sb.WriteString(" " + ev.Title)
		}
		if ev.Country != "" {
			sb.WriteString(" (" + ev.Country + ")")
		}
		if ev.Deadline > 0 {
			sb.WriteString(", deadline " + time.Unix(ev.Deadline, 0).UTC().Format("2006-01-02"))
		}
		sb.WriteString("\n")
		sb.WriteString(ev.Text)
		sb.WriteString("\n")
	}

	return sb.String()
}
