package domain

// AbstainReason distinguishes why an Answer carries no grounded text.
type AbstainReason string

const (
	// AbstainNone marks a regular grounded answer.
	AbstainNone AbstainReason = ""
	// AbstainNoEvidence marks an abstention because retrieval found nothing
	// above the similarity threshold.
	AbstainNoEvidence AbstainReason = "no_evidence"
	// AbstainGenerationFailed marks an abstention because the generation
	// provider failed after retries.
	AbstainGenerationFailed AbstainReason = "generation_failed"
)

// Answer is the composed response: generated text, ordered cited document
// ids, and the abstention state. Constructed per query, not persisted.
type Answer struct {
	Text       string
	Citations  []string
	Abstained  bool
	Reason     AbstainReason
	Confidence float64
}
