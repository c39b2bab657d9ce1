package review

import (
	"errors"
	"time"

	"github.com/tan-res-space/rag-interface/pkg/apperr"
)

// TestItem is a historical transcription of one speaker, held for review:
// what the recogniser produced, what the correction pipeline made of it and
// the reference a human settled on.
type TestItem struct {
	ID                 string    `json:"id"`
	SpeakerID          string    `json:"speaker_id"`
	JobID              string    `json:"job_id,omitempty"`
	OriginalASRText    string    `json:"original_asr_text"`
	RAGCorrectedText   string    `json:"rag_corrected_text"`
	FinalReferenceText string    `json:"final_reference_text"`
	SessionID          string    `json:"session_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Validate checks identifiers and texts.
//
// Rules:
//   - ID and SpeakerID must be non-empty.
//   - The three texts must be non-blank and at most [MaxTextLength]
//     characters.
func (t TestItem) Validate() error {
	var errs []error
	if t.ID == "" {
		errs = append(errs, errors.New("id must not be empty"))
	}
	if t.SpeakerID == "" {
		errs = append(errs, errors.New("speaker_id must not be empty"))
	}
	errs = appendText(errs, "original_asr_text", t.OriginalASRText)
	errs = appendText(errs, "rag_corrected_text", t.RAGCorrectedText)
	errs = appendText(errs, "final_reference_text", t.FinalReferenceText)
	return apperr.Validation("test item", errs...)
}

// InSession returns a copy of t linked to sessionID.
func (t TestItem) InSession(sessionID string) TestItem {
	t.SessionID = sessionID
	return t
}
