// Package publish builds the incremental and terminal Results handed to
// the caller of streamExtract.
package publish

import "github.com/atakhan/whatsapp-to-tg/internal/record"

// Publisher is stateless between sessions and has no side effects beyond
// constructing Result values for the caller.
type Publisher struct{}

// New creates a publisher.
func New() Publisher { return Publisher{} }

// Stream builds the incremental Result for one batch: the batch's records,
// the running total, and completeness so far.
func (Publisher) Stream(batch []record.ConversationRecord, session *record.ExtractionSession, completeSoFar bool) record.Result {
	completeness := record.Partial
	if completeSoFar {
		completeness = record.Complete
	}
	return record.Result{
		Records:        batch,
		IsFinal:        false,
		Completeness:   completeness,
		CollectedCount: session.Collected(),
		ExpectedTotal:  session.ExpectedTotal,
		SourceUsed:     session.SourceUsed,
	}
}

// Final builds the terminal Result with the full record set, completeness
// verdict, missing ids and anomalies.
func (Publisher) Final(records []record.ConversationRecord, completeness string, session *record.ExtractionSession) record.Result {
	return record.Result{
		Records:        records,
		IsFinal:        true,
		Completeness:   completeness,
		CollectedCount: session.Collected(),
		ExpectedTotal:  session.ExpectedTotal,
		MissingIDs:     session.MissingIDs,
		Anomalies:      session.Anomalies,
		SourceUsed:     session.SourceUsed,
	}
}
