package domain

// SagaState is the position of a transaction in the dual-ledger commit sequence.
// The ledger is always written before the off-chain mirror.
type SagaState string

const (
	StateInitiated         SagaState = "INITIATED"
	StateAuthorized        SagaState = "AUTHORIZED"
	StateLedgerSubmitted   SagaState = "LEDGER_SUBMITTED"
	StateProjectionApplied SagaState = "PROJECTION_APPLIED"
	StateCommitted         SagaState = "COMMITTED"
	StateRejected          SagaState = "REJECTED"
	StateDiverged          SagaState = "DIVERGED"
	// StateLedgerUnknown marks a submission whose commit outcome was never
	// observed (timeout). Only reconciliation may move it forward.
	StateLedgerUnknown SagaState = "LEDGER_UNKNOWN"
)

var sagaTransitions = map[SagaState][]SagaState{
	StateInitiated:         {StateAuthorized, StateRejected},
	StateAuthorized:        {StateLedgerSubmitted, StateRejected, StateLedgerUnknown},
	StateLedgerSubmitted:   {StateProjectionApplied, StateDiverged},
	StateProjectionApplied: {StateCommitted},
	StateDiverged:          {StateCommitted},
	StateLedgerUnknown:     {StateCommitted, StateRejected},
}

// CanTransition reports whether the saga may move from s to next.
func (s SagaState) CanTransition(next SagaState) bool {
	for _, allowed := range sagaTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s SagaState) Terminal() bool {
	return len(sagaTransitions[s]) == 0
}

// Unresolved reports whether the ledger and the mirror may disagree about
// the transaction until reconciliation runs.
func (s SagaState) Unresolved() bool {
	return s == StateDiverged || s == StateLedgerUnknown
}

// Stranded reports whether a pending record stopped in a state the
// coordinator only passes through, which happens when its outcome could not
// be persisted. It returns the unresolved state the record stands for: a
// record left AUTHORIZED may or may not have reached the ledger, one left
// LEDGER_SUBMITTED did commit there.
func (s SagaState) Stranded() (SagaState, bool) {
	switch s {
	case StateAuthorized:
		return StateLedgerUnknown, true
	case StateLedgerSubmitted:
		return StateDiverged, true
	default:
		return s, false
	}
}

// Status maps a saga state to the externally visible record status.
func (s SagaState) Status() TransactionStatus {
	switch s {
	case StateCommitted:
		return TransactionStatusCompleted
	case StateRejected:
		return TransactionStatusFailed
	default:
		return TransactionStatusPending
	}
}
