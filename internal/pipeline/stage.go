package pipeline

// Stage is a point in one intent's life.
type Stage int32

const (
	StageReceived Stage = iota
	StageValidated
	StageRejectedByFirewall
	StageRiskApproved
	StageRejectedByRisk
	StageExecuted
	StageExecutionFailed
	StageRecorded
	StageNotified
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "RECEIVED"
	case StageValidated:
		return "VALIDATED"
	case StageRejectedByFirewall:
		return "REJECTED_BY_FIREWALL"
	case StageRiskApproved:
		return "RISK_APPROVED"
	case StageRejectedByRisk:
		return "REJECTED_BY_RISK"
	case StageExecuted:
		return "EXECUTED"
	case StageExecutionFailed:
		return "EXECUTION_FAILED"
	case StageRecorded:
		return "RECORDED"
	case StageNotified:
		return "NOTIFIED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no stage may follow s.
func (s Stage) IsTerminal() bool {
	switch s {
	case StageRejectedByFirewall, StageRejectedByRisk, StageExecutionFailed, StageNotified:
		return true
	default:
		return false
	}
}

var validTransitions = map[Stage][]Stage{
	StageReceived: {
		StageValidated,
		StageRejectedByFirewall,
	},
	StageValidated: {
		StageRiskApproved,
		StageRejectedByRisk,
	},
	StageRiskApproved: {
		StageExecuted,
		StageExecutionFailed,
	},
	StageExecuted: {
		StageRecorded,
	},
	StageRecorded: {
		StageNotified,
	},
}

// CanTransitionTo validates stage transitions
func (s Stage) CanTransitionTo(next Stage) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}

	for _, allowedStage := range allowed {
		if next == allowedStage {
			return true
		}
	}

	return false
}
