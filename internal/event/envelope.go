package event

import (
	"CopyGuard/internal/execution"
	"CopyGuard/internal/intent"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SubjectPrefix is the outbound subject root; the stage name is appended.
const SubjectPrefix = "copy.outcomes"

// Envelope describes one intent's terminal state with its full causal chain:
// intent, firewall verdict, risk decision, order, execution result, ledger update.
// It is what the notification collaborator receives and what the audit trail stores.
type Envelope struct {
	// Terminal stage name, e.g. NOTIFIED or REJECTED_BY_RISK
	Stage string `json:"stage"`

	// Every stage the intent passed through, in order
	Trail []string `json:"trail"`

	// Ingestion transport the intent arrived on
	Source string `json:"source,omitempty"`

	Intent   intent.Record     `json:"intent"`
	Firewall *FirewallVerdict  `json:"firewall,omitempty"`
	Risk     *RiskVerdict      `json:"risk,omitempty"`
	Order    *OrderSpec        `json:"order,omitempty"`
	Result   *execution.Result `json:"result,omitempty"`
	Ledger   *LedgerChange     `json:"ledger,omitempty"`

	// Infrastructure error that stopped the pipeline, if any
	Error string `json:"error,omitempty"`

	// Delivery failure reported by the notifier, if any
	NotifyError string `json:"notify_error,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// FirewallVerdict is the firewall's result.
type FirewallVerdict struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// RiskVerdict is the kernel's decision.
type RiskVerdict struct {
	Approved  bool            `json:"approved"`
	Size      decimal.Decimal `json:"size"`
	Reason    string          `json:"reason,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	LatchKill bool            `json:"latch_kill,omitempty"`
}

// OrderSpec is the sized order handed to the executor.
type OrderSpec struct {
	Mode     string          `json:"mode,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
	Quantity decimal.Decimal `json:"quantity"`
}

// LedgerChange is what the ledger did with the result.
type LedgerChange struct {
	Kind        string          `json:"kind"`
	PositionID  string          `json:"position_id,omitempty"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Replayed    bool            `json:"replayed,omitempty"`
}

// IntentID returns the id of the intent the envelope describes
func (e *Envelope) IntentID() string {
	return e.Intent.ID
}

// Subject returns the outbound subject, e.g. copy.outcomes.rejected_by_risk.
func (e *Envelope) Subject() string {
	return SubjectPrefix + "." + strings.ToLower(e.Stage)
}

// Marshal returns the JSON form used on the wire and in the audit trail.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
