// Package audit provides the append-only, hash-chained decision ledger.
// Every risk decision, breaker transition and transaction outcome is
// recorded here; the chain makes retroactive tampering detectable.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/quantra/tradecore/pkg/metrics"
)

// GenesisHash is the fixed prev_hash of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry kinds recorded by the core.
const (
	KindRiskDecision      = "risk.decision"
	KindBreakerTransition = "breaker.transition"
	KindTransaction       = "transaction.outcome"
	KindSurveillance      = "surveillance.signal"
	KindOperatorAction    = "operator.action"
)

// Entry is a single sealed audit record. SequenceNo is monotonic and
// gapless; Hash covers PrevHash, SequenceNo and Payload.
type Entry struct {
	SequenceNo uint64    `json:"sequence_no" gorm:"primaryKey;autoIncrement:false;column:sequence_no"`
	PrevHash   string    `json:"prev_hash" gorm:"not null;size:64"`
	Hash       string    `json:"this_hash" gorm:"not null;size:64;index"`
	Kind       string    `json:"kind" gorm:"not null;index"`
	Payload    []byte    `json:"payload" gorm:"not null"`
	RecordedAt time.Time `json:"recorded_at" gorm:"not null;index"`
}

// TableName sets the gorm table name.
func (Entry) TableName() string { return "audit_entries" }

// ComputeHash seals an entry: H(prev_hash || sequence_no || payload).
func ComputeHash(prevHash string, seq uint64, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

type appendRequest struct {
	kind    string
	payload []byte
	resp    chan appendResult
}

type appendResult struct {
	entry Entry
	err   error
}

// Log serializes all appends through a single writer goroutine. Hash
// chaining requires strictly ordered sequence allocation, so concurrent
// appends queue here rather than racing on the store.
type Log struct {
	store   Store
	logger  *zap.Logger
	queue   chan appendRequest
	done    chan struct{}
	stopped chan struct{}

	onBreak []func(Report)
}

// NewLog creates the audit log service and starts its writer. The writer
// resumes the chain from the last persisted entry.
func NewLog(ctx context.Context, store Store, logger *zap.Logger) (*Log, error) {
	last, err := store.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit chain head: %w", err)
	}

	l := &Log{
		store:   store,
		logger:  logger,
		queue:   make(chan appendRequest, 256),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	nextSeq := uint64(0)
	prevHash := GenesisHash
	if last != nil {
		nextSeq = last.SequenceNo + 1
		prevHash = last.Hash
	}
	go l.writer(nextSeq, prevHash)

	return l, nil
}

// OnBreak registers a callback invoked when chain verification finds a
// break. Callbacks must be registered before concurrent use.
func (l *Log) OnBreak(fn func(Report)) {
	l.onBreak = append(l.onBreak, fn)
}

// Append seals and persists a new entry. The payload is marshalled to JSON
// and is opaque to the chain. Append blocks until the writer has committed
// the entry or ctx is cancelled while still queued.
func (l *Log) Append(ctx context.Context, kind string, payload interface{}) (Entry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to marshal audit payload: %w", err)
	}

	req := appendRequest{kind: kind, payload: data, resp: make(chan appendResult, 1)}
	select {
	case <-l.done:
		return Entry{}, fmt.Errorf("audit log is closed")
	default:
	}
	select {
	case l.queue <- req:
	case <-l.done:
		return Entry{}, fmt.Errorf("audit log is closed")
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}

	// Once queued the entry will be written; waiting for the result is not
	// cancellable because the sequence slot is already consumed.
	res := <-req.resp
	return res.entry, res.err
}

func (l *Log) writer(nextSeq uint64, prevHash string) {
	defer close(l.stopped)
	for {
		select {
		case req := <-l.queue:
			entry, err := l.commit(req, nextSeq, prevHash)
			if err == nil {
				nextSeq = entry.SequenceNo + 1
				prevHash = entry.Hash
			}
			req.resp <- appendResult{entry: entry, err: err}
		case <-l.done:
			// Drain whatever is already queued so no caller hangs.
			for {
				select {
				case req := <-l.queue:
					entry, err := l.commit(req, nextSeq, prevHash)
					if err == nil {
						nextSeq = entry.SequenceNo + 1
						prevHash = entry.Hash
					}
					req.resp <- appendResult{entry: entry, err: err}
				default:
					return
				}
			}
		}
	}
}

func (l *Log) commit(req appendRequest, seq uint64, prevHash string) (Entry, error) {
	entry := Entry{
		SequenceNo: seq,
		PrevHash:   prevHash,
		Kind:       req.kind,
		Payload:    req.payload,
		RecordedAt: time.Now().UTC(),
	}
	entry.Hash = ComputeHash(entry.PrevHash, entry.SequenceNo, entry.Payload)

	if err := l.store.Append(context.Background(), &entry); err != nil {
		l.logger.Error("failed to append audit entry",
			zap.Uint64("sequence_no", entry.SequenceNo),
			zap.String("kind", entry.Kind),
			zap.Error(err))
		return Entry{}, fmt.Errorf("failed to append audit entry: %w", err)
	}

	metrics.AuditAppends.WithLabelValues(entry.Kind).Inc()
	l.logger.Debug("audit entry appended",
		zap.Uint64("sequence_no", entry.SequenceNo),
		zap.String("kind", entry.Kind))
	return entry, nil
}

// Close stops the writer after draining queued appends.
func (l *Log) Close() {
	close(l.done)
	<-l.stopped
}

// Report is the result of a chain verification pass.
type Report struct {
	From       uint64    `json:"from"`
	To         uint64    `json:"to"`
	Total      int       `json:"total_entries"`
	Valid      int       `json:"valid_entries"`
	Issues     []Issue   `json:"issues"`
	VerifiedAt time.Time `json:"verified_at"`
}

// OK reports whether the verified range is intact.
func (r *Report) OK() bool { return len(r.Issues) == 0 }

// Issue describes a single integrity violation.
type Issue struct {
	SequenceNo  uint64 `json:"sequence_no"`
	IssueType   string `json:"issue_type"` // hash_mismatch, chain_break, sequence_gap
	Description string `json:"description"`
}

// VerifyChain recomputes every hash and link in [from, to]. Any break is
// reported, never repaired; a non-OK report also fires the OnBreak hooks.
func (l *Log) VerifyChain(ctx context.Context, from, to uint64) (*Report, error) {
	entries, err := l.store.Range(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit range [%d, %d]: %w", from, to, err)
	}

	report := &Report{From: from, To: to, Total: len(entries), VerifiedAt: time.Now().UTC()}
	prevHash := GenesisHash
	if from > 0 && len(entries) > 0 {
		prev, err := l.store.Range(ctx, from-1, from-1)
		if err != nil {
			return nil, fmt.Errorf("failed to load chain predecessor %d: %w", from-1, err)
		}
		if len(prev) == 1 {
			prevHash = prev[0].Hash
		}
	}

	expectedSeq := from
	if len(entries) > 0 {
		expectedSeq = entries[0].SequenceNo
		if from > 0 && entries[0].SequenceNo != from {
			report.Issues = append(report.Issues, Issue{
				SequenceNo:  entries[0].SequenceNo,
				IssueType:   "sequence_gap",
				Description: fmt.Sprintf("range starts at %d, expected %d", entries[0].SequenceNo, from),
			})
		}
	}

	for _, e := range entries {
		valid := true

		if e.SequenceNo != expectedSeq {
			report.Issues = append(report.Issues, Issue{
				SequenceNo:  e.SequenceNo,
				IssueType:   "sequence_gap",
				Description: fmt.Sprintf("expected sequence %d, found %d", expectedSeq, e.SequenceNo),
			})
			valid = false
			expectedSeq = e.SequenceNo
		}

		if e.PrevHash != prevHash {
			report.Issues = append(report.Issues, Issue{
				SequenceNo:  e.SequenceNo,
				IssueType:   "chain_break",
				Description: "prev_hash does not match the preceding entry's hash",
			})
			valid = false
		}

		if recomputed := ComputeHash(e.PrevHash, e.SequenceNo, e.Payload); recomputed != e.Hash {
			report.Issues = append(report.Issues, Issue{
				SequenceNo:  e.SequenceNo,
				IssueType:   "hash_mismatch",
				Description: "stored hash does not match recomputed hash",
			})
			valid = false
		}

		if valid {
			report.Valid++
		}
		prevHash = e.Hash
		expectedSeq++
	}

	if !report.OK() {
		metrics.ChainVerifyFailures.Inc()
		l.logger.Error("audit chain verification failed",
			zap.Uint64("from", from),
			zap.Uint64("to", to),
			zap.Int("issues", len(report.Issues)))
		for _, fn := range l.onBreak {
			fn(*report)
		}
	}

	return report, nil
}

// Range returns the ordered, gapless export slice for downstream reporting.
func (l *Log) Range(ctx context.Context, from, to uint64) ([]Entry, error) {
	return l.store.Range(ctx, from, to)
}

// Head returns the sequence number of the latest entry, or false when the
// log is empty.
func (l *Log) Head(ctx context.Context) (uint64, bool, error) {
	last, err := l.store.Last(ctx)
	if err != nil {
		return 0, false, err
	}
	if last == nil {
		return 0, false, nil
	}
	return last.SequenceNo, true, nil
}
