package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/bus"
	"conductor/pkg/guardian"
	"conductor/pkg/ledger"
	"conductor/pkg/orchestrator"
)

// ErrNoSnapshot is returned when no ledger snapshot has been written yet.
var ErrNoSnapshot = errors.New("no ledger snapshot recorded")

// WriteCycle stores a closed cycle. Agent results are stored as JSON; the
// cycle row itself is the unit guardian and status read back.
func (g *Gateway) WriteCycle(ctx context.Context, cycle *orchestrator.Cycle) error {
	results, err := json.Marshal(cycle.AgentResults)
	if err != nil {
		return fmt.Errorf("failed to marshal agent results: %w", err)
	}

	_, err = g.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cycles (id, started_at, completed_at, status, agent_results)
		VALUES (?, ?, ?, ?, ?)
	`, cycle.ID, cycle.StartedAt.UTC(), cycle.CompletedAt.UTC(), string(cycle.Status), string(results))
	if err != nil {
		return fmt.Errorf("failed to write cycle %s: %w", cycle.ID, err)
	}
	return nil
}

// ReadRecentCycles returns up to n cycles, newest first.
func (g *Gateway) ReadRecentCycles(ctx context.Context, n int) ([]orchestrator.Cycle, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, started_at, completed_at, status, agent_results
		FROM cycles ORDER BY started_at DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cycles []orchestrator.Cycle
	for rows.Next() {
		var (
			cycle   orchestrator.Cycle
			status  string
			results string
		)
		if err := rows.Scan(&cycle.ID, &cycle.StartedAt, &cycle.CompletedAt, &status, &results); err != nil {
			return nil, fmt.Errorf("failed to scan cycle row: %w", err)
		}
		cycle.Status = orchestrator.CycleStatus(status)
		if err := json.Unmarshal([]byte(results), &cycle.AgentResults); err != nil {
			return nil, fmt.Errorf("failed to decode agent results for cycle %s: %w", cycle.ID, err)
		}
		if cycle.AgentResults == nil {
			cycle.AgentResults = []agent.Result{}
		}
		cycles = append(cycles, cycle)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cycle row iteration failed: %w", err)
	}
	return cycles, nil
}

// AppendEvent archives one bus event. The (topic, seq) uniqueness constraint
// makes replays of the same event a no-op rather than a duplicate.
func (g *Gateway) AppendEvent(ctx context.Context, event bus.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	_, err = g.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (topic, seq, origin, kind, timestamp, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.Topic, event.Seq, event.Origin, event.Payload.Kind(), event.Timestamp.UTC(), string(payload))
	if err != nil {
		return fmt.Errorf("failed to append event %s/%d: %w", event.Topic, event.Seq, err)
	}
	return nil
}

// WriteLedgerSnapshot stores a point-in-time ledger snapshot.
func (g *Gateway) WriteLedgerSnapshot(ctx context.Context, snap ledger.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger snapshot: %w", err)
	}

	_, err = g.db.ExecContext(ctx, `
		INSERT INTO ledger_snapshots (taken_at, snapshot) VALUES (?, ?)
	`, snap.TakenAt.UTC(), string(data))
	if err != nil {
		return fmt.Errorf("failed to write ledger snapshot: %w", err)
	}
	return nil
}

// ReadLatestLedgerSnapshot returns the most recent stored snapshot, or
// ErrNoSnapshot if none exists.
func (g *Gateway) ReadLatestLedgerSnapshot(ctx context.Context) (ledger.Snapshot, error) {
	var data string
	err := g.db.QueryRowContext(ctx, `
		SELECT snapshot FROM ledger_snapshots ORDER BY id DESC LIMIT 1
	`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("failed to read ledger snapshot: %w", err)
	}

	var snap ledger.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return ledger.Snapshot{}, fmt.Errorf("failed to decode ledger snapshot: %w", err)
	}
	return snap, nil
}

// WriteHealthFinding stores one guardian finding.
func (g *Gateway) WriteHealthFinding(ctx context.Context, finding *guardian.Finding) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO health_findings (severity, subject, description, detected_at)
		VALUES (?, ?, ?, ?)
	`, finding.Severity.String(), finding.Subject, finding.Description, finding.DetectedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to write health finding: %w", err)
	}
	return nil
}

// ReadRecentFindings returns up to n findings, newest first.
func (g *Gateway) ReadRecentFindings(ctx context.Context, n int) ([]guardian.Finding, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT severity, subject, description, detected_at
		FROM health_findings ORDER BY id DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query health findings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var findings []guardian.Finding
	for rows.Next() {
		var (
			finding    guardian.Finding
			severity   string
			detectedAt time.Time
		)
		if err := rows.Scan(&severity, &finding.Subject, &finding.Description, &detectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan finding row: %w", err)
		}
		finding.Severity = parseSeverity(severity)
		finding.DetectedAt = detectedAt
		findings = append(findings, finding)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("finding row iteration failed: %w", err)
	}
	return findings, nil
}

func parseSeverity(s string) guardian.Severity {
	switch s {
	case "CRITICAL":
		return guardian.SeverityCritical
	case "WARNING":
		return guardian.SeverityWarning
	default:
		return guardian.SeverityInfo
	}
}
