package storage

import (
	"errors"
	"fmt"
	"time"
)

// Security event severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Security event types recorded by the core.
const (
	EventCertMismatch  = "certificate_mismatch"
	EventPairingPinned = "pairing_pinned"
	EventTrustRevoked  = "trust_revoked"
)

// SecurityEvent is one persisted trust-relevant occurrence.
type SecurityEvent struct {
	ID        int64
	EventType string
	DeviceID  string
	Details   string
	Severity  string
	Timestamp int64
}

// InsertSecurityEvent records a trust-relevant event.
func (s *Store) InsertSecurityEvent(eventType, deviceID, details, severity string) error {
	if eventType == "" || details == "" {
		return errors.New("event type and details are required")
	}
	switch severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		return fmt.Errorf("invalid severity %q", severity)
	}

	_, err := s.db.Exec(`
INSERT INTO security_events (event_type, device_id, details, severity, timestamp)
VALUES (?, ?, ?, ?, ?);
`, eventType, nullableString(deviceID), details, severity, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert security event: %w", err)
	}
	return nil
}

// ListSecurityEvents returns up to limit most recent events.
func (s *Store) ListSecurityEvents(limit int) ([]SecurityEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
SELECT id, event_type, COALESCE(device_id, ''), details, severity, timestamp
FROM security_events ORDER BY timestamp DESC, id DESC LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list security events: %w", err)
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		var event SecurityEvent
		if err := rows.Scan(&event.ID, &event.EventType, &event.DeviceID, &event.Details, &event.Severity, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// PruneSecurityEvents deletes events older than the retention window and
// returns the number removed.
func (s *Store) PruneSecurityEvents() (int64, error) {
	cutoff := time.Now().Add(-s.securityEventRetention).UnixMilli()
	result, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	return result.RowsAffected()
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
