package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Device is one persisted known-device record. The pinned certificate
// fingerprint is the trust record for the device; Paired reports whether a
// pairing has been recorded.
type Device struct {
	DeviceID          string
	DeviceName        string
	DeviceType        string
	ProtocolVersion   int
	CertFingerprint   string
	Paired            bool
	AddedTimestamp    int64
	LastSeenTimestamp *int64
	LastKnownIP       *string
	LastKnownPort     *int
}

// UpsertDevice inserts a device or refreshes its identity fields.
//
// Trust fields (cert_fingerprint, paired) are intentionally untouched here;
// they change only through the TrustStore methods.
func (s *Store) UpsertDevice(device Device) error {
	if device.DeviceID == "" {
		return errors.New("device ID is required")
	}
	if device.AddedTimestamp == 0 {
		device.AddedTimestamp = time.Now().UnixMilli()
	}

	_, err := s.db.Exec(`
INSERT INTO devices (device_id, device_name, device_type, protocol_version, added_timestamp, last_seen_timestamp, last_known_ip, last_known_port)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
  device_name = excluded.device_name,
  device_type = excluded.device_type,
  protocol_version = excluded.protocol_version,
  last_seen_timestamp = excluded.last_seen_timestamp,
  last_known_ip = COALESCE(excluded.last_known_ip, devices.last_known_ip),
  last_known_port = COALESCE(excluded.last_known_port, devices.last_known_port);
`, device.DeviceID, device.DeviceName, device.DeviceType, device.ProtocolVersion,
		device.AddedTimestamp, device.LastSeenTimestamp, device.LastKnownIP, device.LastKnownPort)
	if err != nil {
		return fmt.Errorf("upsert device %q: %w", device.DeviceID, err)
	}
	return nil
}

// GetDevice returns one device by ID.
func (s *Store) GetDevice(deviceID string) (Device, error) {
	row := s.db.QueryRow(`
SELECT device_id, device_name, device_type, protocol_version, cert_fingerprint, paired,
       added_timestamp, last_seen_timestamp, last_known_ip, last_known_port
FROM devices WHERE device_id = ?;
`, deviceID)

	device, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("get device %q: %w", deviceID, err)
	}
	return device, nil
}

// ListDevices returns all known devices ordered by most recently seen.
func (s *Store) ListDevices() ([]Device, error) {
	rows, err := s.db.Query(`
SELECT device_id, device_name, device_type, protocol_version, cert_fingerprint, paired,
       added_timestamp, last_seen_timestamp, last_known_ip, last_known_port
FROM devices ORDER BY last_seen_timestamp DESC, device_id;
`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

// ListPairedDevices returns devices with a recorded pairing.
func (s *Store) ListPairedDevices() ([]Device, error) {
	devices, err := s.ListDevices()
	if err != nil {
		return nil, err
	}
	paired := devices[:0]
	for _, device := range devices {
		if device.Paired {
			paired = append(paired, device)
		}
	}
	return paired, nil
}

// TouchDevice updates a device's last-seen timestamp and last known endpoint.
func (s *Store) TouchDevice(deviceID, ip string, port int, seenAt int64) error {
	result, err := s.db.Exec(`
UPDATE devices
SET last_seen_timestamp = ?,
    last_known_ip = CASE WHEN ? != '' THEN ? ELSE last_known_ip END,
    last_known_port = CASE WHEN ? > 0 THEN ? ELSE last_known_port END
WHERE device_id = ?;
`, seenAt, ip, ip, port, port, deviceID)
	if err != nil {
		return fmt.Errorf("touch device %q: %w", deviceID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveDevice deletes a device record entirely.
func (s *Store) RemoveDevice(deviceID string) error {
	result, err := s.db.Exec(`DELETE FROM devices WHERE device_id = ?;`, deviceID)
	if err != nil {
		return fmt.Errorf("remove device %q: %w", deviceID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// PinnedFingerprint implements identity.TrustStore.
func (s *Store) PinnedFingerprint(deviceID string) (string, bool, error) {
	var fingerprint string
	err := s.db.QueryRow(`
SELECT cert_fingerprint FROM devices WHERE device_id = ? AND paired = 1;
`, deviceID).Scan(&fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load pinned fingerprint for %q: %w", deviceID, err)
	}
	if fingerprint == "" {
		return "", false, nil
	}
	return fingerprint, true, nil
}

// PinFingerprint implements identity.TrustStore.
func (s *Store) PinFingerprint(deviceID, fingerprint string) error {
	if deviceID == "" || fingerprint == "" {
		return errors.New("device ID and fingerprint are required")
	}

	_, err := s.db.Exec(`
INSERT INTO devices (device_id, cert_fingerprint, paired, added_timestamp)
VALUES (?, ?, 1, ?)
ON CONFLICT(device_id) DO UPDATE SET
  cert_fingerprint = excluded.cert_fingerprint,
  paired = 1;
`, deviceID, fingerprint, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("pin fingerprint for %q: %w", deviceID, err)
	}
	return nil
}

// UnpinFingerprint implements identity.TrustStore.
func (s *Store) UnpinFingerprint(deviceID string) error {
	_, err := s.db.Exec(`
UPDATE devices SET cert_fingerprint = '', paired = 0 WHERE device_id = ?;
`, deviceID)
	if err != nil {
		return fmt.Errorf("unpin fingerprint for %q: %w", deviceID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(scanner rowScanner) (Device, error) {
	var device Device
	var paired int
	err := scanner.Scan(
		&device.DeviceID,
		&device.DeviceName,
		&device.DeviceType,
		&device.ProtocolVersion,
		&device.CertFingerprint,
		&paired,
		&device.AddedTimestamp,
		&device.LastSeenTimestamp,
		&device.LastKnownIP,
		&device.LastKnownPort,
	)
	if err != nil {
		return Device{}, err
	}
	device.Paired = paired != 0
	return device, nil
}
