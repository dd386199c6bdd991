package session

import "encoding/json"

// parseTLSMaterial decodes the JSON blob stored in hosts.tls_material into
// its three PEM fields. Stored as JSON (rather than three separate columns)
// so a host row's connection secrets travel as a single opaque value,
// matching how the rest of the store treats per-type opaque configuration
// (e.g. notification_channels.config).
func parseTLSMaterial(raw string) (*TLSMaterial, error) {
	var m TLSMaterial
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// EncodeTLSMaterial is the inverse of parseTLSMaterial, used when
// persisting a new Remote-TLS host.
func EncodeTLSMaterial(m TLSMaterial) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
