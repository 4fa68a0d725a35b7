// Package pipeline holds what the three ingestion workers share: the
// message payload shape, the error taxonomy split between submitter
// faults and platform faults, the cross-cutting handler decorators and
// the checksum helpers.
package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"strings"
)

// Payload is one broker message in flight. It keeps every field it was
// parsed from, known to this stage or not, so a worker can augment the
// parts it understands and pass the rest through untouched.
type Payload map[string]any

// ParsePayload decodes a message body. Numbers are kept as
// json.Number so a file id survives the round trip undamaged.
func ParsePayload(body []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parsing message payload: %w", err)
	}

	return p, nil
}

// Bytes renders the payload back to JSON.
func (p Payload) Bytes() ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding message payload: %w", err)
	}

	return body, nil
}

// Clone returns a copy of the top level map, enough to preserve the
// message as received before this stage starts mutating it.
func (p Payload) Clone() Payload {
	return maps.Clone(p)
}

// Set stores a field.
func (p Payload) Set(key string, value any) {
	p[key] = value
}

// Delete drops a field if present.
func (p Payload) Delete(key string) {
	delete(p, key)
}

// String returns the named field when it holds a string, else "".
func (p Payload) String(key string) string {
	v, _ := p[key].(string)
	return v
}

func (p Payload) Filepath() string { return p.String("filepath") }

func (p Payload) User() string { return p.String("user") }

func (p Payload) Header() string { return p.String("header") }

func (p Payload) ArchivePath() string { return p.String("archive_path") }

func (p Payload) FileChecksum() string { return p.String("file_checksum") }

func (p Payload) AccessionID() string { return p.String("accession_id") }

// FileID returns the database file id carried by the message. The
// second return is false when the field is absent or not an integer.
func (p Payload) FileID() (int64, bool) {
	switch v := p["file_id"].(type) {
	case json.Number:
		id, err := v.Int64()
		return id, err == nil
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}

func (p Payload) SetFileID(id int64) {
	p["file_id"] = id
}

// OrgMsg returns the preserved original message, if any.
func (p Payload) OrgMsg() Payload {
	switch v := p["org_msg"].(type) {
	case Payload:
		return v
	case map[string]any:
		return Payload(v)
	default:
		return nil
	}
}

func (p Payload) SetOrgMsg(msg Payload) {
	p["org_msg"] = msg
}

func (p Payload) EncryptedChecksums() []Checksum {
	return p.checksums("encrypted_checksums")
}

func (p Payload) DecryptedChecksums() []Checksum {
	return p.checksums("decrypted_checksums")
}

func (p Payload) SetChecksums(key string, sums []Checksum) {
	p[key] = sums
}

func (p Payload) checksums(key string) []Checksum {
	switch v := p[key].(type) {
	case []Checksum:
		out := make([]Checksum, len(v))
		copy(out, v)
		return out
	case []any:
		out := make([]Checksum, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			t, _ := m["type"].(string)
			val, _ := m["value"].(string)
			out = append(out, Checksum{Type: t, Value: val})
		}
		return out
	default:
		return nil
	}
}

// Checksum is one {type, value} entry of a message checksum list.
type Checksum struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// SHA256Of picks the value of the first sha256 entry out of a checksum
// list.
func SHA256Of(sums []Checksum) (string, bool) {
	for _, c := range sums {
		if c.Type == AlgoSHA256 {
			return c.Value, true
		}
	}

	return "", false
}

// CleanUser strips the host part of a federated submitter id, so
// alice@elixir-europe.org keys database rows as alice. Messages keep
// the verbatim form; only database lookups use the cleaned one.
func CleanUser(user string) string {
	if i := strings.Index(user, "@"); i >= 0 {
		return user[:i]
	}

	return user
}
