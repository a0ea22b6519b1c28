// Package dumpcodec serialises the token portion of the account table to
// an opaque byte stream (`dump`) and merges a restored stream back into
// the running state (`restore`), subject to a per-account config
// fingerprint compatibility check. The stream is explicitly unencrypted;
// callers are responsible for protecting it at rest.
package dumpcodec

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/ltratt/pizauthd/internal/account"
	"github.com/ltratt/pizauthd/internal/config"
)

// formatVersion is bumped whenever the record layout changes in a way that
// breaks round-tripping with an older binary. Stable within a major
// release.
const formatVersion = 1

// Record is one account's dumped tokenstate, wall-clock timestamps and
// config fingerprint.
type Record struct {
	Account      string
	State        account.State
	AccessToken  string
	RefreshToken string
	ObtainedAt   time.Time
	ExpiresAt    time.Time
	Fingerprint  [sha256.Size]byte
}

// Fingerprint hashes the security-relevant configured fields of an
// account so restore can detect a config change and discard a now-stale
// dumped entry rather than merge tokens issued under different
// credentials or scopes.
func Fingerprint(ac *config.AccountConfig) [sha256.Size]byte {
	h := sha256.New()
	for _, f := range ac.FingerprintFields() {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Dump encodes every Active account in table into a byte stream: a
// version byte, a uint32 count, then per-account length-prefixed records.
// Empty/Pending accounts carry no secret material worth persisting; a
// restored daemon re-derives them by re-authorising.
func Dump(table *account.Table, cfgs map[string]*config.AccountConfig) []byte {
	var records []Record
	for _, a := range table.All() {
		snap := a.Snapshot()
		if snap.State != account.Active {
			continue
		}
		ac := cfgs[snap.Name]
		if ac == nil {
			continue
		}
		records = append(records, Record{
			Account:      snap.Name,
			State:        snap.State,
			AccessToken:  snap.Token.AccessToken,
			RefreshToken: snap.Token.RefreshToken,
			ObtainedAt:   snap.Token.ObtainedAt,
			ExpiresAt:    snap.Token.ExpiresAt,
			Fingerprint:  Fingerprint(ac),
		})
	}

	var buf bytes.Buffer
	buf.WriteByte(formatVersion)
	writeUint32(&buf, uint32(len(records)))
	for _, rec := range records {
		writeRecord(&buf, rec)
	}
	return buf.Bytes()
}

func writeRecord(buf *bytes.Buffer, r Record) {
	writeString(buf, r.Account)
	buf.WriteByte(byte(r.State))
	writeString(buf, r.AccessToken)
	writeString(buf, r.RefreshToken)
	writeInt64(buf, r.ObtainedAt.Unix())
	writeInt64(buf, r.ExpiresAt.Unix())
	buf.Write(r.Fingerprint[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

// Decode parses a dumped byte stream into its records, without applying
// them to any account table (Restore does that).
func Decode(data []byte) ([]Record, error) {
	r := bytes.NewReader(data)
	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("dumpcodec: empty stream")
	}
	if version != formatVersion {
		return nil, fmt.Errorf("dumpcodec: unsupported format version %d", version)
	}

	count, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("dumpcodec: read record count: %w", err)
	}

	records := make([]Record, 0, count)
	for i := uint32(0); i < count; i++ {
		rec, err := readRecord(r)
		if err != nil {
			return nil, fmt.Errorf("dumpcodec: read record %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func readRecord(r *bytes.Reader) (Record, error) {
	var rec Record
	var err error

	if rec.Account, err = readString(r); err != nil {
		return rec, err
	}
	stateByte, err := r.ReadByte()
	if err != nil {
		return rec, err
	}
	rec.State = account.State(stateByte)
	if rec.AccessToken, err = readString(r); err != nil {
		return rec, err
	}
	if rec.RefreshToken, err = readString(r); err != nil {
		return rec, err
	}
	obtained, err := readInt64(r)
	if err != nil {
		return rec, err
	}
	rec.ObtainedAt = time.Unix(obtained, 0)
	expires, err := readInt64(r)
	if err != nil {
		return rec, err
	}
	rec.ExpiresAt = time.Unix(expires, 0)
	if _, err := io.ReadFull(r, rec.Fingerprint[:]); err != nil {
		return rec, err
	}
	return rec, nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

// Restore merges each decoded record into table: entries for accounts
// absent from cfgs are skipped, entries whose fingerprint no longer
// matches the running config are silently discarded, and the remainder
// are merged only if more useful than the account's current state (see
// account.Account.RestoreMerge). Restored timestamps are wall-clock and
// are not reinterpreted here; the caller (the supervisor) is responsible
// for recomputing and scheduling the next refresh deadline relative to
// now once a merge has taken effect.
func Restore(table *account.Table, cfgs map[string]*config.AccountConfig, records []Record) (applied []string, err error) {
	for _, rec := range records {
		ac := cfgs[rec.Account]
		if ac == nil {
			continue
		}
		if Fingerprint(ac) != rec.Fingerprint {
			continue
		}
		if rec.State != account.Active || rec.AccessToken == "" {
			continue
		}
		acct, getErr := table.Get(rec.Account)
		if getErr != nil {
			continue
		}
		tok := account.Token{
			AccessToken:  rec.AccessToken,
			RefreshToken: rec.RefreshToken,
			ObtainedAt:   rec.ObtainedAt,
			ExpiresAt:    rec.ExpiresAt,
		}
		if acct.RestoreMerge(tok) {
			applied = append(applied, rec.Account)
		}
	}
	return applied, nil
}
