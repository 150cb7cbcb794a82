// Package certdb tracks the certificates a taky site has issued, in a
// flat tab-separated file compatible with the original taky tooling. Each
// line is
//
//	<status>\t<issued>\t<expires>\t<serial_hex_40>\t<common_name>
//
// with status V (valid) or R (revoked) and 160-bit serial numbers. The
// whole file is held in memory indexed by serial; mutations rewrite the
// backing file atomically.
package certdb

import (
	"bufio"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Certificate status values.
const (
	StatusValid   = "V"
	StatusRevoked = "R"
)

// ErrNotFound is returned when a serial number is not in the database.
var ErrNotFound = errors.New("certificate not found")

// Record is one issued certificate.
type Record struct {
	Status  string
	Issued  time.Time
	Expires time.Time
	Serial  *big.Int
	Name    string
}

// DB is the in-memory certificate registry backed by a file. It is safe
// for concurrent use; reads never touch the file. Records keep their
// issue order, so rewrites preserve the file's line order.
type DB struct {
	mu    sync.RWMutex
	path  string
	bySN  map[string]*Record
	order []string
	log   *logrus.Entry
}

// Load opens the certificate database at path, creating an empty one if
// the file does not exist yet.
func Load(path string) (*DB, error) {
	db := &DB{
		path: path,
		bySN: make(map[string]*Record),
		log:  logrus.WithField("component", "certdb"),
	}

	fp, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return db, nil
	}
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	scanner := bufio.NewScanner(fp)
	for scanner.Scan() {
		fields := strings.Split(strings.TrimSpace(scanner.Text()), "\t")
		if len(fields) != 5 {
			continue
		}

		rec, err := parseRecord(fields)
		if err != nil {
			db.log.WithError(err).Warn("skipping malformed cert db line")
			continue
		}
		key := snKey(rec.Serial)
		if _, ok := db.bySN[key]; !ok {
			db.order = append(db.order, key)
		}
		db.bySN[key] = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return db, nil
}

func parseRecord(fields []string) (*Record, error) {
	issued, err := parseISO(fields[1])
	if err != nil {
		return nil, fmt.Errorf("bad issued date: %w", err)
	}
	expires, err := parseISO(fields[2])
	if err != nil {
		return nil, fmt.Errorf("bad expiry date: %w", err)
	}
	serial, ok := new(big.Int).SetString(fields[3], 16)
	if !ok {
		return nil, fmt.Errorf("bad serial number %q", fields[3])
	}

	return &Record{
		Status:  fields[0],
		Issued:  issued,
		Expires: expires,
		Serial:  serial,
		Name:    fields[4],
	}, nil
}

// parseISO accepts the timestamps taky has historically written: RFC3339
// or a bare ISO-8601 local time.
func parseISO(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05.999999999", raw)
}

func snKey(serial *big.Int) string {
	return fmt.Sprintf("%040x", serial)
}

// commonNameOID is id-at-commonName (2.5.4.3).
var commonNameOID = asn1.ObjectIdentifier{2, 5, 4, 3}

// AddCertificate registers an issued certificate as valid. The
// certificate must carry exactly one CommonName attribute.
func (db *DB) AddCertificate(cert *x509.Certificate) error {
	names := 0
	for _, attr := range cert.Subject.Names {
		if attr.Type.Equal(commonNameOID) {
			names++
		}
	}
	if names != 1 {
		return errors.New("certificate must have exactly one CommonName")
	}

	rec := &Record{
		Status:  StatusValid,
		Issued:  cert.NotBefore,
		Expires: cert.NotAfter,
		Serial:  new(big.Int).Set(cert.SerialNumber),
		Name:    cert.Subject.CommonName,
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	key := snKey(rec.Serial)
	if _, ok := db.bySN[key]; !ok {
		db.order = append(db.order, key)
	}
	db.bySN[key] = rec
	return db.appendLocked(rec)
}

// Revoke marks the certificate with the given serial as revoked at the
// given time (now when zero), and rewrites the backing file.
func (db *DB) Revoke(serial *big.Int, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	rec, ok := db.bySN[snKey(serial)]
	if !ok {
		return ErrNotFound
	}

	rec.Status = StatusRevoked
	rec.Expires = at
	return db.rewriteLocked()
}

// BySerial looks up a record by its serial number.
func (db *DB) BySerial(serial *big.Int) *Record {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.bySN[snKey(serial)]
}

// BySerialHex looks up a record by the hex form of its serial number.
// Returns nil for unparseable input.
func (db *DB) BySerialHex(serial string) *Record {
	sn, ok := new(big.Int).SetString(strings.TrimPrefix(serial, "0x"), 16)
	if !ok {
		return nil
	}
	return db.BySerial(sn)
}

// ByName returns every record whose CommonName matches.
func (db *DB) ByName(name string) []*Record {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var ret []*Record
	for _, rec := range db.bySN {
		if rec.Name == name {
			ret = append(ret, rec)
		}
	}
	return ret
}

// Len returns the number of registered certificates.
func (db *DB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.bySN)
}

func formatRecord(rec *Record) string {
	return strings.Join([]string{
		rec.Status,
		rec.Issued.Format(time.RFC3339),
		rec.Expires.Format(time.RFC3339),
		snKey(rec.Serial),
		rec.Name,
	}, "\t") + "\n"
}

// appendLocked adds one line to the backing file.
func (db *DB) appendLocked(rec *Record) error {
	fp, err := os.OpenFile(db.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer fp.Close()

	_, err = fp.WriteString(formatRecord(rec))
	return err
}

// rewriteLocked replaces the backing file with the in-memory state, via
// a temp file and rename so readers never observe a half-written db.
func (db *DB) rewriteLocked() error {
	tmp, err := os.CreateTemp(filepath.Dir(db.path), ".certdb-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	for _, key := range db.order {
		if _, err := tmp.WriteString(formatRecord(db.bySN[key])); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), db.path)
}
