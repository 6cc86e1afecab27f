// Package storage defines the crash storage capability and the canonical
// object layout shared by every backend. A backend persists three kinds of
// object per crash: the raw annotations, the dump-names index, and one
// object per dump.
//
// Backends classify failures through the error taxonomy in errors.go:
// transient failures (5xx, timeouts, connection resets) are retried by the
// crash-mover; everything else drops the crash.
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/crashworks/collector/pkg/crash"
)

// CrashStorage persists accepted crashes.
//
// SaveCrash writes all objects for the report; it is idempotent, so a
// retry after a partial failure re-writes the already-saved objects.
// Verify proves write capability at startup without leaving garbage
// behind.
type CrashStorage interface {
	SaveCrash(ctx context.Context, report *crash.Report) error
	Verify(ctx context.Context) error
}

// Object keys, relative to the bucket root. The entropy prefix spreads
// raw-crash keys across key space so list operations and storage-side
// partitioning don't hotspot on the date.

// RawCrashKey returns the key of the raw annotations object:
// v2/raw_crash/ENTROPY/YYYYMMDD/ID.
func RawCrashKey(crashID string) (string, error) {
	date, err := crash.DateFromID(crashID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("v2/raw_crash/%s/%s/%s", crashID[:3], date, crashID), nil
}

// DumpNamesKey returns the key of the dump-names index object:
// v1/dump_names/ID.
func DumpNamesKey(crashID string) string {
	return "v1/dump_names/" + crashID
}

// DumpKey returns the key of a dump object: v1/DUMP_NAME/ID. The primary
// minidump is stored under "dump" rather than its field name.
func DumpKey(dumpName, crashID string) string {
	if dumpName == crash.DefaultDumpField {
		dumpName = crash.DumpRewriteName
	}
	return fmt.Sprintf("v1/%s/%s", dumpName, crashID)
}

// Object is one key/body pair a backend must write.
type Object struct {
	Key  string
	Body []byte
}

// CrashObjects renders the full object set for a report. Every backend
// writes exactly these objects; a backend only decides how.
func CrashObjects(report *crash.Report) ([]Object, error) {
	rawKey, err := RawCrashKey(report.ID)
	if err != nil {
		return nil, err
	}

	rawBody, err := json.Marshal(report.RawCrash())
	if err != nil {
		return nil, fmt.Errorf("serialising raw crash %s: %w", report.ID, err)
	}

	namesBody, err := json.Marshal(report.DumpNamesIndex())
	if err != nil {
		return nil, fmt.Errorf("serialising dump names %s: %w", report.ID, err)
	}

	objects := []Object{
		{Key: rawKey, Body: rawBody},
		{Key: DumpNamesKey(report.ID), Body: namesBody},
	}
	for _, name := range report.SortedDumpNames() {
		objects = append(objects, Object{
			Key:  DumpKey(name, report.ID),
			Body: report.Dumps[name],
		})
	}
	return objects, nil
}

// VerifyKey returns a unique scratch key for startup verification writes.
func VerifyKey(token string) string {
	return "test/collector-verify-" + token
}
