package queuefile

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fetchq/fetchq/internal/queue"
	"github.com/fetchq/fetchq/internal/storage"
)

// A migration is a pure function mapping one schema version's document to
// the next. The chain is applied in order on load; each step backs up the
// pre-migration document with a version-suffixed name before the store
// overwrites the canonical file.
type migration struct {
	from  string
	to    string
	apply func(doc map[string]any) (map[string]any, error)
}

var migrations = []migration{
	{from: "1.0", to: "1.1", apply: migrateAddLastAssignedID},
	{from: "1.1", to: "2.0", apply: migrateChecksumObject},
}

// migrate walks the document forward to the current schema version.
func migrate(doc map[string]any, path string) (map[string]any, bool, error) {
	version := docVersion(doc)

	cmp, err := compareVersions(version, queue.SchemaVersion)
	if err != nil {
		return nil, false, fmt.Errorf("unparsable schema version %q: %w", version, err)
	}

	if cmp > 0 {
		return nil, false, fmt.Errorf("document version %s: %w", version, storage.ErrSchemaTooNew)
	}

	if cmp == 0 {
		return doc, false, nil
	}

	migrated := false

	for _, m := range migrations {
		if m.from != version {
			continue
		}

		if err := backupDocument(doc, path, version); err != nil {
			return nil, false, err
		}

		next, err := m.apply(doc)
		if err != nil {
			return nil, false, fmt.Errorf("migrating queue document %s -> %s: %w", m.from, m.to, err)
		}

		next["schemaVersion"] = m.to
		doc = next
		version = m.to
		migrated = true
	}

	if version != queue.SchemaVersion {
		return nil, false, fmt.Errorf("no migration path from schema version %s to %s", version, queue.SchemaVersion)
	}

	return doc, migrated, nil
}

// docVersion reads the schemaVersion field. Documents written before the
// field existed are treated as version 1.0.
func docVersion(doc map[string]any) string {
	if v, ok := doc["schemaVersion"].(string); ok && v != "" {
		return v
	}

	return "1.0"
}

func backupDocument(doc map[string]any, path, version string) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding pre-migration backup: %w", err)
	}

	backupPath := path + ".v" + version + ".bak"
	if err := os.WriteFile(backupPath, data, filePerm); err != nil {
		return fmt.Errorf("writing pre-migration backup: %w", err)
	}

	return nil
}

// compareVersions compares two major.minor version strings.
func compareVersions(a, b string) (int, error) {
	amaj, amin, err := parseVersion(a)
	if err != nil {
		return 0, err
	}

	bmaj, bmin, err := parseVersion(b)
	if err != nil {
		return 0, err
	}

	switch {
	case amaj != bmaj:
		if amaj > bmaj {
			return 1, nil
		}

		return -1, nil
	case amin != bmin:
		if amin > bmin {
			return 1, nil
		}

		return -1, nil
	default:
		return 0, nil
	}
}

func parseVersion(v string) (major, minor int, err error) {
	parts := strings.SplitN(v, ".", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected major.minor, got %q", v)
	}

	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}

	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}

	return major, minor, nil
}

// migrateAddLastAssignedID (1.0 -> 1.1) introduces the persisted id counter.
// Version 1.0 derived fresh ids from the highest id present, which reused
// ids after the newest item was removed.
func migrateAddLastAssignedID(doc map[string]any) (map[string]any, error) {
	var last float64

	items, _ := doc["items"].([]any)
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("malformed item entry %v", raw)
		}

		if id, ok := item["id"].(float64); ok && id > last {
			last = id
		}
	}

	doc["lastAssignedId"] = last

	return doc, nil
}

// migrateChecksumObject (1.1 -> 2.0) replaces the legacy bare sha256 field
// with the checksum object carrying the algorithm name.
func migrateChecksumObject(doc map[string]any) (map[string]any, error) {
	items, _ := doc["items"].([]any)
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("malformed item entry %v", raw)
		}

		hex, ok := item["sha256"].(string)
		if !ok {
			continue
		}

		delete(item, "sha256")

		if hex == "" {
			continue
		}

		item["checksum"] = map[string]any{
			"algorithm":   "sha256",
			"expectedHex": hex,
		}
	}

	return doc, nil
}
