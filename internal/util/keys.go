package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// EntryKey returns the tier storage key for an entry: "entry:<ns>:<group>/<id>".
func EntryKey(ns, group, id string) string {
	return "entry:" + ns + ":" + group + "/" + id
}

// GroupKey and EpochKey are generation keys; they never hold entries.
func GroupKey(ns, group string) string { return "group:" + ns + ":" + group }
func EpochKey(ns string) string        { return "epoch:" + ns }

// NamespacePrefix is the common prefix of every entry key in ns.
func NamespacePrefix(ns string) string { return "entry:" + ns + ":" }

// ShortHash returns the first 16 hex chars of sha256(s). Used to redact keys in logs.
func ShortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

var segmentEscaper = strings.NewReplacer("%", "%25", ":", "%3A", "/", "%2F")

// SanitizeSegment percent-escapes separators so a user-provided id cannot escape
// its group. Distinct inputs stay distinct.
func SanitizeSegment(s string) string {
	return segmentEscaper.Replace(s)
}
