// Package hashutil computes the deterministic hashes that let independent
// workers agree on relationship identity without coordinating directly.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
)

// RelationshipHash is the single agreement key used across FileAnalysis,
// DirectoryResolution, and RelationshipResolution workers: a lower-hex
// SHA-256 digest of "sourceQualifiedName::targetQualifiedName::type".
// Any two workers that independently derive the same triple must derive the
// same hash, which is the whole point — it is how evidence about the same
// candidate relationship converges without a shared in-memory identity.
func RelationshipHash(sourceQualifiedName, targetQualifiedName, relType string) string {
	return digest(sourceQualifiedName + "::" + targetQualifiedName + "::" + relType)
}

// FilePairHash is an internal-only fallback key, used when ValidationWorker
// finds no manifest entry for a relationship hash and must fall back to
// expected-evidence-counting by file pair instead of by POI pair. The
// digested string carries a "file-pair::" prefix so a file-pair hash never
// equals a RelationshipHash of the same three strings.
func FilePairHash(sourceFileID, targetFileID, relType string) string {
	return digest("file-pair::" + sourceFileID + "::" + targetFileID + "::" + relType)
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
