package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

func QueryKey(scope, table, digest string) string {
	return fmt.Sprintf("q:%s:%s:%s", scope, table, digest)
}

func RecordKey(scope, table, id string) string {
	return fmt.Sprintf("id:%s:%s:%s", scope, table, id)
}

func MetaKey(scope, op, table string) string {
	return fmt.Sprintf("meta:%s:%s:%s", scope, op, table)
}

func TableTag(scope, table string) string {
	return fmt.Sprintf("%s:%s", scope, table)
}

func TagKey(tag string) string {
	return fmt.Sprintf("tag:%s", tag)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// Digest hashes the canonical JSON form of v. encoding/json emits map keys in
// sorted order, so equal parameter sets always produce the same digest.
func Digest(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
