package store

import (
	"context"
	"errors"
	"fmt"
)

// Bucket names for the three engine stores. The audit bucket is treated as
// append-only by its service; the store itself stays a plain key-value API
// so backends remain interchangeable.
const (
	BucketAudit    = "audit"
	BucketVault    = "vault"
	BucketSessions = "sessions"
)

// ErrStopScan stops a Scan early without surfacing an error to the caller.
var ErrStopScan = errors.New("stop scan")

// Store is the durable key-value backend behind the audit trail, the token
// vault, and the session registry. Scan visits keys in ascending lexical
// order. Implementations must be safe for concurrent use.
type Store interface {
	Put(ctx context.Context, bucket, key string, value []byte) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Delete(ctx context.Context, bucket, key string) error
	Scan(ctx context.Context, bucket string, fn func(key string, value []byte) error) error
	Close() error
}

// NotFoundError reports a missing key.
type NotFoundError struct {
	Bucket string
	Key    string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("key %q not found in bucket %q", e.Key, e.Bucket)
}

// IsNotFound reports whether err is a missing-key error from any backend.
func IsNotFound(err error) bool {
	var notFound NotFoundError
	return errors.As(err, &notFound)
}

// UnknownBucketError reports a bucket outside the fixed set.
type UnknownBucketError struct {
	Bucket string
}

func (e UnknownBucketError) Error() string {
	return fmt.Sprintf("unknown bucket %q", e.Bucket)
}

func validBucket(bucket string) error {
	switch bucket {
	case BucketAudit, BucketVault, BucketSessions:
		return nil
	default:
		return UnknownBucketError{Bucket: bucket}
	}
}
