package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/hupe1980/biovault/blobstore"
	"github.com/hupe1980/biovault/codec"
	"github.com/hupe1980/biovault/model"
)

const attemptPrefix = "attempts/"

// AttemptLog is an append-only log of authentication attempts. Records are
// never rewritten; the blob name carries the timestamp so lexicographic
// order is chronological order.
type AttemptLog struct {
	blobs  blobstore.Store
	codec  codec.Codec
	logger *slog.Logger
}

// NewAttemptLog creates an attempt log over the given backend.
func NewAttemptLog(blobs blobstore.Store, c codec.Codec, logger *slog.Logger) *AttemptLog {
	if c == nil {
		c = codec.Default
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AttemptLog{blobs: blobs, codec: c, logger: logger}
}

func attemptDocName(a *model.AuthenticationAttempt) string {
	return fmt.Sprintf("%s%s_%s%s", attemptPrefix, a.Timestamp.UTC().Format("20060102T150405.000000000Z"), a.AttemptID, docSuffix)
}

// Append persists one attempt.
func (l *AttemptLog) Append(ctx context.Context, a *model.AuthenticationAttempt) error {
	doc, err := l.codec.Marshal(a)
	if err != nil {
		return fmt.Errorf("attempt %s: marshal document: %w", a.AttemptID, err)
	}
	if err := l.blobs.Put(ctx, attemptDocName(a), doc); err != nil {
		return fmt.Errorf("attempt %s: write document: %w", a.AttemptID, err)
	}
	return nil
}

// Recent returns the most recent n attempts, newest first. n <= 0 returns
// all attempts.
func (l *AttemptLog) Recent(ctx context.Context, n int) ([]*model.AuthenticationAttempt, error) {
	names, err := l.blobs.List(ctx, attemptPrefix)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	// List is sorted ascending; newest last.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if n > 0 && len(names) > n {
		names = names[:n]
	}

	attempts := make([]*model.AuthenticationAttempt, 0, len(names))
	for _, name := range names {
		if !strings.HasSuffix(name, docSuffix) {
			continue
		}
		doc, err := l.blobs.Get(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("attempt %s: read document: %w", name, err)
		}
		var a model.AuthenticationAttempt
		if err := l.codec.Unmarshal(doc, &a); err != nil {
			l.logger.Warn("skipping unreadable attempt", "name", name, "error", err)
			continue
		}
		attempts = append(attempts, &a)
	}
	return attempts, nil
}

// Count returns the number of logged attempts.
func (l *AttemptLog) Count(ctx context.Context) (int, error) {
	names, err := l.blobs.List(ctx, attemptPrefix)
	if err != nil {
		return 0, fmt.Errorf("list attempts: %w", err)
	}
	return len(names), nil
}
