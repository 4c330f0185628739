package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hupe1980/biovault/blobstore"
	"github.com/hupe1980/biovault/codec"
	"github.com/hupe1980/biovault/model"
)

const userPrefix = "users/"

// UserStore persists user profiles, one document per user, written on every
// mutation.
type UserStore struct {
	blobs  blobstore.Store
	codec  codec.Codec
	logger *slog.Logger
}

// NewUserStore creates a user store over the given backend.
func NewUserStore(blobs blobstore.Store, c codec.Codec, logger *slog.Logger) *UserStore {
	if c == nil {
		c = codec.Default
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &UserStore{blobs: blobs, codec: c, logger: logger}
}

func userDocName(id string) string { return userPrefix + id + docSuffix }

// Save persists the user profile.
func (s *UserStore) Save(ctx context.Context, u *model.UserProfile) error {
	doc, err := s.codec.Marshal(u)
	if err != nil {
		return fmt.Errorf("user %s: marshal document: %w", u.UserID, err)
	}
	if err := s.blobs.Put(ctx, userDocName(u.UserID), doc); err != nil {
		return fmt.Errorf("user %s: write document: %w", u.UserID, err)
	}
	return nil
}

// Load reads a user profile.
func (s *UserStore) Load(ctx context.Context, id string) (*model.UserProfile, error) {
	doc, err := s.blobs.Get(ctx, userDocName(id))
	if err != nil {
		return nil, fmt.Errorf("user %s: read document: %w", id, err)
	}

	var u model.UserProfile
	if err := s.codec.Unmarshal(doc, &u); err != nil {
		return nil, fmt.Errorf("user %s: decode document: %w", id, err)
	}
	return &u, nil
}

// Delete removes a user document.
func (s *UserStore) Delete(ctx context.Context, id string) error {
	if err := s.blobs.Delete(ctx, userDocName(id)); err != nil {
		return fmt.Errorf("user %s: delete document: %w", id, err)
	}
	return nil
}

// IDs lists all stored user IDs.
func (s *UserStore) IDs(ctx context.Context) ([]string, error) {
	names, err := s.blobs.List(ctx, userPrefix)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	var ids []string
	for _, name := range names {
		if strings.HasSuffix(name, docSuffix) {
			ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, userPrefix), docSuffix))
		}
	}
	return ids, nil
}

// LoadAll reads every stored user profile. Undecodable profiles are skipped
// with a warning.
func (s *UserStore) LoadAll(ctx context.Context) ([]*model.UserProfile, error) {
	ids, err := s.IDs(ctx)
	if err != nil {
		return nil, err
	}

	users := make([]*model.UserProfile, 0, len(ids))
	for _, id := range ids {
		u, err := s.Load(ctx, id)
		if err != nil {
			s.logger.Warn("skipping unreadable user", "user_id", id, "error", err)
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

// StorageBytes reports the bytes consumed by user records, when the backend
// can tell.
func (s *UserStore) StorageBytes(ctx context.Context) int64 {
	if sizer, ok := s.blobs.(blobstore.Sizer); ok {
		if n, err := sizer.SizeOf(ctx, userPrefix); err == nil {
			return n
		}
	}
	return 0
}
