package biovault

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/biovault/backup"
	"github.com/hupe1980/biovault/blobstore"
	"github.com/hupe1980/biovault/distance"
	"github.com/hupe1980/biovault/index"
	"github.com/hupe1980/biovault/lockout"
	"github.com/hupe1980/biovault/model"
	"github.com/hupe1980/biovault/persistence"
	"github.com/hupe1980/biovault/store"
)

// DB is the biometric template database: durable user and template storage
// composed with one nearest-neighbor index per embedding modality and the
// failed-attempt/lockout state machine.
//
// Every state-mutating operation runs under one process-wide mutex for the
// whole read-modify-persist-reindex sequence, so in-memory maps, stored
// documents and indexes never diverge. Reads are serialized behind the same
// lock; they must observe fully-updated indexes.
type DB struct {
	mu     sync.Mutex
	closed bool

	opts   Options
	logger *Logger
	path   string

	blobs         blobstore.Store
	templateStore *store.TemplateStore
	userStore     *store.UserStore
	attempts      *store.AttemptLog

	anatomical index.Index
	dynamic    index.Index

	lockouts *lockout.Manager
	limiters map[string]*rate.Limiter
	backups  *backup.Manager

	users     map[string]*model.UserProfile
	templates map[string]*model.BiometricTemplate
	emails    map[string]string // lowercased email -> user ID
	phones    map[string]string // phone -> user ID

	now func() time.Time
}

// New opens (or creates) a database rooted at path. With a Store option the
// path only names the database for backups and logging.
func New(path string, optFns ...func(o *Options)) (*DB, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(nil)
	}

	blobs := opts.Store
	if blobs == nil {
		local, err := blobstore.NewLocalStore(path)
		if err != nil {
			return nil, persistenceError("open", err)
		}
		blobs = local
	}

	envelope, err := persistence.NewEnvelope(opts.Codec, opts.Compression, opts.EncryptionKey)
	if err != nil {
		return nil, err
	}

	anatomical, err := newIndex(opts.Strategy, opts.AnatomicalDim, opts.CacheSize, logger.Logger)
	if err != nil {
		return nil, err
	}
	dynamic, err := newIndex(opts.Strategy, opts.DynamicDim, opts.CacheSize, logger.Logger)
	if err != nil {
		return nil, err
	}

	backupDir := opts.BackupDir
	if backupDir == "" {
		backupDir = path + "-backups"
	}

	d := &DB{
		opts:          opts,
		logger:        logger,
		path:          path,
		blobs:         blobs,
		templateStore: store.NewTemplateStore(blobs, opts.Codec, envelope, logger.Logger),
		userStore:     store.NewUserStore(blobs, opts.Codec, logger.Logger),
		attempts:      store.NewAttemptLog(blobs, opts.Codec, logger.Logger),
		anatomical:    anatomical,
		dynamic:       dynamic,
		lockouts:      lockout.New(),
		limiters:      make(map[string]*rate.Limiter),
		backups: backup.New(func(o *backup.Options) {
			o.Retention = opts.BackupRetention
			o.Logger = logger.Logger
		}),
		users:     make(map[string]*model.UserProfile),
		templates: make(map[string]*model.BiometricTemplate),
		emails:    make(map[string]string),
		phones:    make(map[string]string),
		now:       time.Now,
	}
	d.opts.BackupDir = backupDir

	if err := d.load(context.Background()); err != nil {
		return nil, err
	}

	return d, nil
}

// load reads all stored users and templates, repairs stale template
// references, and builds the indexes.
func (d *DB) load(ctx context.Context) error {
	users, err := d.userStore.LoadAll(ctx)
	if err != nil {
		return persistenceError("load users", err)
	}
	for _, u := range users {
		d.users[u.UserID] = u
		if u.Email != "" {
			d.emails[strings.ToLower(u.Email)] = u.UserID
		}
		if u.Phone != "" {
			d.phones[u.Phone] = u.UserID
		}
	}

	templates, err := d.templateStore.LoadAll(ctx)
	if err != nil {
		return persistenceError("load templates", err)
	}
	for _, t := range templates {
		d.templates[t.TemplateID] = t
	}

	if err := d.repairTemplateReferences(ctx); err != nil {
		return err
	}

	for _, t := range d.templates {
		d.indexTemplate(t)
	}
	return d.rebuildIndexes(true, true)
}

// repairTemplateReferences reconciles each user's template-ID lists with the
// templates actually stored under that user. This is the single integrity
// violation repaired automatically, at load time only, and it is logged.
func (d *DB) repairTemplateReferences(ctx context.Context) error {
	owned := make(map[string]map[model.TemplateType][]string)
	for _, t := range d.templates {
		byType, ok := owned[t.UserID]
		if !ok {
			byType = make(map[model.TemplateType][]string)
			owned[t.UserID] = byType
		}
		byType[t.Type] = append(byType[t.Type], t.TemplateID)
	}
	for _, byType := range owned {
		for _, ids := range byType {
			slices.Sort(ids)
		}
	}

	for _, u := range d.users {
		byType := owned[u.UserID]

		anatomical := slices.Sorted(slices.Values(byType[model.TemplateTypeAnatomical]))
		dynamic := slices.Sorted(slices.Values(byType[model.TemplateTypeDynamic]))
		multimodal := slices.Sorted(slices.Values(byType[model.TemplateTypeMultimodal]))

		if slices.Equal(sortedCopy(u.AnatomicalTemplates), anatomical) &&
			slices.Equal(sortedCopy(u.DynamicTemplates), dynamic) &&
			slices.Equal(sortedCopy(u.MultimodalTemplates), multimodal) {
			continue
		}

		before := u.TotalTemplates()
		u.AnatomicalTemplates = anatomical
		u.DynamicTemplates = dynamic
		u.MultimodalTemplates = multimodal
		after := u.TotalTemplates()

		dropped, adopted := 0, 0
		if before > after {
			dropped = before - after
		} else {
			adopted = after - before
		}
		d.logger.LogRepair(u.UserID, dropped, adopted)

		if err := d.userStore.Save(ctx, u); err != nil {
			return persistenceError("repair user", err)
		}
	}
	return nil
}

func sortedCopy(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	if out == nil {
		out = []string{}
	}
	return out
}

// indexTemplate adds a full template's embeddings to the modality indexes.
// Pending templates are not indexed.
func (d *DB) indexTemplate(t *model.BiometricTemplate) {
	if t.State.HasAnatomical() {
		_ = d.anatomical.Add(t.State.Anatomical, t.TemplateID, t.UserID)
	}
	if t.State.HasDynamic() {
		_ = d.dynamic.Add(t.State.Dynamic, t.TemplateID, t.UserID)
	}
}

// rebuildIndexes rebuilds the affected modality indexes synchronously. Full
// rebuilds after each mutating batch trade latency for consistency, which is
// acceptable at enrollment-rate write volumes.
func (d *DB) rebuildIndexes(anatomical, dynamic bool) error {
	if anatomical {
		if err := d.anatomical.Build(); err != nil {
			return fmt.Errorf("build anatomical index: %w", err)
		}
	}
	if dynamic {
		if err := d.dynamic.Build(); err != nil {
			return fmt.Errorf("build dynamic index: %w", err)
		}
	}
	return nil
}

func (d *DB) normalized(vec []float32) []float32 {
	cloned := slices.Clone(vec)
	if d.opts.NormalizeEmbeddings {
		distance.NormalizeL2InPlace(cloned)
	}
	return cloned
}

// CreateUserParams carries the fields required to create a user profile.
type CreateUserParams struct {
	UserID          string
	Username        string
	Email           string
	Phone           string
	Age             int
	Gender          string
	GestureSequence []string
	Metadata        map[string]any
}

// CreateUser creates a user profile. Uniqueness checks (user ID, email,
// phone) and the insert run under one critical section, so concurrent
// creations cannot race into duplicates.
func (d *DB) CreateUser(ctx context.Context, params CreateUserParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	if err := d.validateNewUser(params); err != nil {
		return err
	}

	now := d.now()
	u := &model.UserProfile{
		UserID:              params.UserID,
		Username:            params.Username,
		Email:               params.Email,
		Phone:               params.Phone,
		Age:                 params.Age,
		Gender:              params.Gender,
		GestureSequence:     slices.Clone(params.GestureSequence),
		AnatomicalTemplates: []string{},
		DynamicTemplates:    []string{},
		MultimodalTemplates: []string{},
		Active:              true,
		CreatedAt:           now,
		UpdatedAt:           now,
		LastActivity:        now,
		Metadata:            params.Metadata,
	}

	if err := d.userStore.Save(ctx, u); err != nil {
		return persistenceError("create user", err)
	}

	d.users[u.UserID] = u
	d.emails[strings.ToLower(u.Email)] = u.UserID
	d.phones[u.Phone] = u.UserID

	d.logger.Debug("user created", "user_id", u.UserID)
	return nil
}

func (d *DB) validateNewUser(params CreateUserParams) error {
	if params.UserID == "" {
		return newValidationError("user_id", "must not be empty")
	}
	if _, ok := d.users[params.UserID]; ok {
		return newValidationError("user_id", "already exists")
	}
	if params.Username == "" {
		return newValidationError("username", "must not be empty")
	}
	if params.Email == "" || !strings.Contains(params.Email, "@") {
		return newValidationError("email", "must be a valid address")
	}
	if _, ok := d.emails[strings.ToLower(params.Email)]; ok {
		return newValidationError("email", "already in use")
	}
	if params.Phone == "" {
		return newValidationError("phone", "must not be empty")
	}
	if _, ok := d.phones[params.Phone]; ok {
		return newValidationError("phone", "already in use")
	}
	if params.Age < d.opts.MinAge || params.Age > d.opts.MaxAge {
		return newValidationError("age", fmt.Sprintf("must be in [%d, %d]", d.opts.MinAge, d.opts.MaxAge))
	}
	if !slices.Contains(d.opts.AllowedGenders, params.Gender) {
		return newValidationError("gender", fmt.Sprintf("must be one of %v", d.opts.AllowedGenders))
	}
	return nil
}

// EnrollParams carries one enrollment. At least one embedding is required;
// providing both makes the template multimodal.
type EnrollParams struct {
	UserID       string
	Anatomical   []float32
	Dynamic      []float32
	GestureName  string
	QualityScore float64
	Confidence   float64
	Metadata     map[string]any
}

// EnrollTemplate persists a new template, links it to its owner and updates
// the affected modality indexes.
func (d *DB) EnrollTemplate(ctx context.Context, params EnrollParams) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return "", ErrClosed
	}

	u, ok := d.users[params.UserID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUserNotFound, params.UserID)
	}

	if len(params.Anatomical) == 0 && len(params.Dynamic) == 0 {
		return "", ErrNoEmbedding
	}
	if len(params.Anatomical) > 0 && len(params.Anatomical) != d.opts.AnatomicalDim {
		return "", dimensionValidationError("anatomical_embedding", d.opts.AnatomicalDim, len(params.Anatomical))
	}
	if len(params.Dynamic) > 0 && len(params.Dynamic) != d.opts.DynamicDim {
		return "", dimensionValidationError("dynamic_embedding", d.opts.DynamicDim, len(params.Dynamic))
	}
	if params.QualityScore < 0 || params.QualityScore > 1 {
		return "", newValidationError("quality_score", "must be in [0, 1]")
	}
	if params.Confidence < 0 || params.Confidence > 1 {
		return "", newValidationError("confidence", "must be in [0, 1]")
	}

	var anatomical, dynamic []float32
	if len(params.Anatomical) > 0 {
		anatomical = d.normalized(params.Anatomical)
	}
	if len(params.Dynamic) > 0 {
		dynamic = d.normalized(params.Dynamic)
	}

	now := d.now()
	state := model.FullState(anatomical, dynamic)
	t := &model.BiometricTemplate{
		TemplateID:   model.NewTemplateID(),
		UserID:       params.UserID,
		Type:         state.Type(),
		GestureName:  params.GestureName,
		QualityScore: params.QualityScore,
		Confidence:   params.Confidence,
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     params.Metadata,
		State:        state,
	}
	t.RefreshChecksum()

	if err := d.commitTemplate(ctx, u, t); err != nil {
		d.logger.LogEnroll(params.UserID, "", false, err)
		return "", err
	}

	d.logger.LogEnroll(params.UserID, t.TemplateID, false, nil)
	return t.TemplateID, nil
}

// commitTemplate persists a new template and its owner, then updates memory
// and indexes. Called with the mutex held.
func (d *DB) commitTemplate(ctx context.Context, u *model.UserProfile, t *model.BiometricTemplate) error {
	if err := d.templateStore.Save(ctx, t); err != nil {
		return persistenceError("save template", err)
	}

	u.LinkTemplate(t.TemplateID, t.Type)
	u.TotalEnrollments++
	u.UpdatedAt = d.now()
	u.LastActivity = u.UpdatedAt

	if err := d.userStore.Save(ctx, u); err != nil {
		// Roll the link back so memory stays consistent with storage.
		u.UnlinkTemplate(t.TemplateID)
		u.TotalEnrollments--
		_ = d.templateStore.Delete(ctx, t.TemplateID)
		return persistenceError("save user", err)
	}

	d.templates[t.TemplateID] = t
	d.indexTemplate(t)
	return d.rebuildIndexes(t.State.HasAnatomical(), t.State.HasDynamic())
}

// GetUser returns a copy of the user profile.
func (d *DB) GetUser(ctx context.Context, userID string) (*model.UserProfile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	u, ok := d.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return copyUser(u), nil
}

// GetTemplate returns a copy of the template, embeddings included.
func (d *DB) GetTemplate(ctx context.Context, templateID string) (*model.BiometricTemplate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	t, ok := d.templates[templateID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}
	return copyTemplate(t), nil
}

// ListUserTemplates returns copies of all templates owned by the user.
func (d *DB) ListUserTemplates(ctx context.Context, userID string) ([]*model.BiometricTemplate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	u, ok := d.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}

	templates := make([]*model.BiometricTemplate, 0, u.TotalTemplates())
	for _, id := range u.TemplateIDs() {
		if t, ok := d.templates[id]; ok {
			templates = append(templates, copyTemplate(t))
		}
	}
	return templates, nil
}

// DeleteTemplate removes a template from storage, its owner's ID lists, and
// the indexes.
func (d *DB) DeleteTemplate(ctx context.Context, templateID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	t, ok := d.templates[templateID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}

	if err := d.templateStore.Delete(ctx, templateID); err != nil {
		return persistenceError("delete template", err)
	}

	if u, ok := d.users[t.UserID]; ok {
		if u.UnlinkTemplate(templateID) {
			u.UpdatedAt = d.now()
			if err := d.userStore.Save(ctx, u); err != nil {
				return persistenceError("save user", err)
			}
		}
	}

	delete(d.templates, templateID)
	removedAnatomical := d.anatomical.Remove(templateID)
	removedDynamic := d.dynamic.Remove(templateID)
	return d.rebuildIndexes(removedAnatomical, removedDynamic)
}

// DeleteUser hard-deletes a user and cascades to all its templates in both
// the template store and the indexes.
func (d *DB) DeleteUser(ctx context.Context, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	u, ok := d.users[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}

	removedAnatomical, removedDynamic := false, false
	for id, t := range d.templates {
		if t.UserID != userID {
			continue
		}
		if err := d.templateStore.Delete(ctx, id); err != nil {
			return persistenceError("delete template", err)
		}
		delete(d.templates, id)
		if d.anatomical.Remove(id) {
			removedAnatomical = true
		}
		if d.dynamic.Remove(id) {
			removedDynamic = true
		}
	}

	if err := d.userStore.Delete(ctx, userID); err != nil {
		return persistenceError("delete user", err)
	}

	delete(d.users, userID)
	delete(d.emails, strings.ToLower(u.Email))
	delete(d.phones, u.Phone)
	delete(d.limiters, userID)

	d.logger.Debug("user deleted", "user_id", userID)
	return d.rebuildIndexes(removedAnatomical, removedDynamic)
}

// DeactivateUser soft-deletes a user: templates stay stored and indexed but
// the user no longer matches during verification.
func (d *DB) DeactivateUser(ctx context.Context, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	u, ok := d.users[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}

	u.Active = false
	u.UpdatedAt = d.now()
	if err := d.userStore.Save(ctx, u); err != nil {
		return persistenceError("save user", err)
	}
	return nil
}

// LockAccount transitions the user to LOCKED for the given duration.
func (d *DB) LockAccount(ctx context.Context, userID string, duration time.Duration, reason string) (time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return time.Time{}, ErrClosed
	}

	u, ok := d.users[userID]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}

	until := d.lockouts.Lock(u, duration, reason)
	if err := d.userStore.Save(ctx, u); err != nil {
		return time.Time{}, persistenceError("save user", err)
	}

	d.logger.LogLockout(userID, "locked", u.FailedAttempts)
	return until, nil
}

// CheckLocked reports the user's lock state and remaining minutes. An
// expired lockout is cleared (and persisted) as a side effect of this read.
func (d *DB) CheckLocked(ctx context.Context, userID string) (bool, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false, 0, ErrClosed
	}
	return d.checkLockedLocked(ctx, userID)
}

func (d *DB) checkLockedLocked(ctx context.Context, userID string) (bool, int, error) {
	u, ok := d.users[userID]
	if !ok {
		return false, 0, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}

	locked, remaining, expired := d.lockouts.Check(u)
	if expired {
		if err := d.userStore.Save(ctx, u); err != nil {
			return false, 0, persistenceError("save user", err)
		}
		d.logger.LogLockout(userID, "expired", u.FailedAttempts)
	}
	return locked, remaining, nil
}

// RecordFailedAttempt increments the user's failed-attempt counter.
func (d *DB) RecordFailedAttempt(ctx context.Context, userID string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrClosed
	}

	u, ok := d.users[userID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}

	count := d.lockouts.RecordFailedAttempt(u)
	if err := d.userStore.Save(ctx, u); err != nil {
		return 0, persistenceError("save user", err)
	}
	return count, nil
}

// ResetFailedAttempts clears the user's failed-attempt counter, independent
// of the current lock state.
func (d *DB) ResetFailedAttempts(ctx context.Context, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	u, ok := d.users[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}

	d.lockouts.Reset(u)
	if err := d.userStore.Save(ctx, u); err != nil {
		return persistenceError("save user", err)
	}
	return nil
}

// RecentAttempts returns the newest n authentication attempts.
func (d *DB) RecentAttempts(ctx context.Context, n int) ([]*model.AuthenticationAttempt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	attempts, err := d.attempts.Recent(ctx, n)
	if err != nil {
		return nil, persistenceError("list attempts", err)
	}
	return attempts, nil
}

// Backup archives the database's record trees and applies the retention
// policy. Only local blob stores can be archived.
func (d *DB) Backup(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return "", ErrClosed
	}

	local, ok := d.blobs.(*blobstore.LocalStore)
	if !ok {
		return "", ErrBackupUnsupported
	}

	archive, err := d.backups.Create(local.Root(), d.opts.BackupDir)
	d.logger.LogBackup(archive, err)
	if err != nil {
		return "", persistenceError("backup", err)
	}
	return archive, nil
}

// Close releases the in-memory state. Further calls fail with ErrClosed.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}

	d.closed = true
	d.users = nil
	d.templates = nil
	d.emails = nil
	d.phones = nil
	d.limiters = nil
	return nil
}

func copyUser(u *model.UserProfile) *model.UserProfile {
	out := *u
	out.GestureSequence = slices.Clone(u.GestureSequence)
	out.AnatomicalTemplates = slices.Clone(u.AnatomicalTemplates)
	out.DynamicTemplates = slices.Clone(u.DynamicTemplates)
	out.MultimodalTemplates = slices.Clone(u.MultimodalTemplates)
	out.LockoutHistory = slices.Clone(u.LockoutHistory)
	if u.LastFailedTimestamp != nil {
		ts := *u.LastFailedTimestamp
		out.LastFailedTimestamp = &ts
	}
	if u.LockoutUntil != nil {
		ts := *u.LockoutUntil
		out.LockoutUntil = &ts
	}
	out.Metadata = copyMetadata(u.Metadata)
	return &out
}

func copyTemplate(t *model.BiometricTemplate) *model.BiometricTemplate {
	out := *t
	out.State = model.TemplateState{
		Kind:          t.State.Kind,
		Anatomical:    slices.Clone(t.State.Anatomical),
		Dynamic:       slices.Clone(t.State.Dynamic),
		RawAnatomical: slices.Clone(t.State.RawAnatomical),
	}
	if t.State.RawTemporal != nil {
		out.State.RawTemporal = make([][]float32, len(t.State.RawTemporal))
		for i, frame := range t.State.RawTemporal {
			out.State.RawTemporal[i] = slices.Clone(frame)
		}
	}
	out.Metadata = copyMetadata(t.Metadata)
	return &out
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
