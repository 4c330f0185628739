package biovault

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/biovault/model"
)

// Embedder turns raw captured features into fixed-length embeddings. It is
// the external capability bootstrap conversion depends on; implementations
// may be slow and are always called outside the database lock.
type Embedder interface {
	EmbedAnatomical(features []float32) ([]float32, error)
	EmbedTemporal(frames [][]float32) ([]float32, error)
}

// BootstrapEnrollParams carries one bootstrap enrollment: raw features stored
// pending a future embedding generator. Profile enables user auto-creation
// when the user does not exist yet.
type BootstrapEnrollParams struct {
	UserID        string
	RawAnatomical []float32
	RawTemporal   [][]float32
	GestureName   string
	QualityScore  float64
	Confidence    float64
	Metadata      map[string]any

	// Profile is used to auto-create the user on first bootstrap enrollment.
	// Ignored when the user already exists.
	Profile *CreateUserParams
}

// EnrollTemplateBootstrap stores raw features as a pending template, for
// deployments where the embedding generator is trained incrementally and may
// not exist yet. Pending templates are not indexed; they become searchable
// after ConvertBootstrapTemplates.
func (d *DB) EnrollTemplateBootstrap(ctx context.Context, params BootstrapEnrollParams) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return "", ErrClosed
	}

	if len(params.RawAnatomical) == 0 && len(params.RawTemporal) == 0 {
		return "", ErrNoEmbedding
	}
	if params.QualityScore < 0 || params.QualityScore > 1 {
		return "", newValidationError("quality_score", "must be in [0, 1]")
	}
	if params.Confidence < 0 || params.Confidence > 1 {
		return "", newValidationError("confidence", "must be in [0, 1]")
	}

	u, ok := d.users[params.UserID]
	if !ok {
		if params.Profile == nil {
			return "", fmt.Errorf("%w: %s", ErrUserNotFound, params.UserID)
		}
		profile := *params.Profile
		profile.UserID = params.UserID
		if err := d.autoCreateUser(ctx, profile); err != nil {
			return "", err
		}
		u = d.users[params.UserID]
	}

	raw := slices.Clone(params.RawAnatomical)
	var frames [][]float32
	if len(params.RawTemporal) > 0 {
		frames = make([][]float32, len(params.RawTemporal))
		for i, frame := range params.RawTemporal {
			frames[i] = slices.Clone(frame)
		}
	}

	now := d.now()
	state := model.PendingState(raw, frames)
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
		d.logger.LogEnroll(params.UserID, "", true, err)
		return "", err
	}

	d.logger.LogEnroll(params.UserID, t.TemplateID, true, nil)
	return t.TemplateID, nil
}

func (d *DB) autoCreateUser(ctx context.Context, params CreateUserParams) error {
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
	return nil
}

// ConversionFailure records one template that could not be converted.
type ConversionFailure struct {
	TemplateID string
	Err        error
}

// ConversionReport summarizes one bootstrap conversion batch.
type ConversionReport struct {
	Converted int
	// Skipped counts templates that were already converted or deleted by the
	// time their commit ran. Retrying a whole batch is always safe.
	Skipped  int
	Failures []ConversionFailure
}

// conversionConcurrency bounds parallel embedding generation.
const conversionConcurrency = 4

// ConvertBootstrapTemplates re-reads all pending templates, generates their
// embeddings and promotes them to full, indexed templates. Embedding runs
// outside the database lock; the lock is re-acquired only to commit each
// converted template, and each commit re-checks the pending state, so the
// operation is idempotent per template. Failures never abort the batch.
func (d *DB) ConvertBootstrapTemplates(ctx context.Context, embedder Embedder) (*ConversionReport, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}

	pending := make([]*model.BiometricTemplate, 0)
	for _, t := range d.templates {
		if t.State.Pending() {
			pending = append(pending, copyTemplate(t))
		}
	}
	d.mu.Unlock()

	report := &ConversionReport{}
	var reportMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(conversionConcurrency)

	for _, snapshot := range pending {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			anatomical, dynamic, err := d.embedPending(embedder, snapshot)

			var converted bool
			if err == nil {
				converted, err = d.commitConversion(ctx, snapshot.TemplateID, anatomical, dynamic)
			}

			reportMu.Lock()
			defer reportMu.Unlock()

			switch {
			case err != nil:
				report.Failures = append(report.Failures, ConversionFailure{TemplateID: snapshot.TemplateID, Err: err})
			case converted:
				report.Converted++
			default:
				report.Skipped++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return report, ErrClosed
	}
	if err := d.rebuildIndexes(true, true); err != nil {
		return report, err
	}

	d.logger.Info("bootstrap conversion finished",
		"converted", report.Converted,
		"skipped", report.Skipped,
		"failed", len(report.Failures),
	)
	return report, nil
}

// embedPending runs the embedding generator on a pending snapshot, without
// holding the database lock.
func (d *DB) embedPending(embedder Embedder, t *model.BiometricTemplate) (anatomical, dynamic []float32, err error) {
	if len(t.State.RawAnatomical) > 0 {
		anatomical, err = embedder.EmbedAnatomical(t.State.RawAnatomical)
		if err != nil {
			return nil, nil, fmt.Errorf("embed anatomical features: %w", err)
		}
		if len(anatomical) != d.opts.AnatomicalDim {
			return nil, nil, dimensionValidationError("anatomical_embedding", d.opts.AnatomicalDim, len(anatomical))
		}
	}
	if len(t.State.RawTemporal) > 0 {
		dynamic, err = embedder.EmbedTemporal(t.State.RawTemporal)
		if err != nil {
			return nil, nil, fmt.Errorf("embed temporal sequence: %w", err)
		}
		if len(dynamic) != d.opts.DynamicDim {
			return nil, nil, dimensionValidationError("dynamic_embedding", d.opts.DynamicDim, len(dynamic))
		}
	}
	return anatomical, dynamic, nil
}

// commitConversion promotes one pending template under the lock. It reports
// false when the template was deleted or already converted in the meantime.
func (d *DB) commitConversion(ctx context.Context, templateID string, anatomical, dynamic []float32) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false, ErrClosed
	}

	t, ok := d.templates[templateID]
	if !ok || !t.State.Pending() {
		return false, nil
	}

	if len(anatomical) > 0 {
		anatomical = d.normalized(anatomical)
	}
	if len(dynamic) > 0 {
		dynamic = d.normalized(dynamic)
	}

	previous := t.State
	previousType := t.Type
	previousChecksum := t.Checksum
	previousUpdated := t.UpdatedAt

	t.State = model.FullState(anatomical, dynamic)
	t.Type = t.State.Type()
	t.UpdatedAt = d.now()
	t.RefreshChecksum()

	if err := d.templateStore.Save(ctx, t); err != nil {
		t.State = previous
		t.Type = previousType
		t.Checksum = previousChecksum
		t.UpdatedAt = previousUpdated
		return false, persistenceError("save template", err)
	}

	d.indexTemplate(t)
	return true, nil
}
