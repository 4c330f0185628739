package biovault

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/time/rate"

	"github.com/hupe1980/biovault/distance"
	"github.com/hupe1980/biovault/index"
	"github.com/hupe1980/biovault/model"
)

// VerifyParams carries one verification query. At least one modality query
// is required. UserID is optional: when set, that user's own templates are
// excluded from the candidate pool and the failed-attempt/lockout machinery
// applies to the account.
type VerifyParams struct {
	Anatomical []float32
	Dynamic    []float32
	UserID     string
	MaxResults int
	IPAddress  string
	DeviceInfo string
	Metadata   map[string]any
}

// Match is one fused candidate in a verification result.
type Match struct {
	UserID string
	// FusedScore is the weighted average of the per-modality similarities,
	// renormalized if only one modality contributed.
	FusedScore float64
	// ModalityScores holds the best similarity per contributing modality.
	ModalityScores map[string]float64
	// TemplateIDs holds the best-matching template per contributing modality.
	TemplateIDs map[string]string
}

// VerifyResult is the outcome of one verification call.
type VerifyResult struct {
	AttemptID string
	// Success means the top match cleared the success threshold. It feeds
	// statistics; acceptance policy stays with the caller.
	Success bool
	Matches []Match
}

const (
	modalityAnatomical = "anatomical"
	modalityDynamic    = "dynamic"
)

// searchFanout widens the raw index queries so that per-user grouping still
// yields MaxResults distinct users.
const searchFanout = 4

// VerifyUser runs a similarity search per provided modality, groups candidate
// templates by owner, fuses per-user modality scores and returns candidates
// ranked by fused score. Inactive users never match. Exactly one
// AuthenticationAttempt is recorded per call, lockout and throttle
// rejections included.
func (d *DB) VerifyUser(ctx context.Context, params VerifyParams) (*VerifyResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	if len(params.Anatomical) == 0 && len(params.Dynamic) == 0 {
		return nil, ErrNoEmbedding
	}
	if len(params.Anatomical) > 0 && len(params.Anatomical) != d.opts.AnatomicalDim {
		return nil, dimensionValidationError("anatomical_embedding", d.opts.AnatomicalDim, len(params.Anatomical))
	}
	if len(params.Dynamic) > 0 && len(params.Dynamic) != d.opts.DynamicDim {
		return nil, dimensionValidationError("dynamic_embedding", d.opts.DynamicDim, len(params.Dynamic))
	}

	maxResults := params.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}

	authType := model.AuthTypeIdentification
	if params.UserID != "" {
		authType = model.AuthTypeVerification

		if _, ok := d.users[params.UserID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, params.UserID)
		}

		// The lock check precedes every embedding comparison. A rejected
		// attempt is still recorded.
		locked, remaining, err := d.checkLockedLocked(ctx, params.UserID)
		if err != nil {
			return nil, err
		}
		if locked {
			lockErr := &LockedAccountError{UserID: params.UserID, RemainingMinutes: remaining}
			d.recordAttempt(ctx, params, authType, nil, false, lockErr.Error())
			d.logger.LogVerify(params.UserID, 0, 0, lockErr)
			return nil, lockErr
		}

		if !d.allowAttempt(params.UserID) {
			throttleErr := fmt.Errorf("%w: %s", ErrTooManyAttempts, params.UserID)
			d.recordAttempt(ctx, params, authType, nil, false, throttleErr.Error())
			d.logger.LogVerify(params.UserID, 0, 0, throttleErr)
			return nil, throttleErr
		}
	}

	matches, err := d.fuseCandidates(params, maxResults)
	if err != nil {
		return nil, err
	}

	success := len(matches) > 0 && matches[0].FusedScore > d.opts.SuccessThreshold

	if err := d.touchMatches(ctx, matches, success); err != nil {
		return nil, err
	}

	if params.UserID != "" {
		if err := d.settleAttemptOutcome(ctx, params.UserID, success); err != nil {
			return nil, err
		}
	}

	result := &VerifyResult{Success: success, Matches: matches}
	result.AttemptID = d.recordAttempt(ctx, params, authType, matches, success, "")

	fused := 0.0
	if len(matches) > 0 {
		fused = matches[0].FusedScore
	}
	d.logger.LogVerify(params.UserID, len(matches), fused, nil)

	return result, nil
}

// fuseCandidates queries each modality index, groups raw hits by owning user
// and fuses per-user modality scores with the configured weights.
func (d *DB) fuseCandidates(params VerifyParams, maxResults int) ([]Match, error) {
	type candidate struct {
		anatomical, dynamic     float64
		anatomicalID, dynamicID string
	}
	candidates := make(map[string]*candidate)

	collect := func(results []index.SearchResult, modality string) {
		for _, r := range results {
			u, ok := d.users[r.UserID]
			if !ok || !u.Active {
				continue
			}
			c, ok := candidates[r.UserID]
			if !ok {
				c = &candidate{anatomical: -1, dynamic: -1}
				candidates[r.UserID] = c
			}
			sim := distance.Similarity(r.Distance)
			switch modality {
			case modalityAnatomical:
				if sim > c.anatomical {
					c.anatomical = sim
					c.anatomicalID = r.TemplateID
				}
			case modalityDynamic:
				if sim > c.dynamic {
					c.dynamic = sim
					c.dynamicID = r.TemplateID
				}
			}
		}
	}

	k := maxResults * searchFanout
	if len(params.Anatomical) > 0 {
		results, err := d.anatomical.Search(d.normalized(params.Anatomical), k, params.UserID)
		if err != nil {
			return nil, err
		}
		collect(results, modalityAnatomical)
	}
	if len(params.Dynamic) > 0 {
		results, err := d.dynamic.Search(d.normalized(params.Dynamic), k, params.UserID)
		if err != nil {
			return nil, err
		}
		collect(results, modalityDynamic)
	}

	weights := d.opts.FusionWeights
	matches := make([]Match, 0, len(candidates))
	for userID, c := range candidates {
		m := Match{
			UserID:         userID,
			ModalityScores: make(map[string]float64, 2),
			TemplateIDs:    make(map[string]string, 2),
		}

		var weighted, weightSum float64
		if c.anatomical >= 0 {
			m.ModalityScores[modalityAnatomical] = c.anatomical
			m.TemplateIDs[modalityAnatomical] = c.anatomicalID
			weighted += weights.Anatomical * c.anatomical
			weightSum += weights.Anatomical
		}
		if c.dynamic >= 0 {
			m.ModalityScores[modalityDynamic] = c.dynamic
			m.TemplateIDs[modalityDynamic] = c.dynamicID
			weighted += weights.Dynamic * c.dynamic
			weightSum += weights.Dynamic
		}
		if weightSum == 0 {
			continue
		}
		m.FusedScore = weighted / weightSum
		matches = append(matches, m)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].FusedScore != matches[j].FusedScore {
			return matches[i].FusedScore > matches[j].FusedScore
		}
		return matches[i].UserID < matches[j].UserID
	})
	if len(matches) > maxResults {
		matches = matches[:maxResults]
	}
	return matches, nil
}

// touchMatches bumps verification counters and activity stamps on matched
// users and on their best-matching templates, then persists the changes.
func (d *DB) touchMatches(ctx context.Context, matches []Match, success bool) error {
	now := d.now()

	for i, m := range matches {
		u, ok := d.users[m.UserID]
		if !ok {
			continue
		}

		u.TotalVerifications++
		if success && i == 0 {
			u.SuccessfulVerifications++
		}
		u.LastActivity = now
		u.UpdatedAt = now
		if err := d.userStore.Save(ctx, u); err != nil {
			return persistenceError("save user", err)
		}

		for _, id := range m.TemplateIDs {
			t, ok := d.templates[id]
			if !ok {
				continue
			}
			t.VerificationCount++
			if success && i == 0 {
				t.SuccessCount++
			}
			t.UpdatedAt = now
			if err := d.templateStore.Save(ctx, t); err != nil {
				return persistenceError("save template", err)
			}
		}
	}
	return nil
}

// settleAttemptOutcome applies failed-attempt accounting for the claiming
// user: a failed call increments the counter and may trip the auto-lock, a
// successful one resets it.
func (d *DB) settleAttemptOutcome(ctx context.Context, userID string, success bool) error {
	u, ok := d.users[userID]
	if !ok {
		return nil
	}

	if success {
		if u.FailedAttempts == 0 {
			return nil
		}
		d.lockouts.Reset(u)
	} else {
		count := d.lockouts.RecordFailedAttempt(u)
		if count >= d.opts.MaxFailedAttempts {
			d.lockouts.Lock(u, d.opts.LockoutDuration, "max failed attempts reached")
			d.logger.LogLockout(userID, "auto_locked", count)
		}
	}

	if err := d.userStore.Save(ctx, u); err != nil {
		return persistenceError("save user", err)
	}
	return nil
}

// recordAttempt appends one immutable authentication event. Log-append
// failures are logged but never fail the verification itself.
func (d *DB) recordAttempt(ctx context.Context, params VerifyParams, authType model.AuthType, matches []Match, success bool, failureReason string) string {
	attempt := &model.AuthenticationAttempt{
		AttemptID:     model.NewAttemptID(),
		UserID:        params.UserID,
		Timestamp:     d.now(),
		AuthType:      authType,
		Success:       success,
		IPAddress:     params.IPAddress,
		DeviceInfo:    params.DeviceInfo,
		FailureReason: failureReason,
		Metadata:      params.Metadata,
	}
	if len(matches) > 0 {
		attempt.FusedScore = matches[0].FusedScore
		attempt.ModalityScores = matches[0].ModalityScores
	}

	if err := d.attempts.Append(ctx, attempt); err != nil {
		d.logger.Warn("attempt log append failed", "attempt_id", attempt.AttemptID, "error", err)
	}
	return attempt.AttemptID
}

// allowAttempt applies the per-user attempt rate limit. A zero rate disables
// throttling.
func (d *DB) allowAttempt(userID string) bool {
	if d.opts.AttemptRate <= 0 {
		return true
	}
	limiter, ok := d.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(d.opts.AttemptRate, d.opts.AttemptBurst)
		d.limiters[userID] = limiter
	}
	return limiter.Allow()
}
