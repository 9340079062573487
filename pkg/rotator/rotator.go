package rotator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/credman/credman/pkg/credentials"
	"github.com/credman/credman/pkg/log"
	"github.com/credman/credman/pkg/metrics"
)

// Stage identifies where in the rotation pipeline a failure happened.
type Stage string

const (
	StagePasswordChosen Stage = "password_chosen"
	StageRemoteSet      Stage = "remote_set"
	StageRemoteVerified Stage = "remote_verified"
	StageLocalCommitted Stage = "local_committed"
)

// RotationError wraps a failure with the stage that produced it.
type RotationError struct {
	Stage Stage
	Err   error
}

func (e *RotationError) Error() string {
	return fmt.Sprintf("rotation failed at %s: %v", e.Stage, e.Err)
}

func (e *RotationError) Unwrap() error { return e.Err }

// Recorder receives rotation outcomes for durable audit. May be nil.
type Recorder interface {
	RecordRotation(label, outcome string)
}

// Rotator changes a credential's live database password and commits
// the re-encrypted record. The store is updated only after the new
// password has been verified against the target.
type Rotator struct {
	creds    *credentials.Manager
	target   TargetDB
	recorder Recorder
	logger   zerolog.Logger
}

// New creates a rotator. recorder may be nil.
func New(creds *credentials.Manager, target TargetDB, recorder Recorder) *Rotator {
	return &Rotator{
		creds:    creds,
		target:   target,
		recorder: recorder,
		logger:   log.WithComponent("rotator"),
	}
}

// Rotate runs the full pipeline for one label. If password is empty a
// random one is generated. The stages:
//
//	S1 choose password
//	S2 set it on the target database using the old credential
//	S3 reconnect with the new password to prove it took
//	S4 re-encrypt and commit the local record in one transaction
//
// A failure in S2 leaves everything consistent: the remote password
// is unchanged and so is the store. A failure in S3 is an unsafe
// window: the remote may have the new password while the store still
// has the old one. That case is surfaced loudly and local state is
// left untouched for the operator to resolve. A failure in S4 also
// leaves the remote on the new password and the store on the old one;
// it is returned as a RotationError at StageLocalCommitted and recorded
// as "failed", without the ROTATION_UNVERIFIED alert.
func (r *Rotator) Rotate(ctx context.Context, label, password string) error {
	newPassword := password
	if newPassword == "" {
		var err error
		newPassword, err = GeneratePassword(DefaultPasswordLen)
		if err != nil {
			return r.fail(label, &RotationError{Stage: StagePasswordChosen, Err: err})
		}
	} else if len(newPassword) < MinPasswordLen {
		return r.fail(label, &RotationError{Stage: StagePasswordChosen, Err: fmt.Errorf("too short")})
	}

	// S1 → S2: change the remote password using the old credential.
	secret, err := r.creds.Fetch(ctx, label)
	if err != nil {
		return r.fail(label, &RotationError{Stage: StageRemoteSet, Err: err})
	}
	defer secret.Wipe()

	if err := r.target.ChangePassword(ctx, secret, newPassword); err != nil {
		return r.fail(label, &RotationError{Stage: StageRemoteSet, Err: err})
	}

	// S2 → S3: the new password must prove itself on a fresh
	// connection before anything is committed locally.
	verify := *secret
	verify.Password = newPassword
	defer verify.Wipe()
	if err := r.target.Ping(ctx, &verify); err != nil {
		r.logger.Error().
			Str("alert", "ROTATION_UNVERIFIED").
			Str("label", label).
			Err(err).
			Msg("remote password was changed but could not be verified; local state left untouched, manual intervention required")
		metrics.RotationsTotal.WithLabelValues("unverified").Inc()
		if r.recorder != nil {
			r.recorder.RecordRotation(label, "unverified")
		}
		return &RotationError{Stage: StageRemoteVerified, Err: err}
	}

	// S3 → S4: fresh data key, re-encrypt, single transaction.
	if err := r.creds.Reencrypt(ctx, label, &verify); err != nil {
		return r.fail(label, &RotationError{Stage: StageLocalCommitted, Err: err})
	}

	r.logger.Info().Str("label", label).Msg("rotated credentials")
	metrics.RotationsTotal.WithLabelValues("success").Inc()
	if r.recorder != nil {
		r.recorder.RecordRotation(label, "success")
	}
	return nil
}

// TestConnection fetches a credential and pings the target database
// with it. A non-empty password overrides the stored one.
func (r *Rotator) TestConnection(ctx context.Context, label, password string) error {
	secret, err := r.creds.Fetch(ctx, label)
	if err != nil {
		return fmt.Errorf("test connection %q: %w", label, err)
	}
	defer secret.Wipe()

	if password != "" {
		secret.Password = password
	}
	if err := r.target.Ping(ctx, secret); err != nil {
		return fmt.Errorf("test connection %q: %w", label, err)
	}
	return nil
}

func (r *Rotator) fail(label string, rerr *RotationError) error {
	r.logger.Error().Str("label", label).Str("stage", string(rerr.Stage)).Err(rerr.Err).Msg("rotation failed")
	metrics.RotationsTotal.WithLabelValues("failed").Inc()
	if r.recorder != nil {
		r.recorder.RecordRotation(label, "failed")
	}
	return rerr
}
