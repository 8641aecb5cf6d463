package session

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.strata.dev/core/changeset"
	"go.strata.dev/core/metrics"
	"go.strata.dev/core/object"
	"go.strata.dev/core/storage"
	"go.strata.dev/core/subscription"
)

// Strategy of a client reset.
type Strategy int

const (
	// Manual resets are left to the application, through
	// ClientResetRequiredError.Execute.
	Manual Strategy = iota
	// DiscardUnsynced replaces the File's contents with the server's,
	// discarding local changes not yet uploaded.
	DiscardUnsynced
	// RecoverUnsynced replaces the File's contents with the server's, and
	// then re-applies local changes not yet uploaded.
	RecoverUnsynced
	// RecoverOrDiscard attempts RecoverUnsynced, and falls back to
	// DiscardUnsynced if local changes cannot be re-applied.
	RecoverOrDiscard
)

func (s Strategy) String() string {
	switch s {
	case Manual:
		return "manual"
	case DiscardUnsynced:
		return "discard"
	case RecoverUnsynced:
		return "recover"
	case RecoverOrDiscard:
		return "recover_or_discard"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ResetConfig configures the handling of client resets.
type ResetConfig struct {
	Strategy Strategy
	// Before is invoked with a view of the File prior to an automatic reset.
	Before func(before *object.Txn)
	// After is invoked with views of the File before and after a successful
	// automatic reset.
	After func(before, after *object.Txn)
	// ManualFallback is invoked when a reset is Manual, or when an automatic
	// reset fails. The Session is Inactive.
	ManualFallback func(s *Session, err *ClientResetRequiredError)
}

// ClientResetRequiredError is delivered when the service requires a client
// reset which wasn't completed automatically. A copy of the File was
// written to RecoveryPath.
type ClientResetRequiredError struct {
	OriginalPath string
	RecoveryPath string
	Cause        *Error

	fs afero.Fs
}

func (e *ClientResetRequiredError) Error() string {
	return fmt.Sprintf("client reset required (recovery copy at %s): %s", e.RecoveryPath, e.Cause)
}

// Unwrap returns the Cause of the reset.
func (e *ClientResetRequiredError) Unwrap() error { return e.Cause }

// Execute the reset by deleting the original File, which must be closed.
// The File is downloaded afresh when next opened.
func (e *ClientResetRequiredError) Execute() error {
	if err := storage.DeleteFiles(e.fs, e.OriginalPath); err != nil {
		return errors.WithMessage(err, "executing client reset")
	}
	log.WithFields(log.Fields{
		"path":     e.OriginalPath,
		"recovery": e.RecoveryPath,
	}).Info("executed client reset")
	return nil
}

// RecoveryDir is the directory, relative to a File, of recovery copies.
const RecoveryDir = "recovered"

// clientReset handles a client reset required by |cause|, returning whether
// the Session continues.
func (s *Session) clientReset(ctx context.Context, cause *Error) bool {
	var strategy = s.cfg.Reset.Strategy
	var log = log.WithFields(log.Fields{
		"client":   s.ClientID(),
		"strategy": strategy,
		"cause":    cause,
	})

	if strategy != Manual {
		var err = s.automaticReset(ctx, strategy)
		if err == nil {
			metrics.ClientResetsTotal.WithLabelValues(strategy.String(), metrics.Ok).Inc()
			log.Info("completed client reset")
			return true
		} else if ctx.Err() != nil {
			return false
		}
		metrics.ClientResetsTotal.WithLabelValues(strategy.String(), metrics.Fail).Inc()
		log.WithField("err", err).Warn("automatic client reset failed")
	}

	var rre, err = s.recoveryCopy(cause)
	if err != nil {
		s.deliver(errors.WithMessage(err, "writing client reset recovery copy"))
		return false
	}
	if strategy == Manual {
		metrics.ClientResetsTotal.WithLabelValues(strategy.String(), metrics.Ok).Inc()
	}
	log.WithField("recovery", rre.RecoveryPath).Warn("client reset requires intervention")

	s.deliver(rre)
	if fn := s.cfg.Reset.ManualFallback; fn != nil {
		fn(s, rre)
	}
	return false
}

// recoveryCopy writes a copy of the File alongside it.
func (s *Session) recoveryCopy(cause *Error) (*ClientResetRequiredError, error) {
	var file = s.m.File()
	var dir = filepath.Join(filepath.Dir(file.Path()), RecoveryDir)
	var rre = &ClientResetRequiredError{
		OriginalPath: file.Path(),
		RecoveryPath: filepath.Join(dir, uuid.New().String()+"-"+filepath.Base(file.Path())),
		Cause:        cause,
		fs:           file.Fs(),
	}
	if err := file.Fs().MkdirAll(dir, 0750); err != nil {
		return nil, err
	} else if err = s.m.WriteCopy(file.Fs(), rre.RecoveryPath, s.cfg.EncryptionKey); err != nil {
		return nil, err
	}
	return rre, nil
}

// automaticReset fetches a complete bootstrap of the client's view, and
// replaces the File's objects with it in a single transaction.
func (s *Session) automaticReset(ctx context.Context, strategy Strategy) error {
	var token, err = s.authorize()
	if err != nil {
		return err
	}
	var resp DownloadResponse
	var req = DownloadRequest{
		ClientID:  s.ClientID(),
		Partition: s.cfg.Partition,
		Fresh:     true,
	}
	if _, _, err = s.ep.call(ctx, PathDownload, token, req, nil, &resp); err != nil {
		return errors.WithMessage(err, "downloading fresh bootstrap")
	}

	before, err := s.m.BeginInternalRead()
	if err != nil {
		return err
	}
	defer before.Release()
	var beforeTxn = object.NewReadTxn(before, s.cfg.Schema)

	if fn := s.cfg.Reset.Before; fn != nil {
		fn(beforeTxn)
	}

	switch strategy {
	case RecoverUnsynced:
		err = s.resetTo(ctx, resp, true)
	case RecoverOrDiscard:
		if err = s.resetTo(ctx, resp, true); err != nil {
			log.WithField("err", err).Warn("failed to recover unsynced changes; discarding them")
			err = s.resetTo(ctx, resp, false)
		}
	default:
		err = s.resetTo(ctx, resp, false)
	}
	if err != nil {
		return err
	}

	if fn := s.cfg.Reset.After; fn != nil {
		var after, err = s.m.BeginInternalRead()
		if err != nil {
			return err
		}
		fn(beforeTxn, object.NewReadTxn(after, s.cfg.Schema))
		after.Release()
	}
	return nil
}

// resetTo replaces all objects with those of bootstrap |resp|. If |recoverLocal|,
// changesets not yet uploaded are re-applied and retained for upload.
// Otherwise they're discarded.
func (s *Session) resetTo(ctx context.Context, resp DownloadResponse, recoverLocal bool) error {
	var w, err = s.m.BeginWrite(ctx)
	if err != nil {
		return err
	}
	var txn = object.NewWriteTxn(w, s.cfg.Schema)

	var fail = func(err error) error {
		_ = w.Rollback()
		return err
	}
	pending, err := changeset.Since(w, 0, 0)
	if err != nil {
		return fail(err)
	} else if err = txn.Wipe(); err != nil {
		return fail(err)
	}
	for _, cs := range resp.Changesets {
		if err = changeset.Apply(txn, cs); err != nil {
			return fail(errors.WithMessage(err, "applying bootstrap"))
		}
	}
	if recoverLocal {
		for _, cs := range pending {
			if err = changeset.Apply(txn, cs); err != nil {
				return fail(errors.WithMessagef(err, "recovering local version %d", cs.Version))
			}
		}
	} else if _, err = changeset.Trim(w, w.Base().Number); err != nil {
		return fail(err)
	}

	s.mu.Lock()
	var md = s.md
	s.mu.Unlock()
	md.ServerVersion = resp.ServerVersion

	if err = md.store(w); err != nil {
		return fail(err)
	} else if _, err = w.Commit(); err != nil {
		return err
	}

	s.mu.Lock()
	s.md, s.acked, s.queries = md, 0, 0
	s.notifyLocked()
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"serverVersion": md.ServerVersion,
		"recovered":     recoverLocal,
		"pending":       len(pending),
	}).Info("reset file to server state")

	if resp.QueryVersion != 0 {
		s.transitionQueries(ctx, resp.QueryVersion, subscription.Pending, "")
		s.transitionQueries(ctx, resp.QueryVersion, subscription.Complete, "")
	}
	return nil
}
