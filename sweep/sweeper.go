// Package sweep implements the old-data sweeper (§11.4): a background
// component that periodically trims timeline history beyond the
// configured horizon and clears stuck local state. It never touches the
// crypto sub-stores (C6); that lifecycle rule is enforced simply by this
// package never importing the crypto package at all.
package sweep

import (
	"context"
	"database/sql"
	"time"

	"github.com/Masterminds/semver/v3"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/element-hq/matrix-cache/internal/config"
	"github.com/element-hq/matrix-cache/internal/logging"
	"github.com/element-hq/matrix-cache/internal/metrics"
	"github.com/element-hq/matrix-cache/store"
	"github.com/element-hq/matrix-cache/sync"
	"github.com/element-hq/matrix-cache/timeline"
)

// minSweepableFormat is the lowest on-disk format version the sweeper will
// run against. A future format change that alters timeline layout in a way
// the sweeper's deletes can't safely reason about would bump this, leaving
// older on-disk databases untouched until they've been migrated forward.
var minSweepableFormat = semver.MustParse("1.0.0")

const stalePendingAfter = 24 * time.Hour

// sweepConcurrency bounds how many rooms are swept in flight at once. Writes
// still serialize through the environment's single writer goroutine; this
// only lets one room's decode-and-scan work overlap with another's, rather
// than capping throughput at the CPU cost of sweeping rooms one at a time.
const sweepConcurrency = 4

// Sweeper periodically deletes timeline history past the configured
// horizon and clears stuck local state, driven by the Sync Applier's room
// listing rather than walking the database directly.
type Sweeper struct {
	env *store.Environment
	tl  *timeline.Store
	app *sync.Applier
	cfg config.SweepConfig

	// lastSwept tracks, per room, when this process last swept it, so a
	// tight restart of Run doesn't immediately re-sweep every room on the
	// very first tick; entries expire on their own after cfg.Interval, so
	// there is no separate cleanup pass for this cache.
	lastSwept *gocache.Cache
}

// New wires a Sweeper against the environment, the timeline substore it
// trims, and the Sync Applier it asks for the current room list.
func New(env *store.Environment, tl *timeline.Store, app *sync.Applier, cfg config.SweepConfig) *Sweeper {
	return &Sweeper{
		env:       env,
		tl:        tl,
		app:       app,
		cfg:       cfg,
		lastSwept: gocache.New(cfg.Interval, cfg.Interval/2),
	}
}

// Run blocks, sweeping at cfg.Interval until ctx is cancelled. A zero
// Interval disables the sweeper entirely: Run returns immediately.
func (s *Sweeper) Run(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				logrus.WithError(err).Warn("sweep: pass failed")
				logging.ReportError(err)
			}
		}
	}
}

// SweepOnce runs one pass over every joined room, then deleteOldData. It is
// exported so a host can trigger an off-cycle sweep (e.g. on low-storage
// signal) without waiting for the next tick.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	version, err := s.env.FormatVersion(ctx)
	if err != nil {
		return err
	}
	if version.LessThan(minSweepableFormat) {
		logrus.WithField("format_version", version.String()).Info("sweep: on-disk format predates sweeper support, skipping pass")
		return nil
	}

	roomIDs, err := s.app.JoinedRooms(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, roomID := range roomIDs {
		roomID := roomID
		if _, found := s.lastSwept.Get(roomID); found {
			continue
		}
		g.Go(func() error {
			if err := s.deleteOldMessages(gctx, roomID); err != nil {
				logrus.WithField("room_id", roomID).WithError(err).Warn("sweep: deleteOldMessages failed")
				return nil
			}
			s.lastSwept.SetDefault(roomID, time.Now())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return s.deleteOldData(ctx, roomIDs)
}

// deleteOldMessages trims roomID's timeline to the configured horizon,
// resuming from the progress cursor recorded in store.TableEventExpiry so
// a sweep never rescans history a prior pass already confirmed was kept.
func (s *Sweeper) deleteOldMessages(ctx context.Context, roomID string) error {
	cutoff := time.Now().Add(-s.cfg.Horizon).UnixMilli()

	var deleted int
	err := s.env.Write(nil, "sweep.deleteOldMessages", func(txn *sql.Tx) error {
		resumeFrom, err := progressCursor(ctx, txn, roomID)
		if err != nil {
			return err
		}
		n, boundary, err := s.tl.DeleteMessagesOlderThan(ctx, txn, roomID, cutoff, resumeFrom)
		if err != nil {
			return err
		}
		deleted = n
		return setProgressCursor(ctx, txn, roomID, boundary)
	})
	if err != nil {
		return err
	}
	if deleted > 0 {
		metrics.SweepDeleted.WithLabelValues(roomID).Add(float64(deleted))
	}
	return nil
}

// deleteOldData clears locally originated messages that have sat
// unconfirmed past stalePendingAfter, across every joined room.
func (s *Sweeper) deleteOldData(ctx context.Context, roomIDs []string) error {
	cutoff := time.Now().Add(-stalePendingAfter).Unix()
	return s.env.Write(nil, "sweep.deleteOldData", func(txn *sql.Tx) error {
		for _, roomID := range roomIDs {
			if err := s.tl.DeleteStalePending(ctx, txn, roomID, cutoff); err != nil {
				return err
			}
		}
		return nil
	})
}

func progressCursor(ctx context.Context, txn *sql.Tx, roomID string) (string, error) {
	var progress string
	err := txn.QueryRowContext(ctx, `SELECT progress_event_id FROM `+store.TableEventExpiry+` WHERE room_id = $1`, roomID).Scan(&progress)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return progress, err
}

func setProgressCursor(ctx context.Context, txn *sql.Tx, roomID, boundaryEventID string) error {
	if boundaryEventID == "" {
		_, err := txn.ExecContext(ctx, `DELETE FROM `+store.TableEventExpiry+` WHERE room_id = $1`, roomID)
		return err
	}
	_, err := txn.ExecContext(ctx,
		`INSERT INTO `+store.TableEventExpiry+` (room_id, progress_event_id) VALUES ($1, $2)
			ON CONFLICT(room_id) DO UPDATE SET progress_event_id = excluded.progress_event_id`,
		roomID, boundaryEventID,
	)
	return err
}
