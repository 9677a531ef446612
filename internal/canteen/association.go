package canteen

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

const lockStripes = 64

// stripedLocks serialises work per key without a map of mutexes.
type stripedLocks struct {
	mu [lockStripes]sync.Mutex
}

func (s *stripedLocks) lock(key uint64) func() {
	m := &s.mu[key%lockStripes]
	m.Lock()
	return m.Unlock
}

func ownerKey(o OwnerRef) uint64 {
	k := uint64(o.ID) << 1
	if o.Kind == OwnerOperator {
		k |= 1
	}
	return k
}

// Association binds reader slots to students and operators.
type Association struct {
	repo  *Repository
	locks stripedLocks
	log   zerolog.Logger
}

func NewAssociation(repo *Repository, logger zerolog.Logger) *Association {
	return &Association{repo: repo, log: logger}
}

// CanEnroll checks, before any hardware command goes out, that the owner
// exists and still has a free slot. It returns the current count.
func (a *Association) CanEnroll(ctx context.Context, owner OwnerRef) (int, error) {
	if err := owner.Validate(); err != nil {
		return 0, err
	}
	ok, err := a.repo.OwnerExists(ctx, owner)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%s: %w", owner, ErrNotFound)
	}
	n, err := a.repo.CountFingerprints(ctx, owner)
	if err != nil {
		return 0, err
	}
	if n >= MaxFingerprintsPerOwner {
		return n, fmt.Errorf("%s has %d: %w", owner, n, ErrOwnerSlotLimitExceeded)
	}
	return n, nil
}

// Associate persists sensorID for owner and returns the record along with
// the owner's new fingerprint count.
func (a *Association) Associate(ctx context.Context, sensorID int, owner OwnerRef) (Fingerprint, int, error) {
	if err := owner.Validate(); err != nil {
		return Fingerprint{}, 0, err
	}
	if sensorID < 0 {
		return Fingerprint{}, 0, fmt.Errorf("invalid sensor id %d", sensorID)
	}

	unlock := a.locks.lock(ownerKey(owner))
	defer unlock()

	count, err := a.repo.BindFingerprint(ctx, sensorID, owner, MaxFingerprintsPerOwner)
	if err != nil {
		if errors.Is(err, ErrOwnerSlotLimitExceeded) || errors.Is(err, ErrSensorSlotAlreadyBound) {
			a.log.Warn().Err(err).Int("sensor_id", sensorID).Str("owner", owner.String()).Msg("association rejected")
		}
		return Fingerprint{}, 0, err
	}
	fp, err := a.repo.LookupFingerprint(ctx, sensorID)
	if err != nil {
		return Fingerprint{}, 0, err
	}
	a.log.Info().Int("sensor_id", sensorID).Str("owner", owner.String()).Int("count", count).Msg("fingerprint associated")
	return fp, count, nil
}

// Count returns how many slots the owner holds.
func (a *Association) Count(ctx context.Context, owner OwnerRef) (int, error) {
	return a.repo.CountFingerprints(ctx, owner)
}

// SlotsForOwner lists the slots a delete-for-owner must erase on the reader.
func (a *Association) SlotsForOwner(ctx context.Context, owner OwnerRef) ([]int, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	ok, err := a.repo.OwnerExists(ctx, owner)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", owner, ErrNotFound)
	}
	return a.repo.SensorIDsForOwner(ctx, owner)
}

// SlotsForCohort lists the slots of every student in cohort.
func (a *Association) SlotsForCohort(ctx context.Context, cohort string) ([]int, error) {
	if !ValidCohort(cohort) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCohort, cohort)
	}
	return a.repo.SensorIDsForCohort(ctx, cohort)
}

// SlotsAll lists every bound slot.
func (a *Association) SlotsAll(ctx context.Context) ([]int, error) {
	return a.repo.AllSensorIDs(ctx)
}

// Release drops the record for one slot. Call it only after the reader
// confirmed the erase.
func (a *Association) Release(ctx context.Context, sensorID int) error {
	fp, err := a.repo.LookupFingerprint(ctx, sensorID)
	if errors.Is(err, ErrNotFound) {
		a.log.Warn().Int("sensor_id", sensorID).Msg("erased slot had no record")
		return nil
	}
	if err != nil {
		return err
	}
	unlock := a.locks.lock(ownerKey(fp.Owner))
	defer unlock()
	if _, err := a.repo.DeleteFingerprint(ctx, sensorID); err != nil {
		return err
	}
	a.log.Info().Int("sensor_id", sensorID).Str("owner", fp.Owner.String()).Msg("fingerprint released")
	return nil
}

// ClearAll drops every record. Call it only after the reader confirmed the wipe.
func (a *Association) ClearAll(ctx context.Context) (int64, error) {
	n, err := a.repo.DeleteAllFingerprints(ctx)
	if err != nil {
		return 0, err
	}
	a.log.Warn().Int64("removed", n).Msg("all fingerprints cleared")
	return n, nil
}
