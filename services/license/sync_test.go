package license

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"labdesk-controlplane/pkg/clock"
	"labdesk-controlplane/services/lab"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeLicenseStore struct {
	items   map[string]*License
	saves   int
	saveErr map[string]error
	findErr error
	// afterFind runs after every candidate query.
	afterFind func()
}

func newFakeLicenseStore(licenses ...*License) *fakeLicenseStore {
	f := &fakeLicenseStore{items: map[string]*License{}, saveErr: map[string]error{}}
	for _, l := range licenses {
		cp := *l
		f.items[l.ID] = &cp
	}
	return f
}

func (f *fakeLicenseStore) FindByID(_ context.Context, id string) (*License, error) {
	l, ok := f.items[id]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (f *fakeLicenseStore) FindCandidatesForSweep(_ context.Context, now time.Time, band time.Duration, afterID string, limit int) ([]*License, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	defer func() {
		if f.afterFind != nil {
			f.afterFind()
		}
	}()

	within := func(t time.Time) bool {
		return !t.Before(now.Add(-band)) && !t.After(now.Add(band))
	}

	ids := make([]string, 0, len(f.items))
	for id := range f.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*License
	for _, id := range ids {
		if id <= afterID {
			continue
		}
		l := f.items[id]
		wrong := Evaluate(now, l.IssuedAt, l.ExpiresAt) != l.Status
		if wrong || within(l.IssuedAt) || within(l.ExpiresAt) {
			cp := *l
			out = append(out, &cp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeLicenseStore) Save(_ context.Context, l *License) error {
	if err := f.saveErr[l.ID]; err != nil {
		return err
	}
	f.saves++
	cp := *l
	f.items[l.ID] = &cp
	return nil
}

type fakeLabStore struct {
	licenses *fakeLicenseStore
	items    map[string]*lab.Lab
	saves    int
	saveErr  error
	countErr error
}

func newFakeLabStore(licenses *fakeLicenseStore, labs ...*lab.Lab) *fakeLabStore {
	f := &fakeLabStore{licenses: licenses, items: map[string]*lab.Lab{}}
	for _, l := range labs {
		cp := *l
		f.items[l.ID] = &cp
	}
	return f
}

func (f *fakeLabStore) FindByID(_ context.Context, id string) (*lab.Lab, error) {
	l, ok := f.items[id]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (f *fakeLabStore) Save(_ context.Context, l *lab.Lab) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves++
	cp := *l
	f.items[l.ID] = &cp
	return nil
}

func (f *fakeLabStore) CountActiveLicensesFor(_ context.Context, labID string) (int64, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	var n int64
	for _, l := range f.licenses.items {
		if l.LabID == labID && l.Status == StatusActive {
			n++
		}
	}
	return n, nil
}

func (f *fakeLabStore) FindMismatched(ctx context.Context, afterID string, limit int) ([]*lab.Lab, error) {
	ids := make([]string, 0, len(f.items))
	for id := range f.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*lab.Lab
	for _, id := range ids {
		if id <= afterID {
			continue
		}
		n, _ := f.CountActiveLicensesFor(ctx, id)
		l := f.items[id]
		mirrorActive := l.LicenseStatus == lab.StatusActive || l.NumericStatus == 1
		mirrorInactive := l.LicenseStatus != lab.StatusActive || l.NumericStatus != 1
		if (mirrorActive && n == 0) || (mirrorInactive && n > 0) {
			cp := *l
			out = append(out, &cp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func newTestSynchronizer(now time.Time, licenses *fakeLicenseStore, labs *fakeLabStore, cfg SyncConfig) (*Synchronizer, *observer.ObservedLogs, *clockwork.FakeClock) {
	core, logs := observer.New(zapcore.InfoLevel)
	fake := clockwork.NewFakeClockAt(now)
	c := clock.New(fake, 5*3600+30*60)
	return NewSynchronizer(c, licenses, labs, zap.New(core), cfg), logs, fake
}

func activeLab(id string) *lab.Lab {
	return &lab.Lab{ID: id, Name: id, LicenseStatus: lab.StatusActive, NumericStatus: 1}
}

func inactiveLab(id string) *lab.Lab {
	return &lab.Lab{ID: id, Name: id, LicenseStatus: lab.StatusInactive}
}

func TestRefreshOne_Unchanged(t *testing.T) {
	now := at(2024, time.June, 15, 12, 0, 0)
	l := &License{
		ID: "L1", LabID: "lab-1", Status: StatusActive,
		IssuedAt: at(2024, time.January, 1, 0, 0, 0), ExpiresAt: at(2024, time.December, 31, 23, 59, 59),
	}
	licenses := newFakeLicenseStore(l)
	labs := newFakeLabStore(licenses, activeLab("lab-1"))
	s, logs, _ := newTestSynchronizer(now, licenses, labs, SyncConfig{})

	got, err := s.RefreshOne(context.Background(), l)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)
	require.Zero(t, licenses.saves)
	require.Zero(t, labs.saves)
	require.Zero(t, logs.Len())
}

func TestRefreshOne_IssueDateReached(t *testing.T) {
	now := at(2024, time.January, 1, 0, 0, 0)
	l := &License{
		ID: "L1", LabID: "lab-1", Status: StatusInactive,
		IssuedAt: now, ExpiresAt: at(2024, time.December, 31, 23, 59, 59),
	}
	licenses := newFakeLicenseStore(l)
	labs := newFakeLabStore(licenses, inactiveLab("lab-1"))
	s, logs, _ := newTestSynchronizer(now, licenses, labs, SyncConfig{})

	_, err := s.RefreshOne(context.Background(), l)
	require.NoError(t, err)
	require.Equal(t, StatusActive, licenses.items["L1"].Status)
	require.Equal(t, lab.StatusActive, labs.items["lab-1"].LicenseStatus)
	require.Equal(t, 1, labs.items["lab-1"].NumericStatus)

	entries := logs.FilterMessage("license status transition").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "L1", fields["license_id"])
	require.Equal(t, "lab-1", fields["lab_id"])
	require.Equal(t, "inactive", fields["old_status"])
	require.Equal(t, "active", fields["new_status"])
	require.Equal(t, ReasonIssueDateReached, fields["reason"])
	require.Contains(t, fields, "issued_at")
	require.Contains(t, fields, "expires_at")
	require.Contains(t, fields, "now")
}

func TestRefreshOne_Idempotent(t *testing.T) {
	now := at(2025, time.January, 1, 0, 0, 0)
	l := &License{
		ID: "L1", LabID: "lab-1", Status: StatusActive,
		IssuedAt: at(2024, time.January, 1, 0, 0, 0), ExpiresAt: at(2024, time.December, 31, 23, 59, 59),
	}
	licenses := newFakeLicenseStore(l)
	labs := newFakeLabStore(licenses, activeLab("lab-1"))
	s, logs, _ := newTestSynchronizer(now, licenses, labs, SyncConfig{})

	_, err := s.RefreshOne(context.Background(), l)
	require.NoError(t, err)
	require.Equal(t, StatusInactive, l.Status)

	licenseSaves, labSaves, entries := licenses.saves, labs.saves, logs.Len()
	snapshot := *licenses.items["L1"]

	_, err = s.RefreshOne(context.Background(), l)
	require.NoError(t, err)
	require.Equal(t, licenseSaves, licenses.saves)
	require.Equal(t, labSaves, labs.saves)
	require.Equal(t, entries, logs.Len())
	require.Equal(t, snapshot, *licenses.items["L1"])
	require.Len(t, logs.FilterMessage("license status transition").All(), 1)
}

func TestRefreshOne_LabKeepsOtherActiveLicense(t *testing.T) {
	now := at(2025, time.January, 1, 0, 0, 0)
	expired := &License{
		ID: "L1", LabID: "lab-1", Status: StatusActive,
		IssuedAt: at(2024, time.January, 1, 0, 0, 0), ExpiresAt: at(2024, time.December, 31, 23, 59, 59),
	}
	renewal := &License{
		ID: "L2", LabID: "lab-1", Status: StatusActive,
		IssuedAt: at(2024, time.December, 1, 0, 0, 0), ExpiresAt: at(2025, time.December, 31, 23, 59, 59),
	}
	licenses := newFakeLicenseStore(expired, renewal)
	labs := newFakeLabStore(licenses, activeLab("lab-1"))
	s, _, _ := newTestSynchronizer(now, licenses, labs, SyncConfig{})

	_, err := s.RefreshOne(context.Background(), expired)
	require.NoError(t, err)
	require.Equal(t, StatusInactive, licenses.items["L1"].Status)
	require.Equal(t, lab.StatusActive, labs.items["lab-1"].LicenseStatus)
	require.Zero(t, labs.saves)
}

func TestRefreshOne_SaveFailure(t *testing.T) {
	now := at(2025, time.January, 1, 0, 0, 0)
	l := &License{
		ID: "L1", LabID: "lab-1", Status: StatusActive,
		IssuedAt: at(2024, time.January, 1, 0, 0, 0), ExpiresAt: at(2024, time.December, 31, 23, 59, 59),
	}
	licenses := newFakeLicenseStore(l)
	licenses.saveErr["L1"] = errors.New("disk full")
	labs := newFakeLabStore(licenses, activeLab("lab-1"))
	s, logs, _ := newTestSynchronizer(now, licenses, labs, SyncConfig{})

	_, err := s.RefreshOne(context.Background(), l)
	require.ErrorIs(t, err, ErrPersistence)
	require.Equal(t, StatusActive, l.Status)
	require.Zero(t, logs.Len())
	require.Zero(t, labs.saves)
}

func TestSave_WritesStatusWithDates(t *testing.T) {
	now := at(2025, time.March, 10, 9, 0, 0)
	l := &License{
		ID: "L1", LabID: "lab-1", Status: StatusActive,
		IssuedAt: at(2025, time.January, 1, 0, 0, 0), ExpiresAt: at(2026, time.January, 1, 0, 0, 0),
	}
	licenses := newFakeLicenseStore(l)
	labs := newFakeLabStore(licenses, activeLab("lab-1"))
	s, logs, _ := newTestSynchronizer(now, licenses, labs, SyncConfig{})

	l.ExpiresAt = at(2025, time.March, 5, 0, 0, 0)
	require.NoError(t, s.Save(context.Background(), l))

	require.Equal(t, 1, licenses.saves)
	require.Equal(t, StatusInactive, licenses.items["L1"].Status)
	require.True(t, licenses.items["L1"].ExpiresAt.Equal(l.ExpiresAt))
	require.Equal(t, lab.StatusInactive, labs.items["lab-1"].LicenseStatus)
	require.Equal(t, 1, logs.FilterMessage("license status transition").Len())
}

func TestSave_UnchangedStatusNotLogged(t *testing.T) {
	now := at(2025, time.March, 10, 9, 0, 0)
	l := &License{
		ID: "L1", LabID: "lab-1", Status: StatusActive,
		IssuedAt: at(2025, time.January, 1, 0, 0, 0), ExpiresAt: at(2026, time.January, 1, 0, 0, 0),
	}
	licenses := newFakeLicenseStore(l)
	labs := newFakeLabStore(licenses, activeLab("lab-1"))
	s, logs, _ := newTestSynchronizer(now, licenses, labs, SyncConfig{})

	l.Features = []string{"reports"}
	require.NoError(t, s.Save(context.Background(), l))
	require.Equal(t, 1, licenses.saves)
	require.Zero(t, logs.Len())
	require.Zero(t, labs.saves)
}

func TestSave_LabFailureKeepsLicenseConsistent(t *testing.T) {
	now := at(2025, time.March, 10, 9, 0, 0)
	l := &License{
		ID: "L1", LabID: "lab-1", Status: StatusActive,
		IssuedAt: at(2025, time.January, 1, 0, 0, 0), ExpiresAt: at(2026, time.January, 1, 0, 0, 0),
	}
	licenses := newFakeLicenseStore(l)
	labs := newFakeLabStore(licenses, activeLab("lab-1"))
	labs.saveErr = errors.New("lock timeout")
	s, _, _ := newTestSynchronizer(now, licenses, labs, SyncConfig{})

	l.ExpiresAt = at(2025, time.March, 5, 0, 0, 0)
	err := s.Save(context.Background(), l)
	require.ErrorIs(t, err, ErrPersistence)

	stored := licenses.items["L1"]
	require.Equal(t, Evaluate(now, stored.IssuedAt, stored.ExpiresAt), stored.Status)
	require.Equal(t, StatusInactive, stored.Status)
}

func TestSave_LicenseFailureRestoresStatus(t *testing.T) {
	now := at(2025, time.March, 10, 9, 0, 0)
	l := &License{
		ID: "L1", LabID: "lab-1", Status: StatusActive,
		IssuedAt: at(2025, time.January, 1, 0, 0, 0), ExpiresAt: at(2026, time.January, 1, 0, 0, 0),
	}
	licenses := newFakeLicenseStore(l)
	licenses.saveErr["L1"] = errors.New("disk full")
	labs := newFakeLabStore(licenses, activeLab("lab-1"))
	s, logs, _ := newTestSynchronizer(now, licenses, labs, SyncConfig{})

	l.ExpiresAt = at(2025, time.March, 5, 0, 0, 0)
	require.ErrorIs(t, s.Save(context.Background(), l), ErrPersistence)
	require.Equal(t, StatusActive, l.Status)
	require.Zero(t, logs.Len())
	require.Zero(t, labs.saves)
}

func TestRefreshByID(t *testing.T) {
	now := at(2025, time.January, 1, 0, 0, 0)
	licenses := newFakeLicenseStore()
	labs := newFakeLabStore(licenses)
	s, _, _ := newTestSynchronizer(now, licenses, labs, SyncConfig{})

	_, err := s.RefreshByID(context.Background(), "missing")
	require.ErrorIs(t, err, ErrLicenseNotFound)
}

func TestSweepAll_ExpiredLicense(t *testing.T) {
	now := at(2025, time.March, 10, 9, 0, 0)
	l := &License{
		ID: "L1", LabID: "lab-1", Status: StatusActive,
		IssuedAt: now.AddDate(-1, 0, 0), ExpiresAt: now.Add(-30 * time.Second),
	}
	licenses := newFakeLicenseStore(l)
	labs := newFakeLabStore(licenses, activeLab("lab-1"))
	s, logs, _ := newTestSynchronizer(now, licenses, labs, SyncConfig{})

	res, err := s.SweepAll(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, SweepResult{Deactivated: 1}, res)
	require.Equal(t, StatusInactive, licenses.items["L1"].Status)
	require.Equal(t, lab.StatusInactive, labs.items["lab-1"].LicenseStatus)
	require.Equal(t, 0, labs.items["lab-1"].NumericStatus)

	entries := logs.FilterMessage("license status transition").All()
	require.Len(t, entries, 1)
	require.Equal(t, ReasonExpiryDateReached, entries[0].ContextMap()["reason"])
}

func TestSweepAll_BothDirections(t *testing.T) {
	now := at(2025, time.March, 10, 9, 0, 0)
	licenses := newFakeLicenseStore(
		&License{ID: "L1", LabID: "lab-1", Status: StatusInactive, IssuedAt: now.Add(-time.Hour), ExpiresAt: now.AddDate(0, 1, 0)},
		&License{ID: "L2", LabID: "lab-2", Status: StatusActive, IssuedAt: now.AddDate(0, 0, 1), ExpiresAt: now.AddDate(0, 1, 0)},
		&License{ID: "L3", LabID: "lab-3", Status: StatusActive, IssuedAt: now.AddDate(0, -1, 0), ExpiresAt: now.AddDate(0, 1, 0)},
	)
	labs := newFakeLabStore(licenses, inactiveLab("lab-1"), activeLab("lab-2"), activeLab("lab-3"))
	s, logs, _ := newTestSynchronizer(now, licenses, labs, SyncConfig{})

	res, err := s.SweepAll(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, res.Activated)
	require.Equal(t, 1, res.Deactivated)
	require.Zero(t, res.Failed)

	require.Equal(t, lab.StatusActive, labs.items["lab-1"].LicenseStatus)
	require.Equal(t, lab.StatusInactive, labs.items["lab-2"].LicenseStatus)
	require.Equal(t, lab.StatusActive, labs.items["lab-3"].LicenseStatus)

	reasons := map[string]any{}
	for _, e := range logs.FilterMessage("license status transition").All() {
		reasons[e.ContextMap()["license_id"].(string)] = e.ContextMap()["reason"]
	}
	require.Equal(t, map[string]any{
		"L1": ReasonIssueDateReached,
		"L2": ReasonBeforeIssueDate,
	}, reasons)
}

func TestSweepAll_ContinuesAfterItemFailure(t *testing.T) {
	now := at(2025, time.March, 10, 9, 0, 0)
	expired := func(id, labID string) *License {
		return &License{ID: id, LabID: labID, Status: StatusActive, IssuedAt: now.AddDate(-1, 0, 0), ExpiresAt: now.Add(-time.Hour)}
	}
	licenses := newFakeLicenseStore(expired("L1", "lab-1"), expired("L2", "lab-2"), expired("L3", "lab-3"))
	licenses.saveErr["L2"] = errors.New("deadlock detected")
	labs := newFakeLabStore(licenses, activeLab("lab-1"), activeLab("lab-2"), activeLab("lab-3"))
	s, logs, _ := newTestSynchronizer(now, licenses, labs, SyncConfig{})

	res, err := s.SweepAll(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 2, res.Deactivated)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, StatusInactive, licenses.items["L1"].Status)
	require.Equal(t, StatusActive, licenses.items["L2"].Status)
	require.Equal(t, StatusInactive, licenses.items["L3"].Status)
	require.Len(t, logs.FilterMessage("failed to refresh license status").All(), 1)
}

func TestSweepAll_CandidateQueryFailure(t *testing.T) {
	now := at(2025, time.March, 10, 9, 0, 0)
	licenses := newFakeLicenseStore()
	licenses.findErr = errors.New("connection refused")
	labs := newFakeLabStore(licenses)
	s, _, _ := newTestSynchronizer(now, licenses, labs, SyncConfig{})

	_, err := s.SweepAll(context.Background(), now)
	require.ErrorIs(t, err, ErrPersistence)
}

func TestSweepAll_Batches(t *testing.T) {
	now := at(2025, time.March, 10, 9, 0, 0)
	var seeded []*License
	for _, id := range []string{"L01", "L02", "L03", "L04", "L05", "L06", "L07"} {
		seeded = append(seeded, &License{ID: id, LabID: "lab-1", Status: StatusActive, IssuedAt: now.AddDate(-1, 0, 0), ExpiresAt: now.Add(-time.Minute)})
	}
	licenses := newFakeLicenseStore(seeded...)
	queries := 0
	licenses.afterFind = func() { queries++ }
	labs := newFakeLabStore(licenses, activeLab("lab-1"))
	s, _, _ := newTestSynchronizer(now, licenses, labs, SyncConfig{BatchSize: 3})

	res, err := s.SweepAll(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 7, res.Deactivated)
	require.Equal(t, 3, queries)
	require.Equal(t, lab.StatusInactive, labs.items["lab-1"].LicenseStatus)
}

func TestSweepAll_BandCandidateUnchanged(t *testing.T) {
	now := at(2025, time.March, 10, 9, 0, 0)
	l := &License{ID: "L1", LabID: "lab-1", Status: StatusActive, IssuedAt: now.AddDate(-1, 0, 0), ExpiresAt: now.Add(20 * time.Second)}
	licenses := newFakeLicenseStore(l)
	labs := newFakeLabStore(licenses, activeLab("lab-1"))
	s, logs, _ := newTestSynchronizer(now, licenses, labs, SyncConfig{})

	res, err := s.SweepAll(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, SweepResult{}, res)
	require.Zero(t, licenses.saves)
	require.Zero(t, logs.FilterMessage("license status transition").Len())
}

func TestSweepAll_Cancelled(t *testing.T) {
	now := at(2025, time.March, 10, 9, 0, 0)
	licenses := newFakeLicenseStore(
		&License{ID: "L1", LabID: "lab-1", Status: StatusActive, IssuedAt: now.AddDate(-1, 0, 0), ExpiresAt: now.Add(-time.Hour)},
		&License{ID: "L2", LabID: "lab-1", Status: StatusActive, IssuedAt: now.AddDate(-1, 0, 0), ExpiresAt: now.Add(-time.Hour)},
	)
	labs := newFakeLabStore(licenses, activeLab("lab-1"))
	s, _, _ := newTestSynchronizer(now, licenses, labs, SyncConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	licenses.afterFind = cancel

	res, err := s.SweepAll(ctx, now)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, SweepResult{}, res)
	require.Zero(t, licenses.saves)
}

func TestSweepAll_RepairsStaleLabs(t *testing.T) {
	now := at(2025, time.March, 10, 9, 0, 0)
	licenses := newFakeLicenseStore(
		&License{ID: "L1", LabID: "lab-1", Status: StatusActive, IssuedAt: now.AddDate(-1, 0, 0), ExpiresAt: now.AddDate(1, 0, 0)},
	)
	// lab-1 missed its activation write, lab-2 lost its last license.
	labs := newFakeLabStore(licenses, inactiveLab("lab-1"), activeLab("lab-2"), inactiveLab("lab-3"))
	s, _, _ := newTestSynchronizer(now, licenses, labs, SyncConfig{})

	res, err := s.SweepAll(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 2, res.LabsRepaired)
	require.Equal(t, lab.StatusActive, labs.items["lab-1"].LicenseStatus)
	require.Equal(t, lab.StatusInactive, labs.items["lab-2"].LicenseStatus)
	require.Equal(t, 0, labs.items["lab-2"].NumericStatus)
	require.Equal(t, lab.StatusInactive, labs.items["lab-3"].LicenseStatus)
}

func TestSweepAll_LabWriteFailureCounted(t *testing.T) {
	now := at(2025, time.March, 10, 9, 0, 0)
	licenses := newFakeLicenseStore(
		&License{ID: "L1", LabID: "lab-1", Status: StatusActive, IssuedAt: now.AddDate(-1, 0, 0), ExpiresAt: now.Add(-time.Hour)},
	)
	labs := newFakeLabStore(licenses, activeLab("lab-1"))
	labs.saveErr = errors.New("lock wait timeout")
	s, _, _ := newTestSynchronizer(now, licenses, labs, SyncConfig{})

	res, err := s.SweepAll(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, res.Deactivated)
	// The license write and the lab repair both hit the failing lab store.
	require.Equal(t, 2, res.Failed)
	require.Equal(t, StatusInactive, licenses.items["L1"].Status)
	require.Equal(t, lab.StatusActive, labs.items["lab-1"].LicenseStatus)
}
