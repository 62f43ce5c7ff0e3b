package services

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/license"
	"licensegate/internal/store"
	"licensegate/pkg/activation"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSigner(t *testing.T) *license.Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return license.NewSignerFromKey(key)
}

func newActivationFixture(t *testing.T) (*store.Store, *license.Signer, ActivationService) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	signer := testSigner(t)
	return st, signer, NewActivationService(st, signer, testLogger(), nil)
}

func issueTestLicense(t *testing.T, st *store.Store, key string) *license.License {
	t.Helper()
	ctx := context.Background()
	owner := &license.Owner{
		ID:           uuid.New().String(),
		Email:        uuid.New().String() + "@example.com",
		PasswordHash: "x",
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, st.CreateOwner(ctx, owner))
	lic := &license.License{
		ID:       uuid.New().String(),
		Key:      key,
		OwnerID:  owner.ID,
		Status:   license.StatusActive,
		IssuedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateLicense(ctx, lic))
	return lic
}

func TestActivateUnknownKey(t *testing.T) {
	_, _, svc := newActivationFixture(t)
	_, err := svc.Activate(context.Background(), "NO0NE-NO0NE-NO0NE-NO0NE", "machine-001", "")
	assert.ErrorIs(t, err, license.ErrUnknownKey)
}

func TestActivateBindsAndSigns(t *testing.T) {
	st, signer, svc := newActivationFixture(t)
	ctx := context.Background()
	issueTestLicense(t, st, "AB12C-3D4E5-F6G78-9H0IJ")

	rec, err := svc.Activate(ctx, "AB12C-3D4E5-F6G78-9H0IJ", "machine-001", "Alice's laptop")
	require.NoError(t, err)
	assert.Equal(t, "AB12C-3D4E5-F6G78-9H0IJ", rec.LicenseKey)
	assert.Equal(t, "machine-001", rec.MachineID)
	assert.NotEmpty(t, rec.ActivatedAt)

	pubPEM, err := signer.PublicKeyPEM()
	require.NoError(t, err)
	pub, err := activation.ParsePublicKey(pubPEM)
	require.NoError(t, err)
	assert.NoError(t, activation.Verify(pub, rec))

	got, err := st.GetLicenseByKey(ctx, "AB12C-3D4E5-F6G78-9H0IJ")
	require.NoError(t, err)
	assert.True(t, got.BoundTo("machine-001"))
	assert.Equal(t, "Alice's laptop", got.MachineLabel)
}

func TestActivateIdempotentForSameMachine(t *testing.T) {
	st, _, svc := newActivationFixture(t)
	ctx := context.Background()
	issueTestLicense(t, st, "IDEM1-IDEM2-IDEM3-IDEM4")

	first, err := svc.Activate(ctx, "IDEM1-IDEM2-IDEM3-IDEM4", "machine-001", "")
	require.NoError(t, err)

	// Reinstall scenario: the same machine re-activates and must receive
	// the same activated_at and therefore the same proof.
	second, err := svc.Activate(ctx, "IDEM1-IDEM2-IDEM3-IDEM4", "machine-001", "")
	require.NoError(t, err)
	assert.Equal(t, first.ActivatedAt, second.ActivatedAt)
	assert.Equal(t, first.Signature, second.Signature)
}

func TestActivateMachineMismatch(t *testing.T) {
	st, _, svc := newActivationFixture(t)
	ctx := context.Background()
	issueTestLicense(t, st, "MISM1-MISM2-MISM3-MISM4")

	_, err := svc.Activate(ctx, "MISM1-MISM2-MISM3-MISM4", "machine-001", "")
	require.NoError(t, err)

	_, err = svc.Activate(ctx, "MISM1-MISM2-MISM3-MISM4", "machine-002", "")
	assert.ErrorIs(t, err, license.ErrMachineMismatch)

	// The legitimate machine is unaffected by the failed attempt.
	_, err = svc.Activate(ctx, "MISM1-MISM2-MISM3-MISM4", "machine-001", "")
	assert.NoError(t, err)
}

func TestActivateRevoked(t *testing.T) {
	st, _, svc := newActivationFixture(t)
	ctx := context.Background()
	lic := issueTestLicense(t, st, "RVKD1-RVKD2-RVKD3-RVKD4")

	_, err := svc.Activate(ctx, "RVKD1-RVKD2-RVKD3-RVKD4", "machine-001", "")
	require.NoError(t, err)

	require.NoError(t, st.Revoke(ctx, lic.ID))

	// Even the bound machine is locked out after revocation.
	_, err = svc.Activate(ctx, "RVKD1-RVKD2-RVKD3-RVKD4", "machine-001", "")
	assert.ErrorIs(t, err, license.ErrRevoked)
	_, err = svc.Activate(ctx, "RVKD1-RVKD2-RVKD3-RVKD4", "machine-002", "")
	assert.ErrorIs(t, err, license.ErrRevoked)
}

func TestActivateAfterClearMachine(t *testing.T) {
	st, _, svc := newActivationFixture(t)
	ctx := context.Background()
	lic := issueTestLicense(t, st, "XFER1-XFER2-XFER3-XFER4")

	// Pin the clock so the new binding epoch is visibly newer.
	epoch := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.(*activationService).now = func() time.Time { return epoch }

	first, err := svc.Activate(ctx, "XFER1-XFER2-XFER3-XFER4", "machine-001", "")
	require.NoError(t, err)
	assert.Equal(t, activation.FormatTimestamp(epoch), first.ActivatedAt)

	require.NoError(t, st.ClearMachine(ctx, lic.ID))
	svc.(*activationService).now = func() time.Time { return epoch.Add(time.Second) }

	rec, err := svc.Activate(ctx, "XFER1-XFER2-XFER3-XFER4", "machine-002", "")
	require.NoError(t, err)
	assert.Equal(t, "machine-002", rec.MachineID)
	assert.Equal(t, activation.FormatTimestamp(epoch.Add(time.Second)), rec.ActivatedAt)
	assert.NotEqual(t, first.ActivatedAt, rec.ActivatedAt)
}

func TestActivateConcurrentContenders(t *testing.T) {
	st, _, svc := newActivationFixture(t)
	ctx := context.Background()
	issueTestLicense(t, st, "CONC1-CONC2-CONC3-CONC4")

	type result struct {
		machine string
		rec     activation.Record
		err     error
	}

	machines := []string{"machine-001", "machine-002"}
	results := make([]result, len(machines))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, m := range machines {
		wg.Add(1)
		go func(i int, m string) {
			defer wg.Done()
			<-start
			rec, err := svc.Activate(ctx, "CONC1-CONC2-CONC3-CONC4", m, "")
			results[i] = result{machine: m, rec: rec, err: err}
		}(i, m)
	}
	close(start)
	wg.Wait()

	var winners, losers int
	var winner result
	for _, r := range results {
		switch {
		case r.err == nil:
			winners++
			winner = r
		case assert.ErrorIs(t, r.err, license.ErrMachineMismatch):
			losers++
		}
	}
	require.Equal(t, 1, winners, "exactly one machine wins the bind")
	require.Equal(t, 1, losers, "the other deterministically sees a mismatch")

	got, err := st.GetLicenseByKey(ctx, "CONC1-CONC2-CONC3-CONC4")
	require.NoError(t, err)
	assert.True(t, got.BoundTo(winner.machine))
}

func TestActivateSigningFailureIsRetryable(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	issueTestLicense(t, st, "RTRY1-RTRY2-RTRY3-RTRY4")

	broken := NewActivationService(st, license.NewSignerFromKey(nil), testLogger(), nil)
	_, err = broken.Activate(ctx, "RTRY1-RTRY2-RTRY3-RTRY4", "machine-001", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, license.ErrNoSigningKey)

	// The bind persisted despite the signing failure.
	bound, err := st.GetLicenseByKey(ctx, "RTRY1-RTRY2-RTRY3-RTRY4")
	require.NoError(t, err)
	require.True(t, bound.BoundTo("machine-001"))
	require.NotNil(t, bound.ActivatedAt)

	// Once signing works the retry takes the idempotent path and derives
	// the proof from the already-persisted timestamp.
	healthy := NewActivationService(st, testSigner(t), testLogger(), nil)
	rec, err := healthy.Activate(ctx, "RTRY1-RTRY2-RTRY3-RTRY4", "machine-001", "")
	require.NoError(t, err)
	assert.Equal(t, activation.FormatTimestamp(*bound.ActivatedAt), rec.ActivatedAt)
}

// TestExampleScenario walks the support team's canonical flow end to end.
func TestExampleScenario(t *testing.T) {
	st, _, svc := newActivationFixture(t)
	ctx := context.Background()
	lic := issueTestLicense(t, st, "AB12C-3D4E5-F6G78-9H0IJ")

	first, err := svc.Activate(ctx, "AB12C-3D4E5-F6G78-9H0IJ", "machine-001", "")
	require.NoError(t, err)

	_, err = svc.Activate(ctx, "AB12C-3D4E5-F6G78-9H0IJ", "machine-002", "")
	require.ErrorIs(t, err, license.ErrMachineMismatch)

	again, err := svc.Activate(ctx, "AB12C-3D4E5-F6G78-9H0IJ", "machine-001", "")
	require.NoError(t, err)
	require.Equal(t, first.ActivatedAt, again.ActivatedAt)

	require.NoError(t, st.Revoke(ctx, lic.ID))

	_, err = svc.Activate(ctx, "AB12C-3D4E5-F6G78-9H0IJ", "machine-001", "")
	require.ErrorIs(t, err, license.ErrRevoked)
}
