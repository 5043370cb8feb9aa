package conformance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/ruteri/tee-secret-recovery/enclavetest"
	"github.com/ruteri/tee-secret-recovery/interfaces"
	"github.com/ruteri/tee-secret-recovery/oracle"
	"github.com/ruteri/tee-secret-recovery/svr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

// MockSUT implements SystemUnderTest for testing
type MockSUT struct {
	mock.Mock
}

func (m *MockSUT) Backup(ctx context.Context, uid interfaces.UserID, password []byte, secret interfaces.Secret, maxTries uint32) (*svr.ShareSet, error) {
	args := m.Called(uid, secret, maxTries)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*svr.ShareSet), args.Error(1)
}

func (m *MockSUT) Restore(ctx context.Context, uid interfaces.UserID, password []byte, shareSet *svr.ShareSet) (interfaces.Secret, error) {
	args := m.Called(uid, string(password))
	return args.Get(0).(interfaces.Secret), args.Error(1)
}

func TestRunner_LocalReplicas(t *testing.T) {
	for _, forget := range []bool{false, true} {
		for seed := int64(1); seed <= 3; seed++ {
			t.Run(fmt.Sprintf("seed=%d forget=%v", seed, forget), func(t *testing.T) {
				local, err := enclavetest.NewSvr3(quietLog)
				require.NoError(t, err)
				defer local.Close()

				sut := NewSvrSUT(local.Client(local.Server.PipeConnector(), quietLog))
				runner := NewRunner(sut, Config{ForgetShareSet: forget, Log: quietLog})

				seq := oracle.GenerateSequence(rand.New(rand.NewSource(seed)), 30)
				require.NoError(t, runner.Run(context.Background(), seq))

				// Replica records agree with the oracle after the run
				for _, uid := range oracle.UIDPool {
					expected, present := runner.Oracle().TriesLeft(uid)
					tries, ok := local.Sgx.TriesLeft(uid)
					assert.Equal(t, present, ok, "uid %s", uid.Short())
					assert.Equal(t, expected, tries, "uid %s", uid.Short())
				}
			})
		}
	}
}

func TestRunner_Scenarios(t *testing.T) {
	local, err := enclavetest.NewSvr3(quietLog)
	require.NoError(t, err)
	defer local.Close()

	runner := NewRunner(NewSvrSUT(local.Client(local.Server.PipeConnector(), quietLog)), Config{Log: quietLog})
	secret := interfaces.Secret{0x5c}

	seq := []oracle.Transition{
		{Kind: oracle.SetUID, UID: oracle.UIDPool[1]},
		// Scenario C
		{Kind: oracle.Backup, Secret: secret, MaxTries: 1},
		{Kind: oracle.RestoreWithBadPassword},
		{Kind: oracle.Restore},
		// Scenario D
		{Kind: oracle.Backup, Secret: secret, MaxTries: 2},
		{Kind: oracle.RestoreWithBadPassword},
		{Kind: oracle.Restore},
		// Scenario B
		{Kind: oracle.SetUID, UID: oracle.UIDPool[2]},
		{Kind: oracle.Restore},
	}
	require.NoError(t, runner.Run(context.Background(), seq))
}

func TestRunner_DetectsMismatch(t *testing.T) {
	uid := oracle.UIDPool[0]
	secret := interfaces.Secret{0x01}
	shareSet := &svr.ShareSet{ServerIDs: []uint64{1, 2}}

	tests := []struct {
		name     string
		restored interfaces.Secret
		err      error
	}{
		{name: "data missing instead of restored", err: svr.ErrDataMissing},
		{name: "restore failed instead of restored", err: svr.ErrRestoreFailed},
		{name: "wrong secret", restored: interfaces.Secret{0x02}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sut := new(MockSUT)
			sut.On("Backup", uid, secret, uint32(3)).Return(shareSet, nil)
			sut.On("Restore", uid, "password").Return(tt.restored, tt.err)

			runner := NewRunner(sut, Config{Log: quietLog})
			err := runner.Run(context.Background(), []oracle.Transition{
				{Kind: oracle.SetUID, UID: uid},
				{Kind: oracle.Backup, Secret: secret, MaxTries: 3},
				{Kind: oracle.Restore},
			})
			assert.ErrorIs(t, err, ErrMismatch)
			sut.AssertExpectations(t)
		})
	}
}

func TestRunner_ForgottenShareSet(t *testing.T) {
	uid := oracle.UIDPool[2]
	secret := interfaces.Secret{0x03}

	sut := new(MockSUT)
	sut.On("Backup", uid, secret, uint32(1)).Return(&svr.ShareSet{}, nil)
	sut.On("Restore", uid, "bad password").Return(interfaces.Secret{}, svr.ErrDataMissing).Once()

	runner := NewRunner(sut, Config{ForgetShareSet: true, Log: quietLog})
	err := runner.Run(context.Background(), []oracle.Transition{
		{Kind: oracle.SetUID, UID: uid},
		{Kind: oracle.Backup, Secret: secret, MaxTries: 1},
		{Kind: oracle.RestoreWithBadPassword},
		// The share set is gone: nothing is sent and the oracle agrees
		{Kind: oracle.Restore},
	})
	require.NoError(t, err)
	sut.AssertNumberOfCalls(t, "Restore", 1)

	// A live failure that is not an outcome aborts the run
	sut = new(MockSUT)
	sut.On("Backup", uid, secret, uint32(1)).Return(nil, svr.ErrNet)
	runner = NewRunner(sut, Config{Log: quietLog})
	err = runner.Run(context.Background(), []oracle.Transition{
		{Kind: oracle.SetUID, UID: uid},
		{Kind: oracle.Backup, Secret: secret, MaxTries: 1},
	})
	assert.ErrorIs(t, err, svr.ErrNet)
	assert.NotErrorIs(t, err, ErrMismatch)
}
