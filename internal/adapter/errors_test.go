package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReauthAdapter is a minimal SupplierAdapter that also implements
// Authenticator, used to exercise WithAuthRetry's reauth path without
// pulling in the Synthetic adapter's catalog machinery.
type fakeReauthAdapter struct {
	reauthCalls int
	reauthErr   error
}

func (f *fakeReauthAdapter) GetCount(ctx context.Context, q Query) (int, error)       { return 0, nil }
func (f *fakeReauthAdapter) Search(ctx context.Context, q Query, offset, limit int, order Order) (SearchResult, error) {
	return SearchResult{}, nil
}
func (f *fakeReauthAdapter) MapRawToCanonical(payload []byte) (CanonicalFields, error) {
	return CanonicalFields{}, nil
}
func (f *fakeReauthAdapter) Meta() Meta { return Meta{FeedID: "fake"} }
func (f *fakeReauthAdapter) Reauthenticate(ctx context.Context) error {
	f.reauthCalls++
	return f.reauthErr
}

// fakeNoAuthAdapter wraps an adapter behind the SupplierAdapter interface
// only, so Reauthenticate is not promoted and it doesn't implement
// Authenticator, matching Synthetic's position: it never returns KindAuth so
// it has no need for a reauth hook.
type fakeNoAuthAdapter struct{ SupplierAdapter }

var _ SupplierAdapter = (*fakeReauthAdapter)(nil)
var _ SupplierAdapter = (*fakeNoAuthAdapter)(nil)

func TestWithAuthRetry_ReauthenticatesOnceThenRetries(t *testing.T) {
	ad := &fakeReauthAdapter{}
	calls := 0
	fn := WithAuthRetry(context.Background(), ad, func() error {
		calls++
		if calls == 1 {
			return NewError(KindAuth, errors.New("token expired"))
		}
		return nil
	})

	require.NoError(t, fn())
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, ad.reauthCalls)
}

func TestWithAuthRetry_SecondAuthFailureIsFatal(t *testing.T) {
	ad := &fakeReauthAdapter{}
	calls := 0
	fn := WithAuthRetry(context.Background(), ad, func() error {
		calls++
		return NewError(KindAuth, errors.New("token expired"))
	})

	err := fn()
	require.Error(t, err)
	assert.True(t, IsAuth(err))
	assert.False(t, IsRetryable(err))
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, ad.reauthCalls)
}

func TestWithAuthRetry_ReauthenticateErrorLeavesOriginalErr(t *testing.T) {
	ad := &fakeReauthAdapter{reauthErr: errors.New("refresh rejected")}
	calls := 0
	authErr := NewError(KindAuth, errors.New("token expired"))
	fn := WithAuthRetry(context.Background(), ad, func() error {
		calls++
		return authErr
	})

	err := fn()
	assert.Equal(t, authErr, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, ad.reauthCalls)
}

func TestWithAuthRetry_NonAuthErrorPassesThroughUnwrapped(t *testing.T) {
	ad := &fakeReauthAdapter{}
	netErr := NewError(KindNetwork, errors.New("dial timeout"))
	fn := WithAuthRetry(context.Background(), ad, func() error {
		return netErr
	})

	err := fn()
	assert.Equal(t, netErr, err)
	assert.Equal(t, 0, ad.reauthCalls)
}

func TestWithAuthRetry_AdapterWithoutAuthenticatorStillFailsAfterOneAttempt(t *testing.T) {
	ad := &fakeNoAuthAdapter{SupplierAdapter: &fakeReauthAdapter{}}
	calls := 0
	fn := WithAuthRetry(context.Background(), ad, func() error {
		calls++
		return NewError(KindAuth, errors.New("token expired"))
	})

	err := fn()
	require.Error(t, err)
	assert.True(t, IsAuth(err))
	// no Authenticator to call, but fn still gets its one retry per §4.1/§7.
	assert.Equal(t, 2, calls)
}
