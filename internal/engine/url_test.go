package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalURL_NormalizesCaseAndQueryOrder(t *testing.T) {
	t.Parallel()

	a, err := CanonicalURL("https://x.test/a")
	require.NoError(t, err)
	b, err := CanonicalURL("https://X.TEST/a?")
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestCanonicalURL_StripsDefaultPortsAndFragments(t *testing.T) {
	t.Parallel()

	got, err := CanonicalURL("HTTP://Example.com:80/path#section")
	require.NoError(t, err)
	require.Equal(t, "http://example.com/path", got)

	got, err = CanonicalURL("https://example.com:443/path")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/path", got)
}

func TestCanonicalURL_SortsQueryParameters(t *testing.T) {
	t.Parallel()

	a, err := CanonicalURL("https://example.com/p?b=2&a=1")
	require.NoError(t, err)
	b, err := CanonicalURL("https://example.com/p?a=1&b=2")
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestCanonicalURL_RejectsRelativeURLs(t *testing.T) {
	t.Parallel()

	_, err := CanonicalURL("/relative/path")
	require.Error(t, err)
}

func TestRetryable_TerminalErrorsAreNotRetryable(t *testing.T) {
	t.Parallel()

	require.False(t, Retryable(nil))
	require.False(t, Retryable(ErrProxyPoolEmpty))
	require.False(t, Retryable(ErrDependencyFailed))
	require.False(t, Retryable(ErrJobCancelled))
	require.True(t, Retryable(ErrProxyExhausted))
	require.True(t, Retryable(ErrFetchTimeout))
	require.True(t, Retryable(ErrFetchBlocked))
	require.True(t, Retryable(&HTTPError{StatusCode: 500}))
}
