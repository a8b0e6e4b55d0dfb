package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func TestMintAndVerify(t *testing.T) {
	purpose := Purpose(ActionActivationError, "foo/foo.php")
	tok, err := NewIssuer(secret, "updateguard", time.Minute).Mint(purpose)
	require.NoError(t, err)

	v := NewVerifier(secret, "updateguard")
	require.NoError(t, v.Verify(tok, purpose))
}

func TestVerifyRejectsReplay(t *testing.T) {
	purpose := Purpose(ActionActivationError, "foo/foo.php")
	tok, err := NewIssuer(secret, "updateguard", time.Minute).Mint(purpose)
	require.NoError(t, err)

	v := NewVerifier(secret, "updateguard")
	require.NoError(t, v.Verify(tok, purpose))
	assert.ErrorIs(t, v.Verify(tok, purpose), ErrReplayed)
}

func TestMintProducesDistinctTokens(t *testing.T) {
	iss := NewIssuer(secret, "updateguard", time.Minute)
	a, err := iss.Mint("p")
	require.NoError(t, err)
	b, err := iss.Mint("p")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVerifyRejectsOtherPurpose(t *testing.T) {
	tok, err := NewIssuer(secret, "updateguard", time.Minute).Mint(Purpose(ActionActivationError, "foo/foo.php"))
	require.NoError(t, err)

	err = NewVerifier(secret, "updateguard").Verify(tok, Purpose(ActionActivationError, "bar/bar.php"))
	assert.ErrorIs(t, err, ErrWrongPurpose)
}

func TestVerifyRejectsExpired(t *testing.T) {
	iss := NewIssuer(secret, "updateguard", time.Minute)
	iss.now = func() time.Time { return time.Now().Add(-time.Hour) }
	tok, err := iss.Mint("p")
	require.NoError(t, err)

	assert.Error(t, NewVerifier(secret, "updateguard").Verify(tok, "p"))
}

func TestVerifyRejectsWrongSecretAndIssuer(t *testing.T) {
	tok, err := NewIssuer(secret, "updateguard", time.Minute).Mint("p")
	require.NoError(t, err)

	assert.Error(t, NewVerifier([]byte("another-secret-another-secret-xx"), "updateguard").Verify(tok, "p"))
	assert.Error(t, NewVerifier(secret, "someone-else").Verify(tok, "p"))
}

func TestMintWithoutSecretFails(t *testing.T) {
	_, err := NewIssuer(nil, "updateguard", 0).Mint("p")
	assert.Error(t, err)
}
