package matocs

import "testing"

import "github.com/stretchr/testify/require"

func TestCheckResponseAcceptsCorrectSecret(t *testing.T) {
	nonce, err := GenerateNonce()
	require.NoError(t, err)
	secret := []byte("s3cret")

	resp := ExpectedResponse(nonce, secret)
	require.True(t, CheckResponse(nonce, secret, resp))
}

func TestCheckResponseRejectsWrongSecret(t *testing.T) {
	nonce, err := GenerateNonce()
	require.NoError(t, err)

	resp := ExpectedResponse(nonce, []byte("right"))
	require.False(t, CheckResponse(nonce, []byte("wrong"), resp))
}

func TestGenerateNonceVaries(t *testing.T) {
	a, err := GenerateNonce()
	require.NoError(t, err)
	b, err := GenerateNonce()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
