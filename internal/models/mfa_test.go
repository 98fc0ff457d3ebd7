package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMFAProfile_CredentialByID(t *testing.T) {
	profile := &MFAProfile{
		WebAuthnCredentials: []WebAuthnCredential{
			{CredentialID: []byte("cred-1"), SignCount: 3},
			{CredentialID: []byte("cred-2"), SignCount: 7},
		},
	}

	credential := profile.CredentialByID([]byte("cred-2"))
	require.NotNil(t, credential)
	assert.Equal(t, uint32(7), credential.SignCount)

	// The returned pointer aliases the profile entry so callers can mutate
	// it in place.
	credential.SignCount = 8
	assert.Equal(t, uint32(8), profile.WebAuthnCredentials[1].SignCount)

	assert.Nil(t, profile.CredentialByID([]byte("cred-9")))
}
