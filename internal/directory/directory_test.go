package directory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole_UnknownFallsBackToStandard(t *testing.T) {
	t.Parallel()

	assert.Equal(t, RoleAdmin, ParseRole("ADMIN"))
	assert.Equal(t, RoleStandard, ParseRole("STANDARD"))
	assert.Equal(t, RoleStandard, ParseRole("superuser"))
	assert.Equal(t, RoleStandard, ParseRole(""))
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusApproved.Terminal())
	assert.True(t, StatusRejected.Terminal())
}

func TestUserCodecRoundTrip(t *testing.T) {
	t.Parallel()

	u := User{
		ID:               "01JABCDEFGHJKMNPQRSTVWXYZ0",
		Username:         "Amira",
		Password:         "s3cret",
		Role:             RoleStandard,
		SessionToken:     "k2j9f31ab",
		AllowedFolderIDs: []string{"f1", "f2"},
		AddedAt:          time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}

	doc, err := EncodeUser(u)
	require.NoError(t, err)

	back, err := DecodeUser(doc)
	require.NoError(t, err)
	assert.Equal(t, u, back)
}

func TestDecodeUser_FieldNamesAndRoleFallback(t *testing.T) {
	t.Parallel()

	doc := json.RawMessage(`{
		"id": "u1",
		"username": "amira",
		"password": "pw",
		"role": "owner",
		"sessionToken": "tok",
		"allowedFolderIds": ["f1"]
	}`)

	u, err := DecodeUser(doc)
	require.NoError(t, err)

	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "amira", u.Username)
	assert.Equal(t, "tok", u.SessionToken)
	assert.Equal(t, RoleStandard, u.Role, "unknown role must not grant privileges")
}

func TestLoginRequestValidate(t *testing.T) {
	t.Parallel()

	valid := LoginRequest{
		ID:              "r1",
		UserID:          "u1",
		Username:        "amira",
		NewSessionToken: "k2j9f31ab",
		Status:          StatusPending,
		CreatedAt:       time.Now().UTC(),
		Timestamp:       time.Now().UnixMilli(),
	}
	require.NoError(t, valid.Validate())

	missingToken := valid
	missingToken.NewSessionToken = ""
	assert.True(t, IsInvalidInput(missingToken.Validate()))

	badStatus := valid
	badStatus.Status = "WAITING"
	assert.True(t, IsInvalidInput(badStatus.Validate()))
}

func TestNormalizeUsername(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "amira", NormalizeUsername("  Amira "))
	assert.Equal(t, "amira", NormalizeUsername("AMIRA"))
}

func TestNewID(t *testing.T) {
	t.Parallel()

	id, err := NewID(time.Now())
	require.NoError(t, err)
	assert.Len(t, id, 26)
}
