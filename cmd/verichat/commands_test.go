package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/verichat/internal/config"
	perrors "github.com/p-blackswan/verichat/internal/errors"
	"github.com/p-blackswan/verichat/internal/models"
	"github.com/p-blackswan/verichat/internal/session"
)

func testConfig(t *testing.T, apiURL string) *config.Config {
	t.Helper()
	return &config.Config{
		APIURL:         apiURL,
		SessionDB:      filepath.Join(t.TempDir(), "verichat.db"),
		RequestTimeout: 2 * time.Second,
	}
}

func token(t *testing.T, id, name string, role models.Role) string {
	t.Helper()
	claims := session.Claims{UserID: id, Name: name, Role: role}
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("backend-secret"))
	require.NoError(t, err)
	return raw
}

func TestLogin_FromFlag(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	var out bytes.Buffer

	err := runLogin(context.Background(), cfg, zerolog.Nop(), []string{"-token", token(t, "op1", "Olga", models.RoleOperator)}, strings.NewReader(""), &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Signed in as Olga (operator)")
}

func TestLogin_FromStdin(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	var out bytes.Buffer

	err := runLogin(context.Background(), cfg, zerolog.Nop(), nil, strings.NewReader(token(t, "u1", "Una", models.RoleEndUser)+"\n"), &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Una (end_user)")
}

func TestLogin_RejectsGarbage(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	err := runLogin(context.Background(), cfg, zerolog.Nop(), []string{"-token", "not-a-jwt"}, strings.NewReader(""), &bytes.Buffer{})
	assert.ErrorIs(t, err, perrors.ErrValidation)
}

func TestContacts_PrintsSegmentedTable(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "operator", r.URL.Query().Get("role"))
		_ = json.NewEncoder(w).Encode([]models.Participant{
			{ID: "op1", DisplayName: "Olga", Role: models.RoleOperator},
			{ID: "op2", DisplayName: "Anna", Role: models.RoleOperator},
			{ID: "u1", DisplayName: "Una", Role: models.RoleEndUser},
		})
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	raw := token(t, "op1", "Olga", models.RoleOperator)
	require.NoError(t, runLogin(context.Background(), cfg, zerolog.Nop(), []string{"-token", raw}, strings.NewReader(""), &bytes.Buffer{}))

	var out bytes.Buffer
	require.NoError(t, runContacts(context.Background(), cfg, zerolog.Nop(), nil, &out))
	assert.Equal(t, "Bearer "+raw, auth)

	table := out.String()
	assert.Contains(t, table, "Anna")
	assert.Contains(t, table, "Una")
	assert.NotContains(t, table, "Olga", "self is not a contact")

	out.Reset()
	require.NoError(t, runContacts(context.Background(), cfg, zerolog.Nop(), []string{"-role", "end_user"}, &out))
	assert.Contains(t, out.String(), "Una")
	assert.NotContains(t, out.String(), "Anna")
}

func TestContacts_RequiresLogin(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	err := runContacts(context.Background(), cfg, zerolog.Nop(), nil, &bytes.Buffer{})
	assert.ErrorIs(t, err, perrors.ErrAuthRequired)
}

func TestLogout_ForgetsCredential(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	require.NoError(t, runLogin(context.Background(), cfg, zerolog.Nop(), []string{"-token", token(t, "op1", "Olga", models.RoleOperator)}, strings.NewReader(""), &bytes.Buffer{}))
	require.NoError(t, runLogout(context.Background(), cfg, zerolog.Nop()))

	err := runContacts(context.Background(), cfg, zerolog.Nop(), nil, &bytes.Buffer{})
	assert.ErrorIs(t, err, perrors.ErrAuthRequired)
}
