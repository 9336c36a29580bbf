package handlers

import (
	"bytes"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockroom/logging"
	"stockroom/models"
	"stockroom/notify"
)

func TestAddWorkerEndpoint(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login("admin", adminPass)

	rec := env.do("POST", "/api/v1/workers", map[string]string{
		"username":  " w1 ",
		"email":     "w1@shop.test",
		"full_name": "Worker One",
	}, admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res credentialResult
	resp := decode(t, rec, &res)
	assert.Equal(t, "Worker added", resp.Message)
	assert.Equal(t, "w1", res.Username)
	assert.Len(t, res.TempPassword, 11)
	assert.True(t, res.Emailed)
	assert.Equal(t, []string{"w1 <w1@shop.test>"}, env.mailer.issued)

	rec = env.do("POST", "/api/v1/workers", map[string]string{
		"username":  "w1",
		"email":     "other@shop.test",
		"full_name": "Someone Else",
	}, admin)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Username already exists", decode(t, rec, nil).Message)

	rec = env.do("POST", "/api/v1/workers", map[string]string{
		"username":  "w2",
		"email":     "nope",
		"full_name": "Worker Two",
	}, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddWorkerWithMailDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.mailer.err = notify.ErrDisabled
	admin := env.login("admin", adminPass)

	rec := env.do("POST", "/api/v1/workers", map[string]string{
		"username":  "w1",
		"email":     "w1@shop.test",
		"full_name": "Worker One",
	}, admin)
	require.Equal(t, http.StatusCreated, rec.Code)

	var res credentialResult
	decode(t, rec, &res)
	assert.False(t, res.Emailed)
	assert.NotEmpty(t, res.TempPassword)
}

func TestAddWorkerMailFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t)
	env.mailer.err = errors.New("smtp: connection refused")
	admin := env.login("admin", adminPass)

	temp := env.addWorker(admin, "w1")
	env.login("w1", temp)
}

func TestListWorkers(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login("admin", adminPass)
	env.addWorker(admin, "w1")
	env.addWorker(admin, "w2")

	rec := env.do("POST", "/api/v1/workers/delete", map[string]string{"username": "w2"}, admin)
	require.Equal(t, http.StatusOK, rec.Code)

	var workers []accountView
	rec = env.do("GET", "/api/v1/workers", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &workers)
	require.Len(t, workers, 1)
	assert.Equal(t, "w1", workers[0].Username)
	assert.True(t, workers[0].MustChangePassword)
	assert.NotContains(t, rec.Body.String(), "password_hash")
}

func TestResetWorkerEndpoint(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login("admin", adminPass)
	env.activeWorker(admin, "w1")

	rec := env.do("POST", "/api/v1/workers/reset", map[string]string{"username": "w1"}, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res credentialResult
	decode(t, rec, &res)
	assert.Len(t, res.TempPassword, 11)

	rec = env.do("POST", "/api/v1/login", map[string]string{"username": "w1", "password": "workerpass"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var login loginResult
	rec = env.do("POST", "/api/v1/login", map[string]string{"username": "w1", "password": res.TempPassword}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &login)
	assert.True(t, login.Account.MustChangePassword)

	tests := []struct {
		username string
		code     int
	}{
		{"owner", http.StatusForbidden},
		{"admin", http.StatusForbidden},
		{"ghost", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := env.do("POST", "/api/v1/workers/reset", map[string]string{"username": tt.username}, admin)
		assert.Equal(t, tt.code, rec.Code, tt.username)
	}
}

func TestMailCredentialToMissingAccount(t *testing.T) {
	env := newTestEnv(t)
	var logs bytes.Buffer
	env.srv.log = logging.New(&logs, "warn")

	assert.False(t, env.srv.mailCredentialTo(t.Context(), "ghost", "temp-secret"))
	assert.Empty(t, env.mailer.issued)
	assert.Contains(t, logs.String(), "cannot email temporary password")
	assert.Contains(t, logs.String(), "username=ghost")
	assert.NotContains(t, logs.String(), "temp-secret")
}

func TestDeleteWorkerEndpoint(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login("admin", adminPass)
	env.addWorker(admin, "w1")

	for i := 0; i < 2; i++ {
		rec := env.do("POST", "/api/v1/workers/delete", map[string]string{"username": "w1"}, admin)
		assert.Equal(t, http.StatusOK, rec.Code, "attempt %d", i+1)
	}

	acct, err := env.users.Get("w1")
	require.NoError(t, err)
	assert.False(t, acct.Active)
	assert.NotNil(t, acct.DeletedAt)

	rec := env.do("POST", "/api/v1/workers/delete", map[string]string{"username": "owner"}, admin)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Admin and owner accounts cannot be deleted", decode(t, rec, nil).Message)
}

func TestSetPermissionsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login("admin", adminPass)
	env.addWorker(admin, "w1")

	rec := env.do("POST", "/api/v1/workers/permissions", map[string]any{
		"username":    "w1",
		"permissions": []string{"view_inventory", "export_data", "view_inventory"},
	}, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view accountView
	decode(t, rec, &view)
	assert.Equal(t, []models.Permission{models.PermViewInventory, models.PermExportData}, view.Permissions)

	rec = env.do("POST", "/api/v1/workers/permissions", map[string]any{
		"username":    "w1",
		"permissions": []string{"launch_rockets"},
	}, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do("POST", "/api/v1/workers/permissions", map[string]any{
		"username":    "owner",
		"permissions": []string{"view_inventory"},
	}, admin)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
