package handler_test

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/borgwarehouse/internal/config"
	"github.com/sakif/borgwarehouse/internal/handler"
	"github.com/sakif/borgwarehouse/internal/model"
	"github.com/sakif/borgwarehouse/internal/provisioner"
	"github.com/sakif/borgwarehouse/internal/service"
)

func createRepo(t *testing.T, api *testAPI, user int, key string) service.CreateResult {
	t.Helper()
	rr := api.do(t, http.MethodPost, "/api/repositories", user, map[string]any{
		"alias":        "laptop",
		"sshPublicKey": key,
		"storageSize":  100,
		"alert":        90000,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeBody[service.CreateResult](t, rr)
}

func TestRepositoryHandler_CreateAndGet(t *testing.T) {
	api := newTestAPI(t)

	created := createRepo(t, api, 0, newKey(t, "admin@laptop"))
	assert.Equal(t, 0, created.ID)
	assert.Equal(t, "6f1c2a9d", created.RepositoryName)

	rr := api.do(t, http.MethodGet, "/api/repositories/6f1c2a9d", 0, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	repo := decodeBody[model.Repository](t, rr)
	assert.Equal(t, "laptop", repo.Alias)
	assert.Equal(t, int64(90000), repo.Alert)
	assert.Equal(t, 0, repo.OwnerID)

	rr = api.do(t, http.MethodGet, "/api/repositories/6f1c2a9d", 1, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code, "another user's repository is invisible")

	rr = api.do(t, http.MethodGet, "/api/repositories", 1, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decodeBody[[]model.Repository](t, rr))
}

func TestRepositoryHandler_ErrorMapping(t *testing.T) {
	t.Run("same key with another comment is 409", func(t *testing.T) {
		api := newTestAPI(t)
		key := newKey(t, "admin@laptop")
		createRepo(t, api, 0, key)

		other := strings.Join(strings.Fields(key)[:2], " ") + " admin@desktop"
		rr := api.do(t, http.MethodPost, "/api/repositories", 0, map[string]any{
			"alias": "desktop", "sshPublicKey": other, "storageSize": 10,
		})
		assert.Equal(t, http.StatusConflict, rr.Code)
		body := decodeBody[handler.ErrorResponse](t, rr)
		assert.Equal(t, "conflict", body.Error)
		assert.Contains(t, body.Message, "6f1c2a9d")
	})

	t.Run("validation is 400 with the field", func(t *testing.T) {
		api := newTestAPI(t)
		rr := api.do(t, http.MethodPost, "/api/repositories", 0, map[string]any{
			"alias": "x", "sshPublicKey": newKey(t, ""), "storageSize": 0,
		})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		body := decodeBody[handler.ErrorResponse](t, rr)
		assert.Equal(t, "validation_error", body.Error)
		assert.Equal(t, "storageSize", body.Field)
	})

	t.Run("wrong JSON type is 400", func(t *testing.T) {
		api := newTestAPI(t)
		rr := api.do(t, http.MethodPost, "/api/repositories", 0, `{"alias": "x", "storageSize": "big"}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "storageSize", decodeBody[handler.ErrorResponse](t, rr).Field)
	})

	t.Run("provisioner stderr is 502", func(t *testing.T) {
		api := newTestAPI(t)
		api.prov.Stderr = "useradd: cannot lock /etc/passwd"
		rr := api.do(t, http.MethodPost, "/api/repositories", 0, map[string]any{
			"alias": "x", "sshPublicKey": newKey(t, ""), "storageSize": 10,
		})
		assert.Equal(t, http.StatusBadGateway, rr.Code)
		assert.Equal(t, "provisioner_error", decodeBody[handler.ErrorResponse](t, rr).Error)

		repos, err := api.store.GetRepositories(context.Background())
		require.NoError(t, err)
		assert.Empty(t, repos)
	})

	t.Run("no principal is 401", func(t *testing.T) {
		api := newTestAPI(t)
		rr := api.do(t, http.MethodGet, "/api/repositories", -1, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestRepositoryHandler_EditIsPartial(t *testing.T) {
	api := newTestAPI(t)
	createRepo(t, api, 0, newKey(t, ""))

	rr := api.do(t, http.MethodPatch, "/api/repositories/6f1c2a9d", 0, map[string]any{"comment": "office NAS"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	repo := decodeBody[model.Repository](t, rr)
	assert.Equal(t, "office NAS", repo.Comment)
	assert.Equal(t, "laptop", repo.Alias)
	assert.Equal(t, 100, repo.StorageSize)
	assert.Equal(t, int64(90000), repo.Alert)
}

func TestRepositoryHandler_Delete(t *testing.T) {
	api := newTestAPI(t)
	createRepo(t, api, 0, newKey(t, ""))

	api.fleet.Store(config.Fleet{DisableDeleteRepo: true})
	rr := api.do(t, http.MethodDelete, "/api/repositories/6f1c2a9d", 0, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	api.fleet.Store(config.Fleet{})
	rr = api.do(t, http.MethodDelete, "/api/repositories/6f1c2a9d", 0, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = api.do(t, http.MethodDelete, "/api/repositories/6f1c2a9d", 0, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRepositoryHandler_Compact(t *testing.T) {
	api := newTestAPI(t)
	createRepo(t, api, 0, newKey(t, ""))
	api.prov.Storage = []provisioner.StorageUsage{{RepositoryName: "6f1c2a9d", StorageUsed: 512}}

	rr := api.do(t, http.MethodPost, "/api/repositories/6f1c2a9d/compact", 0, map[string]any{"await": true})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decodeBody[service.CompactResult](t, rr)
	require.NotNil(t, res.Repository)
	assert.Equal(t, 512.0, res.Repository.StorageUsed)

	rr = api.do(t, http.MethodPost, "/api/repositories/6f1c2a9d/compact", 0, nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.True(t, decodeBody[service.CompactResult](t, rr).Started)
	api.repos.Wait()
}

func TestRepositoryHandler_History(t *testing.T) {
	api := newTestAPI(t)
	createRepo(t, api, 0, newKey(t, ""))

	rr := api.do(t, http.MethodGet, "/api/history", 0, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	snaps := decodeBody[[]model.HistorySnapshot](t, rr)
	require.Len(t, snaps, 1)
	assert.Empty(t, snaps[0].Repositories, "the snapshot holds the state before the create")
}
