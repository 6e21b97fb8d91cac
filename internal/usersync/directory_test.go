package usersync_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/companionmemory/compmem/internal/testutil"
	"github.com/companionmemory/compmem/internal/usersync"
)

func newDirectory(t *testing.T, handler http.HandlerFunc) *usersync.HTTPDirectory {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	dir, err := usersync.NewHTTPDirectory(usersync.DirectoryConfig{
		BaseURL: server.URL,
		Token:   "secret-token",
	})
	testutil.NoError(t, err)
	return dir
}

func TestHTTPDirectoryFetchesProfile(t *testing.T) {
	dir := newDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		testutil.Equal(t, "/users/alice", r.URL.Path)
		testutil.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"user":{"id":"alice","tz":"Asia/Tokyo"}}`))
	})

	profile, err := dir.Profile(context.Background(), "alice")
	testutil.NoError(t, err)
	testutil.Equal(t, "alice", profile.UserID)
	testutil.Equal(t, "Asia/Tokyo", profile.Timezone)
}

func TestHTTPDirectoryLookupFailure(t *testing.T) {
	dir := newDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":false,"error":"user_not_found"}`))
	})

	_, err := dir.Profile(context.Background(), "ghost")
	testutil.ErrorContains(t, err, "lookup ghost failed: user_not_found")
}

func TestHTTPDirectoryServerError(t *testing.T) {
	dir := newDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
	})

	_, err := dir.Profile(context.Background(), "alice")
	testutil.ErrorContains(t, err, "directory: endpoint returned 503")
}

func TestHTTPDirectoryMissingTimezone(t *testing.T) {
	dir := newDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"user":{"id":"alice"}}`))
	})

	profile, err := dir.Profile(context.Background(), "alice")
	testutil.NoError(t, err)
	testutil.Equal(t, "", profile.Timezone)
}

func TestHTTPDirectoryRequiresBaseURL(t *testing.T) {
	_, err := usersync.NewHTTPDirectory(usersync.DirectoryConfig{})
	testutil.ErrorContains(t, err, "base url is required")
}
