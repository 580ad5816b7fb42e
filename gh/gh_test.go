package gh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"testing"
	"time"

	"github.com/google/go-github/v68/github"
	"gopkg.in/stretchr/testify.v1/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ghc := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	ghc.BaseURL = base

	client, err := NewWithClient(ghc, "test-token", "omsf/test-repo")
	require.NoError(t, err)
	client.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return client
}

func runnersBody(labels ...string) string {
	body := `{"total_count":` + fmt.Sprint(len(labels)) + `,"runners":[`
	for i, label := range labels {
		if i > 0 {
			body += ","
		}
		body += fmt.Sprintf(`{"id":%d,"name":"runner-%d","os":"linux","status":"online","labels":[{"id":1,"name":"self-hosted","type":"read-only"},{"id":2,"name":%q,"type":"custom"}]}`, i+1, i+1, label)
	}
	return body + `]}`
}

func TestNewWithClientRejectsBadRepo(t *testing.T) {
	_, err := NewWithClient(github.NewClient(nil), "t", "not-a-repo")
	require.Error(t, err)
	require.Contains(t, err.Error(), "owner/repo")
}

func TestGenerateRandomLabelFormat(t *testing.T) {
	labelRe := regexp.MustCompile(`^runner-[a-z0-9]{8}$`)
	for i := 0; i < 100; i++ {
		require.Regexp(t, labelRe, GenerateRandomLabel())
	}
}

func TestGenerateRandomLabelUniqueness(t *testing.T) {
	seen := make(map[string]bool, 10000)
	for i := 0; i < 10000; i++ {
		label := GenerateRandomLabel()
		require.False(t, seen[label], "collision on %s after %d labels", label, i)
		seen[label] = true
	}
}

func TestCreateRunnerToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/omsf/test-repo/actions/runners/registration-token", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.Equal(t, "2022-11-28", r.Header.Get("X-GitHub-Api-Version"))
		fmt.Fprint(w, `{"token":"LLBF3JGZDX3P5PMEXLND6TS6FCWO6","expires_at":"2026-08-30T22:14:10Z"}`)
	})
	client := newTestClient(t, mux)

	token, err := client.CreateRunnerToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "LLBF3JGZDX3P5PMEXLND6TS6FCWO6", token)
}

func TestCreateRunnerTokenWrapsAPIFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
	})
	client := newTestClient(t, mux)

	_, err := client.CreateRunnerToken(context.Background())
	require.Error(t, err)

	var tokenErr *TokenRetrievalError
	require.True(t, errors.As(err, &tokenErr))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	require.Contains(t, apiErr.Endpoint, "registration-token")
	require.Contains(t, apiErr.Body, "Bad credentials")
}

func TestCreateRunnerTokensMintsOnePerInstance(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/omsf/test-repo/actions/runners/registration-token", func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprintf(w, `{"token":"TOKEN%d"}`, calls)
	})
	client := newTestClient(t, mux)

	tokens, err := client.CreateRunnerTokens(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, []string{"TOKEN1", "TOKEN2", "TOKEN3"}, tokens)
	require.Equal(t, 3, calls)
}

func TestGetRunnerAbsentIsNotAnError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/omsf/test-repo/actions/runners", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, runnersBody("runner-zzzzzzzz"))
	})
	client := newTestClient(t, mux)

	runner, err := client.GetRunner(context.Background(), "runner-abc12345")
	require.NoError(t, err)
	require.Nil(t, runner)

	runners, err := client.GetRunners(context.Background(), "runner-abc12345")
	require.NoError(t, err)
	require.Len(t, runners, 0)
}

func TestGetRunnerFiltersByLabel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/omsf/test-repo/actions/runners", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, runnersBody("runner-aaaaaaaa", "runner-abc12345"))
	})
	client := newTestClient(t, mux)

	runner, err := client.GetRunner(context.Background(), "runner-abc12345")
	require.NoError(t, err)
	require.NotNil(t, runner)
	require.Equal(t, int64(2), runner.GetID())
}

func TestWaitForRunnerReturnsOnceRegistered(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/omsf/test-repo/actions/runners", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			fmt.Fprint(w, runnersBody())
			return
		}
		fmt.Fprint(w, runnersBody("runner-abc12345"))
	})
	client := newTestClient(t, mux)

	runner, err := client.WaitForRunner(context.Background(), "runner-abc12345", time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, runner)
	require.Equal(t, 3, calls)
}

func TestWaitForRunnerHonorsContextDeadline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/omsf/test-repo/actions/runners", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, runnersBody())
	})
	client := newTestClient(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := client.WaitForRunner(ctx, "runner-abc12345", 5*time.Millisecond)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRemoveRunner(t *testing.T) {
	removed := false
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/omsf/test-repo/actions/runners", func(w http.ResponseWriter, r *http.Request) {
		if removed {
			fmt.Fprint(w, runnersBody())
			return
		}
		fmt.Fprint(w, runnersBody("runner-abc12345"))
	})
	mux.HandleFunc("DELETE /repos/omsf/test-repo/actions/runners/1", func(w http.ResponseWriter, r *http.Request) {
		removed = true
		w.WriteHeader(http.StatusNoContent)
	})
	client := newTestClient(t, mux)
	ctx := context.Background()

	require.NoError(t, client.RemoveRunner(ctx, "runner-abc12345"))

	// the registration is gone afterwards
	runner, err := client.GetRunner(ctx, "runner-abc12345")
	require.NoError(t, err)
	require.Nil(t, runner)
}

func TestRemoveRunnerNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/omsf/test-repo/actions/runners", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, runnersBody())
	})
	client := newTestClient(t, mux)

	err := client.RemoveRunner(context.Background(), "runner-abc12345")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrRunnerNotFound))

	err = client.RemoveRunners(context.Background(), "runner-abc12345")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrRunnerNotFound))
}

func TestRemoveRunnerReportsRemovalFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/omsf/test-repo/actions/runners", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, runnersBody("runner-abc12345"))
	})
	mux.HandleFunc("DELETE /repos/omsf/test-repo/actions/runners/1", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"runner is busy"}`, http.StatusConflict)
	})
	client := newTestClient(t, mux)

	err := client.RemoveRunner(context.Background(), "runner-abc12345")
	require.Error(t, err)

	var removalErr *RemovalError
	require.True(t, errors.As(err, &removalErr))
	require.Equal(t, "runner-abc12345", removalErr.Label)
	require.False(t, errors.Is(err, ErrRunnerNotFound))
}

func TestGetLatestRunnerRelease(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/actions/runner/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"tag_name": "v2.300.0",
			"assets": [
				{"name": "runner-linux-x64.tar.gz", "browser_download_url": "https://example.com/runner-linux-x64.tar.gz"},
				{"name": "runner-osx-x64.tar.gz", "browser_download_url": "https://example.com/runner-osx-x64.tar.gz"}
			]
		}`)
	})
	client := newTestClient(t, mux)
	ctx := context.Background()

	url, err := client.GetLatestRunnerRelease(ctx, "linux", "x64")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/runner-linux-x64.tar.gz", url)

	url, err = client.GetLatestRunnerRelease(ctx, "osx", "x64")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/runner-osx-x64.tar.gz", url)

	_, err = client.GetLatestRunnerRelease(ctx, "win", "arm64")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrReleaseAssetNotFound))
}
