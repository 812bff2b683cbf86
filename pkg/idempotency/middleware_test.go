package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	seen map[string]bool
	err  error
}

func (c *fakeChecker) Seen(_ context.Context, key string) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	if c.seen[key] {
		return true, nil
	}
	if c.seen == nil {
		c.seen = map[string]bool{}
	}
	c.seen[key] = true
	return false, nil
}

func (c *fakeChecker) Forget(_ context.Context, key string) error {
	delete(c.seen, key)
	return nil
}

func newHandler(checker Checker) (http.Handler, *int) {
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	})
	return Middleware(slog.New(slog.DiscardHandler), checker)(next), &calls
}

func TestDuplicateKeyRejected(t *testing.T) {
	h, calls := newHandler(&fakeChecker{})

	first := httptest.NewRequest(http.MethodPost, "/orders", nil)
	first.Header.Set(HeaderKey, "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, first)
	require.Equal(t, http.StatusCreated, rec.Code)

	second := httptest.NewRequest(http.MethodPost, "/orders", nil)
	second.Header.Set(HeaderKey, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, second)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.JSONEq(t, `{"error":"duplicate_request"}`, rec.Body.String())

	require.Equal(t, 1, *calls)
}

func TestDifferentPathsDoNotCollide(t *testing.T) {
	h, calls := newHandler(&fakeChecker{})

	for _, path := range []string{"/orders", "/reviews"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set(HeaderKey, "abc")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	require.Equal(t, 2, *calls)
}

func TestMissingHeaderPassesThrough(t *testing.T) {
	h, calls := newHandler(&fakeChecker{})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/orders", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	require.Equal(t, 2, *calls)
}

func TestServerErrorReleasesKey(t *testing.T) {
	checker := &fakeChecker{}
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	h := Middleware(slog.New(slog.DiscardHandler), checker)(next)

	req := httptest.NewRequest(http.MethodPost, "/orders", nil)
	req.Header.Set(HeaderKey, "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	// the failed attempt must not burn the key
	retry := httptest.NewRequest(http.MethodPost, "/orders", nil)
	retry.Header.Set(HeaderKey, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, retry)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, 2, calls)
}

func TestCheckerErrorFailsOpen(t *testing.T) {
	h, calls := newHandler(&fakeChecker{err: errors.New("redis down")})

	req := httptest.NewRequest(http.MethodPost, "/orders", nil)
	req.Header.Set(HeaderKey, "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, 1, *calls)
}
