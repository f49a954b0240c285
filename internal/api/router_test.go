package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/LJTian/EconomistWatch/internal/scheduler"
	"github.com/LJTian/EconomistWatch/internal/spider"
	"github.com/LJTian/EconomistWatch/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArticles struct {
	docs       []storage.ArticleDoc
	err        error
	lastFilter storage.ArticleFilter
	lastLimit  int64
}

func (f *fakeArticles) ListArticles(_ context.Context, filter storage.ArticleFilter, limit int64) ([]storage.ArticleDoc, error) {
	f.lastFilter, f.lastLimit = filter, limit
	return f.docs, f.err
}

func (f *fakeArticles) CountArticles(_ context.Context, filter storage.ArticleFilter) (int64, error) {
	var n int64
	for _, d := range f.docs {
		if filter.Spider == "" || d.Spider == filter.Spider {
			n++
		}
	}
	return n, f.err
}

type fakeRunner struct {
	running map[string]bool
	last    map[string]scheduler.Result
}

func (f *fakeRunner) Trigger(name string) error {
	switch {
	case name != "Andreessen_Horowitz" && name != "sequoia_capital":
		return fmt.Errorf("%w: %s", spider.ErrUnknownSpider, name)
	case f.running[name]:
		return scheduler.ErrBusy
	}
	f.running[name] = true
	return nil
}

func (f *fakeRunner) Last(name string) (scheduler.Result, bool) {
	r, ok := f.last[name]
	return r, ok
}

func (f *fakeRunner) Running(name string) bool { return f.running[name] }

type fakeRuns struct{ runs []storage.CrawlRun }

func (f *fakeRuns) ListRuns(string, int) ([]storage.CrawlRun, error) { return f.runs, nil }

type envelope struct {
	Code string          `json:"code"`
	Data json.RawMessage `json:"data"`
}

func newTestRouter(t *testing.T, articles *fakeArticles, runner *fakeRunner, runs RunLister) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg, err := spider.NewRegistry(spider.Builtins()...)
	require.NoError(t, err)

	r := gin.New()
	NewServer(Options{
		Articles:   articles,
		Runner:     runner,
		Runs:       runs,
		Registry:   reg,
		SearchBase: "https://www.economist.com/search",
	}).RegisterRoutes(r)
	return r
}

func do(r http.Handler, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func newRunner() *fakeRunner {
	return &fakeRunner{running: map[string]bool{}, last: map[string]scheduler.Result{}}
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t, &fakeArticles{}, newRunner(), nil)
	w := do(r, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListArticles(t *testing.T) {
	articles := &fakeArticles{docs: []storage.ArticleDoc{
		{ID: "1", Title: "One", Date: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), QueryKey: "Andreessen_Horowitz"},
	}}
	r := newTestRouter(t, articles, newRunner(), nil)

	w := do(r, http.MethodGet, "/api/v1/articles?query=Andreessen_Horowitz&limit=5000")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, storage.ArticleFilter{QueryKey: "Andreessen_Horowitz"}, articles.lastFilter)
	assert.Equal(t, int64(maxLimit), articles.lastLimit)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	var docs []storage.ArticleDoc
	require.NoError(t, json.Unmarshal(env.Data, &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "One", docs[0].Title)

	do(r, http.MethodGet, "/api/v1/articles?limit=abc")
	assert.Equal(t, int64(defaultLimit), articles.lastLimit)
}

func TestListArticlesBySpider(t *testing.T) {
	articles := &fakeArticles{docs: []storage.ArticleDoc{
		{ID: "2", Title: "Two", Spider: "sequoia_capital"},
	}}
	r := newTestRouter(t, articles, newRunner(), nil)

	w := do(r, http.MethodGet, "/api/v1/articles?spider=sequoia_capital")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, storage.ArticleFilter{Spider: "sequoia_capital"}, articles.lastFilter)
}

func TestBasicAuthProtectsAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg, err := spider.NewRegistry(spider.Builtins()...)
	require.NoError(t, err)

	r := gin.New()
	NewServer(Options{
		Articles: &fakeArticles{},
		Runner:   newRunner(),
		Registry: reg,
		Accounts: gin.Accounts{"user": "pass"},
	}).RegisterRoutes(r)

	cases := []struct {
		path       string
		user, pass string
		want       int
	}{
		{"/health", "", "", http.StatusOK},
		{"/api/v1/spiders", "", "", http.StatusUnauthorized},
		{"/api/v1/spiders", "user", "wrong", http.StatusUnauthorized},
		{"/api/v1/spiders", "user", "pass", http.StatusOK},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodGet, c.path, nil)
		if c.user != "" {
			req.SetBasicAuth(c.user, c.pass)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, c.want, w.Code, "%s as %q", c.path, c.user)
	}
}

func TestListArticlesError(t *testing.T) {
	r := newTestRouter(t, &fakeArticles{err: errors.New("mongo down")}, newRunner(), nil)
	w := do(r, http.MethodGet, "/api/v1/articles")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestListSpiders(t *testing.T) {
	runner := newRunner()
	runner.last["sequoia_capital"] = scheduler.Result{Spider: "sequoia_capital", Crawl: spider.Stats{Items: 3}}
	articles := &fakeArticles{docs: []storage.ArticleDoc{{ID: "1", Spider: "sequoia_capital"}, {ID: "2", Spider: "sequoia_capital"}}}
	r := newTestRouter(t, articles, runner, nil)

	w := do(r, http.MethodGet, "/api/v1/spiders")
	require.Equal(t, http.StatusOK, w.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	var views []spiderView
	require.NoError(t, json.Unmarshal(env.Data, &views))
	require.Len(t, views, 2)
	assert.Equal(t, "https://www.economist.com/search?q=Andreessen_Horowitz&sort=date", views[0].SearchURL)
	assert.Nil(t, views[0].Last)
	require.NotNil(t, views[1].Last)
	assert.Equal(t, 3, views[1].Last.Crawl.Items)
	assert.Equal(t, int64(0), views[0].Articles)
	assert.Equal(t, int64(2), views[1].Articles)
}

func TestRunSpider(t *testing.T) {
	r := newTestRouter(t, &fakeArticles{}, newRunner(), nil)

	assert.Equal(t, http.StatusAccepted, do(r, http.MethodPost, "/api/v1/spiders/sequoia_capital/run").Code)
	assert.Equal(t, http.StatusConflict, do(r, http.MethodPost, "/api/v1/spiders/sequoia_capital/run").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodPost, "/api/v1/spiders/unknown/run").Code)
}

func TestRunsRouteOnlyWithPostgres(t *testing.T) {
	r := newTestRouter(t, &fakeArticles{}, newRunner(), nil)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/v1/runs").Code)

	r = newTestRouter(t, &fakeArticles{}, newRunner(), &fakeRuns{runs: []storage.CrawlRun{{Spider: "sequoia_capital"}}})
	w := do(r, http.MethodGet, "/api/v1/runs?spider=sequoia_capital")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sequoia_capital")
}
