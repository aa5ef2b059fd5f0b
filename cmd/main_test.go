package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drgo/dataget"
)

type mockDownloader struct {
	cfg dataget.Config

	// Recorded call
	method string
	limit  int
	specs  []dataget.JobSpec
	urls   []string

	failURL string
	err     error
	ok      []bool
}

func (m *mockDownloader) report(specs []dataget.JobSpec) *dataget.Report {
	r := &dataget.Report{BatchID: "test"}
	for i, s := range specs {
		o := dataget.Outcome{Job: dataget.Job{Index: i, URL: s.URL}, Kind: dataget.OutcomeCompleted, Bytes: 10, Size: 10}
		if s.URL == m.failURL {
			o = dataget.Outcome{Job: o.Job, Kind: dataget.OutcomeFailed, Err: dataget.ErrNotFound}
		}
		r.Outcomes = append(r.Outcomes, o)
	}
	return r
}

func (m *mockDownloader) record(method string, specs []dataget.JobSpec, limit int) (*dataget.Report, error) {
	m.method, m.specs, m.limit = method, specs, limit
	if m.err != nil {
		return nil, m.err
	}
	return m.report(specs), nil
}

func (m *mockDownloader) Download(ctx context.Context, specs []dataget.JobSpec) (*dataget.Report, error) {
	return m.record("sequential", specs, 1)
}

func (m *mockDownloader) DownloadConcurrent(ctx context.Context, specs []dataget.JobSpec, limit int) (*dataget.Report, error) {
	return m.record("concurrent", specs, limit)
}

func (m *mockDownloader) DownloadParallel(ctx context.Context, specs []dataget.JobSpec, ncore int) (*dataget.Report, error) {
	return m.record("parallel", specs, ncore)
}

func (m *mockDownloader) StatusOK(ctx context.Context, urls []string) ([]bool, error) {
	m.method, m.urls = "check", urls
	return m.ok, m.err
}

func newTestApp(t *testing.T, m *mockDownloader) (*cliApp, *bytes.Buffer) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	out := &bytes.Buffer{}
	app := &cliApp{
		out: out,
		err: &bytes.Buffer{},
		newDownloader: func(opts ...dataget.Option) downloader {
			m.cfg = dataget.New(opts...).Config()
			return m
		},
	}
	return app, out
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestGetRequiresURLs(t *testing.T) {
	app, _ := newTestApp(t, &mockDownloader{})
	err := app.run([]string{"get"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one URL")
}

func TestGetFlags(t *testing.T) {
	m := &mockDownloader{}
	app, out := newTestApp(t, m)
	err := app.run([]string{"get",
		"--limit", "7", "--chunk-size", "64KiB", "--rate-limit", "1MiB",
		"--timeout", "5s", "--folder", "data", "--desc", "granules",
		"--follow-redirects", "--trust-unknown-size",
		"https://example.org/a.nc", "https://example.org/b.nc",
	})
	require.NoError(t, err)

	assert.Equal(t, "concurrent", m.method)
	assert.Equal(t, 7, m.limit)
	assert.Equal(t, dataget.SpecsFromURLs("https://example.org/a.nc", "https://example.org/b.nc"), m.specs)
	assert.Equal(t, 64*1024, m.cfg.ChunkSize)
	assert.EqualValues(t, 1<<20, m.cfg.RateLimit)
	assert.Equal(t, 5*time.Second, m.cfg.Timeout)
	assert.Equal(t, "data", m.cfg.Folder)
	assert.Equal(t, "granules", m.cfg.Description)
	assert.True(t, m.cfg.FollowRedirects)
	assert.True(t, m.cfg.TrustUnknownSize)
	assert.True(t, strings.HasSuffix(m.cfg.CredentialsFile, filepath.Join(".dataget", "credentials.env")))

	assert.Contains(t, out.String(), "2 completed, 0 resumed, 0 skipped, 0 failed")
}

func TestGetDefaults(t *testing.T) {
	m := &mockDownloader{}
	app, _ := newTestApp(t, m)
	require.NoError(t, app.run([]string{"get", "https://example.org/a.nc"}))

	def := dataget.DefaultConfig()
	assert.Equal(t, def.Limit, m.limit)
	assert.Equal(t, def.ChunkSize, m.cfg.ChunkSize)
	assert.Equal(t, def.Timeout, m.cfg.Timeout)
	assert.Equal(t, def.Retries, m.cfg.Retries)
	assert.Zero(t, m.cfg.RateLimit)
}

func TestGetConfigPrecedence(t *testing.T) {
	cfgFile := writeFile(t, "dataget.yaml", "retries: 9\nlimit: 3\nncore: 6\nchunk-size: 1MiB\n")
	t.Setenv("DATAGET_RETRIES", "5")

	m := &mockDownloader{}
	app, _ := newTestApp(t, m)
	require.NoError(t, app.run([]string{"get", "--config", cfgFile, "https://example.org/a.nc"}))
	assert.Equal(t, 5, m.cfg.Retries, "environment beats the config file")
	assert.Equal(t, 3, m.limit, "config file beats flag defaults")
	assert.Equal(t, 1<<20, m.cfg.ChunkSize)

	app, _ = newTestApp(t, m)
	require.NoError(t, app.run([]string{"get", "--config", cfgFile, "--limit", "4", "https://example.org/a.nc"}))
	assert.Equal(t, 4, m.limit, "explicit flags beat the config file")

	app, _ = newTestApp(t, m)
	assert.Error(t, app.run([]string{"get", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "https://example.org/a.nc"}))
}

func TestGetModes(t *testing.T) {
	tests := []struct {
		args   []string
		method string
		limit  int
	}{
		{[]string{"--mode", "sequential"}, "sequential", 1},
		{[]string{"--mode", "concurrent", "-c", "2"}, "concurrent", 2},
		{[]string{"--mode", "parallel", "--ncore", "3"}, "parallel", 3},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			m := &mockDownloader{}
			app, _ := newTestApp(t, m)
			args := append([]string{"get"}, tt.args...)
			require.NoError(t, app.run(append(args, "https://example.org/a.nc")))
			assert.Equal(t, tt.method, m.method)
			assert.Equal(t, tt.limit, m.limit)
		})
	}

	app, _ := newTestApp(t, &mockDownloader{})
	err := app.run([]string{"get", "--mode", "turbo", "https://example.org/a.nc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestGetInvalidSize(t *testing.T) {
	app, _ := newTestApp(t, &mockDownloader{})
	err := app.run([]string{"get", "--chunk-size", "lots", "https://example.org/a.nc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid")
}

func TestGetJobLists(t *testing.T) {
	text := writeFile(t, "urls.txt", `# granules for March
https://example.org/a.nc

https://example.org/b.nc   renamed.nc
`)
	yamlList := writeFile(t, "jobs.yaml", `- url: https://example.org/c.nc
  name: c-copy.nc
  folder: sub
- url: https://example.org/d.nc
  size: 2048
`)
	m := &mockDownloader{}
	app, _ := newTestApp(t, m)
	require.NoError(t, app.run([]string{"get", "--list", text, "https://example.org/first.nc"}))
	assert.Equal(t, []dataget.JobSpec{
		{URL: "https://example.org/first.nc"},
		{URL: "https://example.org/a.nc"},
		{URL: "https://example.org/b.nc", Name: "renamed.nc"},
	}, m.specs)

	app, _ = newTestApp(t, m)
	require.NoError(t, app.run([]string{"get", "--list", yamlList}))
	assert.Equal(t, []dataget.JobSpec{
		{URL: "https://example.org/c.nc", Name: "c-copy.nc", Folder: "sub"},
		{URL: "https://example.org/d.nc", Size: 2048},
	}, m.specs)

	app, _ = newTestApp(t, m)
	app.in = strings.NewReader("https://example.org/stdin.nc\n")
	require.NoError(t, app.run([]string{"get", "--list", "-"}))
	assert.Equal(t, dataget.SpecsFromURLs("https://example.org/stdin.nc"), m.specs)

	bad := writeFile(t, "bad.yaml", "- url: https://example.org/a.nc\n  colour: blue\n")
	app, _ = newTestApp(t, m)
	assert.Error(t, app.run([]string{"get", "--list", bad}))
}

func TestGetReportsFailures(t *testing.T) {
	m := &mockDownloader{failURL: "https://example.org/missing.nc"}
	app, out := newTestApp(t, m)
	err := app.run([]string{"get", "https://example.org/a.nc", "https://example.org/missing.nc"})
	assert.Equal(t, errJobsFailed, err)
	assert.Contains(t, out.String(), "https://example.org/missing.nc")
	assert.Contains(t, out.String(), "1 completed, 0 resumed, 0 skipped, 1 failed")
}

func TestGetBatchError(t *testing.T) {
	m := &mockDownloader{err: errors.New("job 0: \"x\" is not an absolute http(s) URL")}
	app, _ := newTestApp(t, m)
	err := app.run([]string{"get", "x"})
	require.Error(t, err)
	assert.NotEqual(t, errJobsFailed, err)
}

func TestCheck(t *testing.T) {
	m := &mockDownloader{ok: []bool{true, false, true}}
	app, out := newTestApp(t, m)
	urls := []string{"https://example.org/1", "https://example.org/2", "https://example.org/3"}
	err := app.run(append([]string{"check", "--check-limit", "10", "--check-timeout", "3s"}, urls...))
	assert.Equal(t, errLinksFailed, err)
	assert.Equal(t, urls, m.urls)
	assert.Equal(t, 10, m.cfg.CheckLimit)
	assert.Equal(t, 3*time.Second, m.cfg.CheckTimeout)
	assert.Equal(t, "OK   https://example.org/1\nFAIL https://example.org/2\nOK   https://example.org/3\n", out.String())

	m = &mockDownloader{ok: []bool{true}}
	app, _ = newTestApp(t, m)
	assert.NoError(t, app.run([]string{"check", urls[0]}))
}

func TestCredentialsCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.env")
	run := func(args ...string) (string, error) {
		app, out := newTestApp(t, &mockDownloader{})
		err := app.run(append(append([]string{"credentials"}, args...), "--credentials", path))
		return out.String(), err
	}

	_, err := run("add", "urs.earthdata.nasa.gov", "alice", "secret")
	require.NoError(t, err)
	_, err = run("add", "data-host.example.org", "bob", "pw")
	require.NoError(t, err)
	out, err := run("list")
	require.NoError(t, err)
	assert.Equal(t, "data-host.example.org\tbob\nurs.earthdata.nasa.gov\talice\n", out)

	_, err = run("remove", "data-host.example.org")
	require.NoError(t, err)
	out, err = run("list")
	require.NoError(t, err)
	assert.Equal(t, "urs.earthdata.nasa.gov\talice\n", out)

	_, err = run("clear")
	require.NoError(t, err)
	out, err = run("list")
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = run("add", "host-only")
	assert.Error(t, err)
	_, err = run("add", "example.org", "a:b", "pw")
	assert.Error(t, err)
}
