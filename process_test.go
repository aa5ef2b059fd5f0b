package dataget

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drgo/dataget/testutils"
)

const workerEnv = "DATAGET_TEST_WORKER"

// TestMain lets the test binary double as a worker process.
func TestMain(m *testing.M) {
	switch os.Getenv(workerEnv) {
	case "":
		os.Exit(m.Run())
	case "crash":
		// Read the config and the first job, then die without answering.
		sc := bufio.NewScanner(os.Stdin)
		sc.Scan()
		sc.Scan()
		os.Exit(3)
	default:
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if err := ServeWorker(ctx, os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
}

func testWorker(mode string) func() *exec.Cmd {
	return func() *exec.Cmd {
		cmd := exec.Command(os.Args[0], "-test.run=^$")
		cmd.Env = append(os.Environ(), workerEnv+"="+mode)
		return cmd
	}
}

func TestDownloadParallel(t *testing.T) {
	srv := testutils.NewFileServer(t)
	var specs []JobSpec
	contents := map[string][]byte{}
	for i := range 6 {
		name := fmt.Sprintf("part-%d.bin", i)
		contents[name] = testContent(10_000 + i*1000)
		specs = append(specs, JobSpec{URL: srv.Add(name, testutils.File{Content: contents[name]})})
	}
	specs = append(specs, JobSpec{URL: srv.FileURL("missing.bin")})

	progressed := make(chan Progress, 1024)
	d, dir := newTestDownloader(t, WithWorkerCommand(testWorker("serve")), WithProgressChannel(progressed))
	report, err := d.DownloadParallel(context.Background(), specs, 3)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, len(specs))

	for i, o := range report.Outcomes[:6] {
		require.NoError(t, o.Err, "job %d", i)
		assert.Equal(t, OutcomeCompleted, o.Kind)
		assert.Equal(t, specs[i].URL, o.Job.URL)
		verifyFileContent(t, filepath.Join(dir, fmt.Sprintf("part-%d.bin", i)), contents[fmt.Sprintf("part-%d.bin", i)])
	}
	missing := report.Outcomes[6]
	assert.Equal(t, OutcomeFailed, missing.Kind)
	assert.ErrorIs(t, missing.Err, ErrNotFound)
	assert.Equal(t, 404, missing.Status)
	assert.False(t, missing.Retryable())
	assert.NotEmpty(t, progressed, "worker progress should reach the parent observer")

	// Workers share the resume state on disk with every other model.
	again, err := d.DownloadParallel(context.Background(), specs[:6], 2)
	require.NoError(t, err)
	for _, o := range again.Outcomes {
		assert.Equal(t, OutcomeSkipped, o.Kind)
		assert.Zero(t, o.Bytes)
	}
}

func TestDownloadParallelWorkerCrash(t *testing.T) {
	srv := testutils.NewFileServer(t)
	specs := []JobSpec{
		{URL: srv.Add("a.bin", testutils.File{Content: testContent(100)})},
		{URL: srv.Add("b.bin", testutils.File{Content: testContent(100)})},
		{URL: srv.Add("c.bin", testutils.File{Content: testContent(100)})},
	}
	d, _ := newTestDownloader(t, WithWorkerCommand(testWorker("crash")))
	report, err := d.DownloadParallel(context.Background(), specs, 2)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 3)
	for _, o := range report.Outcomes {
		assert.Equal(t, OutcomeFailed, o.Kind)
		assert.ErrorIs(t, o.Err, ErrWorker)
		assert.True(t, o.Retryable())
	}
}

func TestDownloadParallelMissingExecutable(t *testing.T) {
	d, _ := newTestDownloader(t, WithWorkerCommand(func() *exec.Cmd {
		return exec.Command(filepath.Join(t.TempDir(), "no-such-worker"))
	}))
	report, err := d.DownloadParallel(context.Background(), SpecsFromURLs("http://example.org/a", "http://example.org/b"), 1)
	require.NoError(t, err)
	for _, o := range report.Outcomes {
		assert.ErrorIs(t, o.Err, ErrWorker)
	}
}

func TestDownloadParallelCancel(t *testing.T) {
	srv := testutils.NewFileServer(t)
	var specs []JobSpec
	for i := range 4 {
		specs = append(specs, JobSpec{URL: srv.Add(fmt.Sprintf("slow-%d.bin", i), testutils.File{Content: testContent(100), Delay: time.Hour})})
	}
	d, _ := newTestDownloader(t, WithWorkerCommand(testWorker("serve")))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(500*time.Millisecond, cancel)
	start := time.Now()
	report, err := d.DownloadParallel(ctx, specs, 2)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 30*time.Second)
	for _, o := range report.Outcomes {
		assert.Equal(t, OutcomeFailed, o.Kind)
		assert.ErrorIs(t, o.Err, ErrCanceled)
	}
}

func TestServeWorkerProtocol(t *testing.T) {
	srv := testutils.NewFileServer(t)
	content := testContent(5000)
	u := srv.Add("data.bin", testutils.File{Content: content})
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Folder = dir
	var in bytes.Buffer
	enc := json.NewEncoder(&in)
	require.NoError(t, enc.Encode(workerHello{Protocol: workerProtocol, Config: cfg}))
	jobs, err := NewJobs([]JobSpec{{URL: u}, {URL: srv.FileURL("missing")}}, dir)
	require.NoError(t, err)
	for _, job := range jobs {
		require.NoError(t, enc.Encode(workerRequest{Job: job}))
	}

	var out bytes.Buffer
	require.NoError(t, ServeWorker(context.Background(), &in, &out))

	var outcomes []Outcome
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var msg workerMessage
		require.NoError(t, json.Unmarshal([]byte(line), &msg))
		if msg.Outcome != nil {
			outcomes = append(outcomes, *msg.Outcome)
		}
	}
	require.Len(t, outcomes, 2)
	assert.Equal(t, OutcomeCompleted, outcomes[0].Kind)
	assert.EqualValues(t, len(content), outcomes[0].Bytes)
	assert.Equal(t, OutcomeFailed, outcomes[1].Kind)
	assert.ErrorIs(t, outcomes[1].Err, ErrNotFound)
	assert.Equal(t, jobs[1], outcomes[1].Job)
	verifyFileContent(t, filepath.Join(dir, "data.bin"), content)
}

func TestServeWorkerRejectsProtocol(t *testing.T) {
	in := strings.NewReader(`{"protocol":99,"config":{}}` + "\n")
	err := ServeWorker(context.Background(), in, &bytes.Buffer{})
	assert.Error(t, err)
}
