package dataget

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drgo/dataget/testutils"
)

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		header            string
		start, end, total int64
		wantErr           bool
	}{
		{"bytes 0-99/1000", 0, 99, 1000, false},
		{"bytes 500-999/1000", 500, 999, 1000, false},
		{"bytes 0-0/1", 0, 0, 1, false},
		{"bytes 0-99/*", 0, 99, UnknownSize, false},
		{"bytes */1000", -1, -1, 1000, false},
		{"invalid", 0, 0, 0, true},
		{"bytes 0-99", 0, 0, 0, true},
		{"bytes a-99/1000", 0, 0, 0, true},
		{"bytes 0-99/x", 0, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			start, end, total, err := ParseContentRange(tt.header)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)
			assert.Equal(t, tt.total, total)
		})
	}
}

func TestSuggestedName(t *testing.T) {
	u, _ := url.Parse("https://example.org/data/granule.nc?token=abc")
	tests := []struct {
		name        string
		disposition string
		want        string
	}{
		{"url tail", "", "granule.nc"},
		{"quoted filename", `attachment; filename="report.csv"`, "report.csv"},
		{"bare filename", "attachment; filename=report.csv", "report.csv"},
		{"malformed header", `attachment; filename=my report.csv; size=3`, "my report.csv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{Header: http.Header{}, Request: &http.Request{URL: u}}
			if tt.disposition != "" {
				resp.Header.Set("Content-Disposition", tt.disposition)
			}
			assert.Equal(t, tt.want, suggestedName(resp, Job{URL: u.String()}))
		})
	}
}

func TestProbe(t *testing.T) {
	srv := testutils.NewFileServer(t)
	content := []byte("0123456789abcdefghij")

	tests := []struct {
		name      string
		file      testutils.File
		size      int64
		rangeable bool
	}{
		{"range-capable", testutils.File{Content: content}, 20, true},
		{"no-ranges", testutils.File{Content: content, NoRanges: true}, 20, false},
		{"head-refused", testutils.File{Content: content, RefuseHead: true}, 20, true},
		{"head-refused-no-ranges", testutils.File{Content: content, RefuseHead: true, NoRanges: true}, 20, false},
		{"unknown-length", testutils.File{Content: content, UnknownLength: true}, UnknownSize, false},
		// A plain 200 for the ranged GET proves nothing about range support.
		{"empty", testutils.File{Content: []byte{}, RefuseHead: true}, 0, false},
		{"empty-416", testutils.File{Content: []byte{}, RefuseHead: true, UnsatisfiedStatus: http.StatusRequestedRangeNotSatisfiable}, 0, true},
		{"empty-216", testutils.File{Content: []byte{}, RefuseHead: true, UnsatisfiedStatus: 216}, 0, true},
		{"head-400", testutils.File{Content: content, RefuseHead: true, HeadStatus: http.StatusBadRequest}, 20, true},
	}
	d := New()
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := Job{Index: i, URL: srv.Add(tt.name+".bin", tt.file), Folder: t.TempDir()}
			info, err := d.probe(context.Background(), job, &TransferState{})
			require.NoError(t, err)
			assert.Equal(t, tt.size, info.Size)
			assert.Equal(t, tt.rangeable, info.Rangeable)
			assert.Equal(t, tt.name+".bin", info.FileName)
		})
	}
}

func TestProbeErrors(t *testing.T) {
	srv := testutils.NewFileServer(t)
	d := New(WithRetries(0))

	tests := []struct {
		name   string
		file   *testutils.File
		target error
		status int
	}{
		{"missing", nil, ErrNotFound, http.StatusNotFound},
		{"gone", &testutils.File{Status: http.StatusGone}, ErrNotFound, http.StatusGone},
		{"unauthorized", &testutils.File{Content: []byte("x"), User: "u", Password: "p"}, ErrAuthentication, http.StatusUnauthorized},
		{"server-error", &testutils.File{Status: http.StatusInternalServerError}, ErrServer, http.StatusInternalServerError},
		{"unavailable", &testutils.File{Content: []byte("x"), FailFirst: 5}, ErrServer, http.StatusServiceUnavailable},
		{"redirect", &testutils.File{RedirectTo: "/elsewhere"}, ErrRedirect, http.StatusFound},
		{"teapot", &testutils.File{Status: http.StatusTeapot}, ErrUnexpectedStatus, http.StatusTeapot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := srv.FileURL(tt.name)
			if tt.file != nil {
				u = srv.Add(tt.name, *tt.file)
			}
			_, err := d.probe(context.Background(), Job{URL: u}, &TransferState{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			var te *TransferError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.status, te.StatusCode)
		})
	}
}
