package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/wayback-harvester/internal/app"
	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

const testConfigYAML = `
logging:
  development: false
  level: error
archive:
  base_url: http://127.0.0.1:1
  rate_per_second: 100
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgPath := writeFile(t, "config.yaml", testConfigYAML)
	root := newRootCmd(app.Build)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestPatternsAddPrintsPatternAndQuery(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "patterns", "add", "https://example.com/news/", "--prefix", "--slug", "News", "--sort-order", "2")
	require.NoError(t, err)

	var body struct {
		Pattern  harvest.Pattern `json:"pattern"`
		URLQuery string          `json:"url_query"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, "com,example)/news/", body.Pattern.Surt)
	assert.Equal(t, "news", body.Pattern.Slug)
	assert.Equal(t, 2, body.Pattern.SortOrder)
	assert.Equal(t, "https://example.com/news/*", body.URLQuery)
}

func TestPatternsAddRequiresSlug(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "patterns", "add", "com,example,")
	require.Error(t, err)
}

func TestPatternsActivateRejectsBadID(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "patterns", "activate", "abc")
	require.ErrorContains(t, err, "invalid pattern id")

	_, err = execute(t, "patterns", "deactivate", "7")
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func TestIngestAndPassPrintReports(t *testing.T) {
	t.Parallel()

	cdx := writeFile(t, "a.cdx.json", `[["urlkey","timestamp","original","mimetype","statuscode","digest","length"],
["com,example)/","20200101000000","https://example.com/","text/html","200","FKXGYNOJJ7H3IFO35FPUBC445EPOQRXN","11"],
["com,example)/","20200101000000","https://example.com/","text/html","200","FKXGYNOJJ7H3IFO35FPUBC445EPOQRXN","11"],
["-","bad","not a url","text/html","200","X","1"]]`)

	out, err := execute(t, "ingest", cdx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"new":1,"duplicate":1,"rejected":1}`, out)

	out, err = execute(t, "pass", cdx)
	require.NoError(t, err)
	var report struct {
		ID     string `json:"id"`
		Ingest struct {
			New int `json:"new"`
		} `json:"ingest"`
		Download struct {
			Attempted int `json:"attempted"`
		} `json:"download"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.NotEmpty(t, report.ID)
	assert.Equal(t, 1, report.Ingest.New)
	assert.Zero(t, report.Download.Attempted)
}

func TestIngestRequiresFiles(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "ingest")
	require.Error(t, err)
}

func TestReportStats(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "report", "stats")
	require.NoError(t, err)
	var st harvest.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Zero(t, st.Entries)

	out, err = execute(t, "report", "invalid-digests")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestMigrateRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "migrate")
	require.ErrorContains(t, err, "db.dsn")
}

func TestConfigErrorsStopCommands(t *testing.T) {
	t.Parallel()

	root := newRootCmd(app.Build)
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "report", "stats"})
	require.ErrorContains(t, root.Execute(), "load config")
}
