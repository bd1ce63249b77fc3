// File: cmd/resolve_test.go
package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/resolver"
)

const savedPage = `<!doctype html><html><body>
  <form>
    <label for="q">Search products</label>
    <input id="q" type="search" name="q">
    <button type="submit" data-testid="go">Go</button>
  </form>
</body></html>`

func writePage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(path, []byte(savedPage), 0o600))
	return path
}

func TestResolveCmd_Found(t *testing.T) {
	isolateHome(t)
	out, _, err := executeCommand(t, "resolve", "--html", writePage(t), "--test-id", "go", "--accept-low-confidence")
	require.NoError(t, err)

	var res resolver.Resolution
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.True(t, res.Found)
	assert.Equal(t, "testid:go", res.Element.Handle)
}

func TestResolveCmd_NotFound(t *testing.T) {
	isolateHome(t)
	out, _, err := executeCommand(t, "resolve", "--html", writePage(t), "--test-id", "checkout")
	assert.ErrorIs(t, err, schemas.ErrNotFound)
	assert.Contains(t, out, `"found": false`, "the diagnostic is printed even when nothing matches")
}

func TestResolveCmd_Validation(t *testing.T) {
	isolateHome(t)

	_, _, err := executeCommand(t, "resolve", "--html", writePage(t))
	assert.ErrorContains(t, err, "a description or one of")

	_, _, err = executeCommand(t, "resolve", "search box")
	assert.ErrorContains(t, err, "--html is required")

	_, _, err = executeCommand(t, "resolve", "search box", "--html", filepath.Join(t.TempDir(), "missing.html"))
	assert.ErrorContains(t, err, "does not exist")
}
