package frontmatter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	doc := []byte("---\nstatus: ready\ntags:\n  - a\nmeta:\n  owner: kim\n---\n# Title\nbody\n")
	header, body, err := Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, "ready", header["status"])
	assert.Equal(t, "# Title\nbody\n", string(body))

	flat := Flatten(header)
	assert.Equal(t, "kim", flat["meta.owner"])
	assert.Equal(t, "ready", flat["status"])
}

func TestParse_NoHeader(t *testing.T) {
	header, body, err := Parse([]byte("just text\n"))
	assert.True(t, errors.Is(err, ErrMissing))
	assert.Empty(t, header)
	assert.Equal(t, "just text\n", string(body))
}

func TestParse_Unterminated(t *testing.T) {
	_, _, err := Parse([]byte("---\nstatus: x\nno fence\n"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParse_CRLFAndEmptyHeader(t *testing.T) {
	header, body, err := Parse([]byte("---\r\n---\r\nhello\r\n"))
	require.NoError(t, err)
	assert.Empty(t, header)
	assert.Equal(t, "hello\n", string(body))
}

func TestParse_HeaderOnly(t *testing.T) {
	header, body, err := Parse([]byte("---\nstatus: QUEUED\n---"))
	require.NoError(t, err)
	assert.Equal(t, "QUEUED", header["status"])
	assert.Empty(t, body)
}

func TestRenderThenDecode(t *testing.T) {
	type hdr struct {
		Status string `yaml:"status"`
		Output string `yaml:"output"`
	}
	out, err := Render(hdr{Status: "IN_PROGRESS", Output: ""}, []byte("## Log\n"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "status: IN_PROGRESS")

	var got hdr
	body, err := Decode(out, &got)
	require.NoError(t, err)
	assert.Equal(t, "IN_PROGRESS", got.Status)
	assert.Equal(t, "## Log\n", string(body))
}
