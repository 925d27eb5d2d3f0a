package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNeedsRenderEmptyBody(t *testing.T) {
	t.Parallel()
	h := NewHeuristic(100)
	require.True(t, h.NeedsRender(""))
	require.True(t, h.NeedsRender("  \n"))
}

func TestNeedsRenderSPAMarkers(t *testing.T) {
	t.Parallel()
	h := NewHeuristic(100)
	require.True(t, h.NeedsRender(`<div id="__next"></div>`))
	require.True(t, h.NeedsRender(`<DIV ID="root"></DIV>`))
}

func TestNeedsRenderScriptDensity(t *testing.T) {
	t.Parallel()
	h := NewHeuristic(1000)
	require.True(t, h.NeedsRender(`<html><script>var a=1;</script><p>t</p></html>`))
	require.True(t, h.NeedsRender(`<html><p>t</p><script src="x.js"`), "unterminated tag counts to the end")
}

func TestNeedsRenderServerRenderedPage(t *testing.T) {
	t.Parallel()
	h := NewHeuristic(0)
	assert.Equal(t, defaultBodyLengthThreshold, h.BodyLengthThreshold)

	page := `<html><body><span class="seller-name">Acme Retail</span>` +
		strings.Repeat("<p>catalog row</p>", 50) +
		`<script>window.dataLayer=[]</script></body></html>`
	assert.False(t, h.NeedsRender(page))
}
