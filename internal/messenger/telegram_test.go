package messenger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkdownV2Escaper_Text(t *testing.T) {
	esc := MarkdownV2Escaper()

	assert.Equal(t, `BTC \+5\.2% \(24h\)`, esc.Text("BTC +5.2% (24h)"))
	assert.Equal(t, `a\_b\*c\[d\]`, esc.Text("a_b*c[d]"))
	assert.Equal(t, "plain words", esc.Text("plain words"))
}

func TestEscapeLinkTarget(t *testing.T) {
	assert.Equal(t, `https://example.com/a\)b`, escapeLinkTarget("https://example.com/a)b"))
	assert.Equal(t, `https://example.com/q?a=1&b=2`, escapeLinkTarget("https://example.com/q?a=1&b=2"),
		"only backslash and closing parenthesis are escaped in link targets")
	assert.Equal(t, `\\`, escapeLinkTarget(`\`))
}
