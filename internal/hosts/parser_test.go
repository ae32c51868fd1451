package hosts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleHosts = "1.2.3.4 example.com\n\n# === Kooix Host Manager Start ===\nold\n# === Kooix Host Manager End ===\n"

func TestParseMarkerExample(t *testing.T) {
	r := Parse(sampleHosts)

	assert.Equal(t, "1.2.3.4 example.com", r.Custom)
	assert.Equal(t, MarkerStart+"\nold\n"+MarkerEnd, r.Managed)
	assert.True(t, r.HasManaged())
}

func TestParseFailSafe(t *testing.T) {
	cases := map[string]string{
		"no markers":        "  127.0.0.1 localhost\n::1 localhost\n\n",
		"orphan end marker": "127.0.0.1 localhost\n" + MarkerEnd + "\n140.82.112.3 github.com\n",
		"start without end": "127.0.0.1 localhost\n" + MarkerStart + "\n140.82.112.3 github.com\n",
		"end before start":  "127.0.0.1 localhost\n" + MarkerEnd + "\nfoo\n" + MarkerStart + "\nbar\n",
		"empty":             "",
	}

	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			r := Parse(in)
			assert.Equal(t, strings.TrimSpace(in), r.Custom)
			assert.Equal(t, "", r.Managed)
			assert.False(t, r.HasManaged())
		})
	}
}

func TestParseEndSearchedAfterStart(t *testing.T) {
	in := "a\n" + MarkerEnd + "\nb\n" + MarkerStart + "\nc\n" + MarkerEnd + "\nd\n"
	r := Parse(in)

	assert.Equal(t, "a\n"+MarkerEnd+"\nb", r.Custom)
	assert.Equal(t, MarkerStart+"\nc\n"+MarkerEnd, r.Managed)
}

func TestMergeFormat(t *testing.T) {
	got := Merge("127.0.0.1 localhost\n\n\n", "\n\n# === GitHub520 ===\n140.82.112.3 github.com\n\n")

	want := "127.0.0.1 localhost\n\n" +
		MarkerStart + "\n" +
		"# === GitHub520 ===\n140.82.112.3 github.com\n" +
		MarkerEnd + "\n"
	assert.Equal(t, want, got)
	assert.Equal(t, 1, strings.Count(got, MarkerStart))
	assert.Equal(t, 1, strings.Count(got, MarkerEnd))
}

func TestMergeEmptyBody(t *testing.T) {
	got := Merge("127.0.0.1 localhost", "")
	assert.Equal(t, "127.0.0.1 localhost\n\n"+MarkerStart+"\n\n"+MarkerEnd+"\n", got)
}

func TestReMergeKeepsCustomRegion(t *testing.T) {
	existing := []string{
		sampleHosts,
		"# my entries\n10.0.0.1 nas.local\n\n\n" + MarkerStart + "\n1.1.1.1 a\n" + MarkerEnd + "\n# trailing\n",
		MarkerStart + "\n" + MarkerEnd,
	}
	bodies := []string{"", "140.82.112.3 github.com", "\n# === X ===\nfoo\n\n", MarkerStart + "\nnested\n" + MarkerEnd}

	for _, h := range existing {
		custom := Parse(h).Custom
		for _, x := range bodies {
			again := Parse(Merge(custom, x))
			assert.Equal(t, custom, again.Custom, "hosts %q body %q", h, x)
			assert.True(t, again.HasManaged())
		}
	}
}

func TestRepeatedUpdatesDoNotGrow(t *testing.T) {
	content := "127.0.0.1 localhost\n"
	for i := 0; i < 5; i++ {
		content = Merge(Parse(content).Custom, "140.82.112.3 github.com")
	}

	assert.Equal(t, "127.0.0.1 localhost\n\n"+MarkerStart+"\n140.82.112.3 github.com\n"+MarkerEnd+"\n", content)
}

func TestLookupHosts(t *testing.T) {
	text := "127.0.0.1 localhost\n" +
		"140.82.112.3 github.com # main\n" +
		"# 1.1.1.1 github.com\n" +
		"140.82.112.4 GitHub.com gist.github.com\n"

	assert.Equal(t, []string{"140.82.112.3", "140.82.112.4"}, LookupHosts(text, "github.com"))
	assert.Equal(t, []string{"140.82.112.4"}, LookupHosts(text, "gist.github.com"))
	assert.Empty(t, LookupHosts(text, "api.github.com"))
}
