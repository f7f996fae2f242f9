package caption

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	logx "sorabot/pkg/logx"
)

func TestParseCaption(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{
			name: "json",
			raw:  `{"caption":"Main character energy 😎","hashtags":["#Skate","Cats","#POV","#Extra"]}`,
			want: "Main character energy 😎\n#Skate #Cats #POV",
			ok:   true,
		},
		{
			name: "fenced",
			raw:  "```json\n{\"caption\":\"Why is this me though\",\"hashtags\":[]}\n```",
			want: "Why is this me though\n#Viral #Trending #ForYou",
			ok:   true,
		},
		{
			name: "loose",
			raw:  `Sure! "caption": "Tag someone who does this" #Funny #Cats`,
			want: "Tag someone who does this\n#Funny #Cats",
			ok:   true,
		},
		{name: "too short", raw: `{"caption":"hi"}`, ok: false},
		{name: "nothing", raw: `I cannot help with that.`, ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseCaption(tc.raw)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				require.Equal(t, tc.want, got)
			}
		})
	}
}

func TestInstructionTruncatesPrompt(t *testing.T) {
	long := strings.Repeat("a", 2000)
	require.Contains(t, instruction(long), strings.Repeat("a", maxPromptRunes)+`"`)
	require.NotContains(t, instruction(long), strings.Repeat("a", maxPromptRunes+1))
}

type failing struct{}

func (failing) Generate(context.Context, string) (string, error) { return "", errors.New("quota") }

func TestOrFallback(t *testing.T) {
	ctx := context.Background()
	require.Equal(t, Fallback, OrFallback(ctx, nil, "p", "", logx.Nop()))
	require.Equal(t, "custom", OrFallback(ctx, failing{}, "p", "custom", logx.Nop()))
	require.Equal(t, "hello", OrFallback(ctx, Static("hello"), "p", "", logx.Nop()))
}
