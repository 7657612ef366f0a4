package relay_test

import (
	"strings"
	"testing"

	"github.com/amakom/BlueprintAI-sub001/internal/relay"
)

func TestColorStability(t *testing.T) {
	first := relay.ColorFor("u1")
	for i := 0; i < 10; i++ {
		if got := relay.ColorFor("u1"); got != first {
			t.Fatalf("color changed across derivations: %s vs %s", got, first)
		}
	}
}

func TestColorShape(t *testing.T) {
	for _, subject := range []string{"u1", "u2", "someone@example.com", ""} {
		color := relay.ColorFor(subject)
		if !strings.HasPrefix(color, "#") || len(color) != 7 {
			t.Errorf("unexpected color %q for subject %q", color, subject)
		}
	}
}
