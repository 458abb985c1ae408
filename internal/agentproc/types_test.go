package agentproc

import (
	"strings"
	"testing"
)

func TestBuildArgs(t *testing.T) {
	t.Run("SkipPermissionsFlagPrepended", func(t *testing.T) {
		args := BuildArgs(Options{DangerouslySkipPermissions: true, Prompt: Prompt{Text: "hi"}})
		if args[0] != "--dangerously-skip-permissions" {
			t.Errorf("expected skip-permissions flag first, got %v", args)
		}
	})

	t.Run("ResumeIncludesSessionID", func(t *testing.T) {
		args := BuildArgs(Options{SessionID: "S", Prompt: Prompt{Text: "hi"}})
		joined := strings.Join(args, " ")
		if !strings.Contains(joined, "--resume S") {
			t.Errorf("expected --resume S in args, got %q", joined)
		}
	})

	t.Run("PromptIsFinalPositionalArg", func(t *testing.T) {
		args := BuildArgs(Options{MaxTurns: 3, Model: "m1", Prompt: Prompt{Text: "do the thing"}})
		if args[len(args)-1] != "do the thing" {
			t.Errorf("expected prompt as last arg, got %v", args)
		}
	})

	t.Run("StreamJSONFlagsAlwaysPresent", func(t *testing.T) {
		args := BuildArgs(Options{Prompt: Prompt{Text: "x"}})
		joined := strings.Join(args, " ")
		if !strings.Contains(joined, "--input-format stream-json --output-format stream-json") {
			t.Errorf("expected stream-json flags, got %q", joined)
		}
	})
}

func TestParseStreamEvent(t *testing.T) {
	t.Run("KnownFieldsDecoded", func(t *testing.T) {
		ev, err := ParseStreamEvent([]byte(`{"type":"system","subtype":"init","session_id":"S"}`))
		if err != nil {
			t.Fatalf("ParseStreamEvent: %v", err)
		}
		if ev.Type != "system" || ev.Subtype != "init" || ev.SessionID != "S" {
			t.Errorf("unexpected decode: %+v", ev)
		}
	})

	t.Run("UnknownKeysPreservedInExtra", func(t *testing.T) {
		raw := `{"type":"custom","weird_field":42}`
		ev, err := ParseStreamEvent([]byte(raw))
		if err != nil {
			t.Fatalf("ParseStreamEvent: %v", err)
		}
		if !strings.Contains(string(ev.Extra), "weird_field") {
			t.Errorf("expected Extra to preserve unknown field, got %s", ev.Extra)
		}
	})

	t.Run("MalformedLineReturnsError", func(t *testing.T) {
		if _, err := ParseStreamEvent([]byte(`not json`)); err == nil {
			t.Error("expected error for malformed line")
		}
	})
}
