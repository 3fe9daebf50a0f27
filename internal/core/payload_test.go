package core

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

var payloadTime = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func TestClaimPayload_RoundTrip(t *testing.T) {
	d := models.DispatchDecision{Model: models.ModelOpus, Workspace: "feat-x"}
	encoded := ClaimPayload("abcd1234", d, payloadTime).Encode()

	for _, want := range []string{`"dispatch_id":"abcd1234"`, `"model":"opus"`, `"workspace_name":"feat-x"`, `"status":"in progress"`} {
		if !strings.Contains(encoded, want) {
			t.Errorf("encoded payload %s missing %s", encoded, want)
		}
	}

	p, ok := DecodePayload(encoded)
	if !ok {
		t.Fatal("DecodePayload failed on encoded payload")
	}
	if p.DispatchID != "abcd1234" || !p.Timestamp.Equal(payloadTime) {
		t.Errorf("decoded = %+v", p)
	}
}

func TestDecodePayload_NotJSON(t *testing.T) {
	if _, ok := DecodePayload("plain text"); ok {
		t.Error("DecodePayload accepted plain text")
	}
}

func TestFormatComment(t *testing.T) {
	t.Run("failure", func(t *testing.T) {
		got := FormatComment(FailurePayload("abcd1234", errors.New("exec: not found"), payloadTime))
		for _, want := range []string{
			"🚫 **Status Update: blocked**",
			"- **Dispatch ID**: abcd1234",
			"- **Timestamp**: 2025-03-14T09:26:53Z",
			"---",
			"**Error**: exec: not found",
		} {
			if !strings.Contains(got, want) {
				t.Errorf("comment missing %q:\n%s", want, got)
			}
		}
	})

	t.Run("completion", func(t *testing.T) {
		p := CompletionPayload("abcd1234", models.StatusComplete, "1a2b3c4d", "builder", "All tests pass.", payloadTime)
		got := FormatComment(p)
		for _, want := range []string{
			"✅ **Status Update: complete**",
			"- **Commit Hash**: 1a2b3c4d",
			"- **Agent**: builder",
			"All tests pass.",
		} {
			if !strings.Contains(got, want) {
				t.Errorf("comment missing %q:\n%s", want, got)
			}
		}
		if strings.Contains(got, "**Error**") {
			t.Error("completion comment has an error line")
		}
	})

	t.Run("unknown status and missing id", func(t *testing.T) {
		got := FormatComment(StatusPayload{Status: "archived", Timestamp: payloadTime})
		if !strings.HasPrefix(got, "ℹ️ **Status Update: archived**") {
			t.Errorf("unexpected header:\n%s", got)
		}
		if !strings.Contains(got, "- **Dispatch ID**: N/A") {
			t.Errorf("missing N/A dispatch id:\n%s", got)
		}
	})
}
