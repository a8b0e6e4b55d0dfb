package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("probe")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("probe finished", "status", 500)

	out := buf.String()
	if !strings.Contains(out, `msg="probe finished"`) {
		t.Fatalf("expected probe message, got: %s", out)
	}
	if !strings.Contains(out, "component=probe") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "status=500") {
		t.Fatalf("expected status field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("guard")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "debug", &buf)

	L("rollback").Debug("restored", KeyPlugin, "foo/foo.php")

	out := buf.String()
	if !strings.Contains(out, `"component":"rollback"`) {
		t.Fatalf("expected JSON component field, got: %s", out)
	}
	if !strings.Contains(out, `"plugin":"foo/foo.php"`) {
		t.Fatalf("expected JSON plugin field, got: %s", out)
	}
}

func TestSwitchingBetweenFormats(t *testing.T) {
	logger := L("guard")

	var text, js bytes.Buffer
	Init("text", "info", &text)
	logger.Info("first")
	Init("json", "info", &js)
	logger.Info("second")
	Init("text", "info", &text)
	logger.Info("third")

	if !strings.Contains(js.String(), `"msg":"second"`) {
		t.Fatalf("expected JSON record after switching, got: %s", js.String())
	}
	if !strings.Contains(text.String(), "msg=first") || !strings.Contains(text.String(), "msg=third") {
		t.Fatalf("expected text records around the JSON switch, got: %s", text.String())
	}
}

func TestWithRunAddsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "info", &buf)

	WithRun(L("guard"), "run-1", "foo/foo.php").Info("checking")

	out := buf.String()
	if !strings.Contains(out, "runId=run-1") || !strings.Contains(out, "plugin=foo/foo.php") {
		t.Fatalf("expected run fields, got: %s", out)
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext returned nil logger")
	}

	logger := L("custom")
	ctx := NewContext(context.Background(), logger)
	if FromContext(ctx) != logger {
		t.Fatal("FromContext did not return the stored logger")
	}
}
