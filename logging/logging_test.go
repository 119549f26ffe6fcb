package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestPrettyJSONHandler_Fields(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewPrettyJSONHandler(&buf, nil)).With("worker", 2)
	log.Info("pairing finished", "agent", "A_100", "err", errors.New("lost"), "took", time.Second)

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not json: %v\n%s", err, buf.String())
	}
	if got["msg"] != "pairing finished" || got["level"] != "INFO" || got["worker"] != 2.0 {
		t.Fatalf("fields %v", got)
	}
	if got["err"] != "lost" || got["took"] != "1s" {
		t.Fatalf("err/took %v %v", got["err"], got["took"])
	}
	out := buf.String()
	order := []string{`"time"`, `"level"`, `"msg"`, `"worker"`, `"agent"`}
	last := -1
	for _, k := range order {
		i := strings.Index(out, k)
		if i <= last {
			t.Fatalf("key %s out of order in\n%s", k, out)
		}
		last = i
	}
}

func TestPrettyJSONHandler_Groups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewPrettyJSONHandler(&buf, nil)).WithGroup("env").With("port", 52001)
	log.Info("dial", "attempt", 3, slog.Group("sim", "episodes", 4))

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not json: %v\n%s", err, buf.String())
	}
	g, ok := got["env"].(map[string]any)
	if !ok || g["port"] != 52001.0 || g["attempt"] != 3.0 {
		t.Fatalf("group %v", got["env"])
	}
	if sim, ok := g["sim"].(map[string]any); !ok || sim["episodes"] != 4.0 {
		t.Fatalf("nested group %v", g["sim"])
	}
	if strings.Count(buf.String(), `"env"`) != 1 {
		t.Fatalf("group written twice:\n%s", buf.String())
	}
}

func TestPrettyJSONHandler_Level(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewPrettyJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %s", buf.String())
	}
	log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn missing")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "INFO": slog.LevelInfo, " warn": slog.LevelWarn, "error": slog.LevelError}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("bad level accepted")
	}
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, FormatJSON, slog.LevelInfo)
	if err != nil {
		t.Fatal(err)
	}
	log.Info("hello")
	if !strings.HasPrefix(buf.String(), `{"time"`) {
		t.Fatalf("json output %q", buf.String())
	}
	if _, err := New(&buf, "xml", slog.LevelInfo); err == nil {
		t.Fatal("unknown format accepted")
	}
}
