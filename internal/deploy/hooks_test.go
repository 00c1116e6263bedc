package deploy

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flo-mic/debdeploy/internal/api"
)

func writeHandler(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name+".restart")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
}

func TestRunRestartHandler(t *testing.T) {
	dir := t.TempDir()
	writeHandler(t, dir, "qemu", "echo restarted guests")
	writeHandler(t, dir, "broken", "exit 4")

	cases := []struct {
		name string
		want int
	}{
		{"qemu", api.RestartOK},
		{"broken", api.RestartFailed},
		{"missing", api.RestartNoHandler},
		{"../qemu", api.RestartNoHandler},
		{"", api.RestartNoHandler},
	}
	for _, c := range cases {
		var log bytes.Buffer
		if got := RunRestartHandler(context.Background(), dir, c.name, &log); got != c.want {
			t.Errorf("RunRestartHandler(%q) = %d, want %d (log: %s)", c.name, got, c.want, log.String())
		}
	}
}

func TestRunRestartHandler_Output(t *testing.T) {
	dir := t.TempDir()
	writeHandler(t, dir, "qemu", "echo restarted guests")

	var log bytes.Buffer
	RunRestartHandler(context.Background(), dir, "qemu", &log)
	if !strings.Contains(log.String(), "restarted guests") {
		t.Errorf("handler output not logged: %q", log.String())
	}
}

func TestAppendAptLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debdeploy.log")
	now := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	if err := AppendAptLog(path, "Reading package lists...\nSetting up openssl\n", now); err != nil {
		t.Fatalf("AppendAptLog: %v", err)
	}
	if err := AppendAptLog(path, "  \n", now); err != nil {
		t.Fatalf("AppendAptLog blank: %v", err)
	}
	if err := AppendAptLog(path, "done", now.Add(time.Minute)); err != nil {
		t.Fatalf("AppendAptLog: %v", err)
	}

	data, _ := os.ReadFile(path)
	want := "2024-03-01 12:30:00 Reading package lists...\n" +
		"2024-03-01 12:30:00 Setting up openssl\n" +
		"2024-03-01 12:31:00 done\n"
	if string(data) != want {
		t.Errorf("log content:\n%s\nwant:\n%s", data, want)
	}
}
