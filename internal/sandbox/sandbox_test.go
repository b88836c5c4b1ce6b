package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

type recordedCall struct {
	name string
	args []string
}

func newTestDocker(cfg DockerConfig, fail func(args []string) bool) (*Docker, *[]recordedCall) {
	calls := &[]recordedCall{}
	d := NewDocker(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.run = func(_ context.Context, name string, args ...string) (string, error) {
		*calls = append(*calls, recordedCall{name: name, args: args})
		if fail != nil && fail(args) {
			return "", errors.New("boom")
		}
		return "", nil
	}
	return d, calls
}

func TestDockerProvisionPublishesHandle(t *testing.T) {
	d, calls := newTestDocker(DockerConfig{Network: "rides", Asset: "/tmp/index.html"}, nil)
	if err := d.Provision(context.Background(), "42", 7003); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if len(*calls) != 3 {
		t.Fatalf("expected rm, run, cp; got %d calls", len(*calls))
	}
	run := strings.Join((*calls)[1].args, " ")
	for _, want := range []string{"--name ride-42", "--network rides", "-p 7003:80", "nginx:alpine"} {
		if !strings.Contains(run, want) {
			t.Fatalf("run args %q missing %q", run, want)
		}
	}
	if (*calls)[2].args[0] != "cp" {
		t.Fatalf("expected asset copy, got %v", (*calls)[2].args)
	}
}

func TestDockerProvisionCleansUpOnCopyFailure(t *testing.T) {
	d, calls := newTestDocker(DockerConfig{Asset: "/tmp/index.html"}, func(args []string) bool { return args[0] == "cp" })
	if err := d.Provision(context.Background(), "7", 7000); err == nil {
		t.Fatal("expected error when asset copy fails")
	}
	last := (*calls)[len(*calls)-1]
	if last.args[0] != "rm" {
		t.Fatalf("expected container removal after failed copy, got %v", last.args)
	}
}

func TestDockerTeardownSwallowsErrors(t *testing.T) {
	d, calls := newTestDocker(DockerConfig{}, func([]string) bool { return true })
	d.Teardown(context.Background(), "9", 7000)
	d.Teardown(context.Background(), "9", 7000)
	if len(*calls) != 2 {
		t.Fatalf("expected two teardown attempts, got %d", len(*calls))
	}
}
