package cli_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/rendezvous/pkg/cli"
	"github.com/m-mizutani/rendezvous/pkg/utils/logging"
)

type runner struct {
	t *testing.T
}

func newRunner(t *testing.T) *runner {
	t.Setenv("GEMINI_PROJECT_ID", "")
	t.Setenv("RENDEZVOUS_BACKEND", "sqlite")
	t.Setenv("RENDEZVOUS_SQLITE_PATH", filepath.Join(t.TempDir(), "rendezvous.db"))
	original := logging.Default()
	t.Cleanup(func() { logging.SetDefault(original) })
	return &runner{t: t}
}

func (r *runner) run(args ...string) (string, error) {
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := cli.NewRootCommand(stdout, stderr)

	err := cmd.Run(context.Background(), append([]string{"rendezvous"}, args...))
	return stdout.String(), err
}

func (r *runner) mustRun(args ...string) string {
	out, err := r.run(args...)
	gt.NoError(r.t, err)
	return out
}

func TestSlotCommands(t *testing.T) {
	r := newRunner(t)

	out := r.mustRun("slot", "seed")
	gt.S(t, out).Contains("Team Sync")
	gt.S(t, out).Contains("Client Call")

	out = r.mustRun("slot", "seed")
	gt.S(t, out).Contains("nothing seeded")

	day := []string{"--start", "2025-07-01T00:00:00Z", "--end", "2025-07-02T00:00:00Z"}
	out = r.mustRun(append([]string{"slot", "list", "--free"}, day...)...)
	gt.S(t, out).Contains("Team Sync")
	gt.S(t, out).Contains("Project Planning")
	gt.S(t, out).NotContains("Client Call")

	out = r.mustRun("slot", "add", "--start", "2025-07-01T14:00:00Z", "--end", "2025-07-01T14:30:00Z", "--title", "Office hours")
	gt.S(t, out).Contains("free\tOffice hours")

	out = r.mustRun("slot", "book", "--start", "2025-07-01T15:00:00Z", "--end", "2025-07-01T15:30:00Z",
		"--title", "Dentist", "--contact-name", "Robin")
	gt.S(t, out).Contains("booked\tDentist\tRobin")

	// overlaps the booked Client Call
	_, err := r.run("slot", "book", "--start", "2025-07-01T10:15:00Z", "--end", "2025-07-01T10:45:00Z")
	gt.Error(t, err)

	_, err = r.run("slot", "add", "--start", "2025-07-01T12:00:00Z", "--end", "2025-07-01T11:00:00Z")
	gt.Error(t, err)

	_, err = r.run("slot", "add", "--start", "tomorrow", "--end", "2025-07-01T11:00:00Z")
	gt.Error(t, err)

	out = r.mustRun(append([]string{"slot", "list"}, day...)...)
	gt.S(t, out).Contains("Client Call")
	gt.S(t, out).Contains("Dentist")
}

func TestMemoryCommands(t *testing.T) {
	r := newRunner(t)

	out := r.mustRun("memory", "remember", "--user", "robin", "Please remember I prefer afternoon meetings")
	gt.S(t, out).Contains("I prefer afternoon meetings")

	out = r.mustRun("memory", "remember", "--user", "robin", "ok")
	gt.S(t, out).Contains("Not stored")

	out = r.mustRun("memory", "recall", "--user", "robin", "afternoon meetings")
	gt.S(t, out).Contains("afternoon")

	out = r.mustRun("memory", "recall", "--user", "casey", "afternoon meetings")
	gt.S(t, out).Contains("No memories found")

	out = r.mustRun("memory", "list", "--user", "robin")
	gt.S(t, out).Contains("afternoon")

	_, err := r.run("memory", "remember", "--user", "robin")
	gt.Error(t, err)
}

func TestHistoryCommand(t *testing.T) {
	r := newRunner(t)

	out := r.mustRun("history", "--user", "robin", "--session", "s1")
	gt.S(t, out).Contains("No checkpoints found")

	_, err := r.run("history")
	gt.Error(t, err)
}

func TestInvalidConfig(t *testing.T) {
	r := newRunner(t)

	_, err := r.run("slot", "seed", "--backend", "cassandra")
	gt.Error(t, err)

	_, err = r.run("--log-level", "loud", "slot", "seed")
	gt.Error(t, err)
}
