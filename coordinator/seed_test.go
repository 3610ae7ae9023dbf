package coordinator_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YallaPapi/geelark-automation-sub002/coordinator"
	"github.com/YallaPapi/geelark-automation-sub002/coordinator/ledger"
)

func writeFile(t *testing.T, path, data string) {
	t.Helper()

	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("err != nil: %s", err)
	}
}

func seedFixtures(t *testing.T, accounts string, videos ...string) coordinator.Seeder {
	t.Helper()

	dir := t.TempDir()
	accountsPath := filepath.Join(dir, "accounts.txt")
	writeFile(t, accountsPath, accounts)

	videosDir := filepath.Join(dir, "videos")
	require.NoError(t, os.Mkdir(videosDir, 0755))
	for _, name := range videos {
		writeFile(t, filepath.Join(videosDir, name), "binary")
	}

	return coordinator.Seeder{AccountsPath: accountsPath, VideosDir: videosDir}
}

func TestSeeder_DealsVideosRoundRobin(t *testing.T) {
	s := seedFixtures(t, "alice\nbob\n", "a.mp4", "b.mp4", "c.mp4")

	jobs, err := s.Jobs()
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	assert.Equal(t, "post-alice-a", jobs[0].JobID)
	assert.Equal(t, "alice", jobs[0].Subject)
	assert.Equal(t, "bob", jobs[1].Subject)
	assert.Equal(t, "alice", jobs[2].Subject)

	for _, job := range jobs {
		assert.Equal(t, ledger.StatusPending, job.Status)
		assert.Equal(t, coordinator.DefaultMaxAttempts, job.MaxAttempts)
	}
}

func TestSeeder_SkipsCommentsAndMarkedSubjects(t *testing.T) {
	s := seedFixtures(t, "# fleet one\nalice\n\n! bob\n", "a.mp4", "b.mov")

	jobs, err := s.Jobs()
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, "alice", jobs[0].Subject)
	assert.Equal(t, ledger.StatusPending, jobs[0].Status)
	assert.Equal(t, "bob", jobs[1].Subject)
	assert.Equal(t, ledger.StatusSkipped, jobs[1].Status)
}

func TestSeeder_IgnoresNonVideoFiles(t *testing.T) {
	s := seedFixtures(t, "alice\n", "a.mp4", "notes.md", "b.txt")

	jobs, err := s.Jobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "a.mp4", filepath.Base(jobs[0].VideoPath))
}

func TestSeeder_ReadsSidecarCaptions(t *testing.T) {
	s := seedFixtures(t, "alice\n", "a.mp4", "b.mp4")
	writeFile(t, filepath.Join(s.VideosDir, "a.txt"), "morning routine\n")

	jobs, err := s.Jobs()
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, "morning routine", jobs[0].Caption)
	assert.Equal(t, "", jobs[1].Caption)
}

func TestSeeder_Errors(t *testing.T) {
	tests := []struct {
		name string
		s    coordinator.Seeder
	}{
		{
			name: "no subjects",
			s:    seedFixtures(t, "# only comments\n", "a.mp4"),
		},
		{
			name: "no videos",
			s:    seedFixtures(t, "alice\n"),
		},
		{
			name: "missing accounts file",
			s:    coordinator.Seeder{AccountsPath: "/nonexistent", VideosDir: t.TempDir()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.s.Jobs()
			assert.Error(t, err)
		})
	}
}
