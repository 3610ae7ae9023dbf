package coordinator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/YallaPapi/geelark-automation-sub002/coordinator/ledger"
)

var videoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".webm": true,
	".mkv":  true,
}

// Seeder builds the initial job set from an accounts file and a directory
// of videos. Job ids are derived from the subject and the video name, so
// seeding the same inputs twice inserts nothing new.
type Seeder struct {
	// AccountsPath is a text file with one subject per line. Lines
	// starting with '#' are comments; a "!" prefix marks the subject's
	// jobs skipped at seed time.
	AccountsPath string

	// VideosDir is scanned for video files. A sidecar "<name>.txt" next
	// to a video supplies its caption.
	VideosDir string

	// MaxAttempts is the per-job attempt ceiling.
	MaxAttempts int
}

// Jobs enumerates the work items: videos are dealt round-robin across the
// subjects in a deterministic order.
func (s Seeder) Jobs() ([]ledger.Job, error) {
	if s.MaxAttempts < 1 {
		s.MaxAttempts = DefaultMaxAttempts
	}

	subjects, skipped, err := s.readAccounts()
	if err != nil {
		return nil, err
	}
	if len(subjects) == 0 {
		return nil, errors.Errorf("coordinator: no subjects in %s", s.AccountsPath)
	}

	videos, err := s.readVideos()
	if err != nil {
		return nil, err
	}
	if len(videos) == 0 {
		return nil, errors.Errorf("coordinator: no videos in %s", s.VideosDir)
	}

	jobs := make([]ledger.Job, 0, len(videos))
	for i, video := range videos {
		subject := subjects[i%len(subjects)]

		name := strings.TrimSuffix(filepath.Base(video), filepath.Ext(video))
		job := ledger.Job{
			JobID:       fmt.Sprintf("post-%s-%s", subject, name),
			Subject:     subject,
			VideoPath:   video,
			Caption:     readCaption(video),
			Status:      ledger.StatusPending,
			MaxAttempts: s.MaxAttempts,
		}
		if skipped[subject] {
			job.Status = ledger.StatusSkipped
		}

		jobs = append(jobs, job)
	}

	return jobs, nil
}

func (s Seeder) readAccounts() ([]string, map[string]bool, error) {
	data, err := os.ReadFile(s.AccountsPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "coordinator: reading accounts file")
	}

	var subjects []string
	skipped := make(map[string]bool)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "!") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "!"))
			skipped[line] = true
		}
		subjects = append(subjects, line)
	}

	return subjects, skipped, nil
}

func (s Seeder) readVideos() ([]string, error) {
	entries, err := os.ReadDir(s.VideosDir)
	if err != nil {
		return nil, errors.Wrap(err, "coordinator: reading videos directory")
	}

	var videos []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !videoExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		videos = append(videos, filepath.Join(s.VideosDir, entry.Name()))
	}
	sort.Strings(videos)

	return videos, nil
}

func readCaption(video string) string {
	sidecar := strings.TrimSuffix(video, filepath.Ext(video)) + ".txt"
	data, err := os.ReadFile(sidecar)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
