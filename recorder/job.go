package recorder

import (
	"os"
	"os/exec"
	"regexp"
	"time"
)

// JobState tracks a recording through its lifecycle.
type JobState int

const (
	StateStarting JobState = iota
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s JobState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Job pairs one liveness episode with one external recorder process and one
// output file. Owned exclusively by the Supervisor; all fields are guarded by
// the supervisor mutex except done, which the wait goroutine closes once.
type Job struct {
	ChannelID   string
	DisplayName string
	Title       string
	OutputPath  string
	LogPath     string
	PID         int
	StartedAt   time.Time

	state         JobState
	stopRequested bool
	historyID     int64

	cmd     *exec.Cmd
	logFile *os.File
	done    chan struct{}
	waitErr error
}

func (j *Job) active() bool {
	return j.state == StateStarting || j.state == StateRunning || j.state == StateStopping
}

// exited reports whether the recorder process has terminated, without blocking.
func (j *Job) exited() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

func (j *Job) exitCode() int {
	if j.cmd != nil && j.cmd.ProcessState != nil {
		return j.cmd.ProcessState.ExitCode()
	}
	return -1
}

var unsafeNameChars = regexp.MustCompile(`[^\p{L}\p{N}._-]+`)

// sanitizeName makes a display name safe for use in a filename.
func sanitizeName(name string) string {
	s := unsafeNameChars.ReplaceAllString(name, "_")
	if s == "" || s == "." || s == ".." {
		return "channel"
	}
	return s
}

// outputBasename builds the per-episode file stem:
// <displayName>_<YYYYMMDD_HHMMSS>. The seconds-resolution timestamp keeps
// episodes of the same channel from colliding.
func outputBasename(displayName string, ts time.Time) string {
	return sanitizeName(displayName) + "_" + ts.Format("20060102_150405")
}
