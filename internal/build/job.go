// Package build turns build job descriptions into coordinated container
// lifecycles: it generates the build script, drives the primary and linked
// service containers, enforces the timeout and settles exactly one outcome.
package build

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Sentinel exit codes carried by ExecutionResult.Status.
const (
	// ExitCodeTimeout is reported when the primary container exceeds its timeout.
	ExitCodeTimeout = 100

	// ExitCodeSystemError is reported when the build fails for reasons other
	// than the script itself (runtime failure, post-process failure).
	ExitCodeSystemError = 500
)

var (
	// ErrInvalidJob is returned by JobSpec.Validate.
	ErrInvalidJob = errors.New("invalid job")

	// ErrPostProcess wraps failures of the post-process hook.
	ErrPostProcess = errors.New("post-process failed")
)

// Repository describes the source checked out before the commands run.
type Repository struct {
	Name   string
	URI    string
	Branch string
}

// SecondaryContainer is an auxiliary service (e.g. a database) started
// before the primary container and linked to it under Alias.
type SecondaryContainer struct {
	Image   string
	Name    string
	Command []string
	Alias   string
}

// JobSpec is an immutable build job description.
type JobSpec struct {
	ID           string
	Repository   Repository
	Commands     []string
	SkipSetup    bool
	PrimaryImage string
	PrimaryName  string
	Secondary    []SecondaryContainer
	Timeout      time.Duration
	ArtifactPath string // relative to the checkout; empty means no artifact
}

// Validate checks the fields the orchestrator relies on.
func (j JobSpec) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidJob)
	}
	if j.PrimaryImage == "" {
		return fmt.Errorf("%w: primary image is required", ErrInvalidJob)
	}
	if len(j.Commands) == 0 {
		return fmt.Errorf("%w: at least one command is required", ErrInvalidJob)
	}
	if !j.SkipSetup && (j.Repository.URI == "" || j.Repository.Branch == "") {
		return fmt.Errorf("%w: repository uri and branch are required unless setup is skipped", ErrInvalidJob)
	}
	if j.Repository.Name == "" || strings.ContainsAny(j.Repository.Name, `/\`) {
		return fmt.Errorf("%w: repository name %q is not a valid directory name", ErrInvalidJob, j.Repository.Name)
	}
	if j.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidJob)
	}
	for i, s := range j.Secondary {
		if s.Image == "" || s.Name == "" || s.Alias == "" {
			return fmt.Errorf("%w: secondary container %d needs image, name and alias", ErrInvalidJob, i)
		}
	}
	if p := j.ArtifactPath; p != "" {
		if c := path.Clean(p); path.IsAbs(c) || c == ".." || strings.HasPrefix(c, "../") {
			return fmt.Errorf("%w: artifact path %q must stay inside the checkout", ErrInvalidJob, p)
		}
	}
	return nil
}

// Status is the exit status of a build.
type Status struct {
	ExitCode int
}

// Artifact describes the optional build output left in the scratch directory.
type Artifact struct {
	Produce bool
	Name    string
	Path    string
}

// ExecutionResult is the structured result reported for every build.
type ExecutionResult struct {
	Status     Status
	Artifact   Artifact
	StartedAt  time.Time
	FinishedAt time.Time
}

// NewArtifact computes where a job's artifact lives on the host and the name
// it is persisted under. Produce is set only when the job names an artifact path.
func NewArtifact(job JobSpec, scratchDir string) Artifact {
	return Artifact{
		Produce: job.ArtifactPath != "",
		Name:    strings.Join([]string{job.Repository.Name, job.ID, filepath.Base(job.ArtifactPath)}, "_"),
		Path:    scratchDir + "/" + job.ArtifactPath,
	}
}
