package main

import (
	"context"
	"fmt"

	"dagger.io/dagger"
	"github.com/sirupsen/logrus"
)

// VerificationResult is the outcome of re-running an external analyzer
// against a patched file. Inconclusive is set (with Passed left false) when
// the verifier itself could not run, so a missing analyzer binary never
// turns into a reported regression.
type VerificationResult struct {
	Passed       bool   `json:"passed"`
	Inconclusive bool   `json:"inconclusive"`
	Summary      string `json:"summary"`
}

// VerificationRunner is the interface a post-fix verification subsystem
// implements: given the result of one applied patch, decide whether the
// defect it addressed (and nothing new) is still flagged.
type VerificationRunner interface {
	Verify(ctx context.Context, patch *PatchApplicationResult) (VerificationResult, error)
}

// DaggerVerificationRunner re-runs a named external analyzer binary inside
// a Dagger container against each file an applied patch touched. Grounded
// on the teacher's container-based test runner: the container is
// ephemeral, the binary is mounted from the host, and a missing binary is
// treated as inconclusive rather than fatal.
type DaggerVerificationRunner struct {
	logger        logrus.FieldLogger
	client        *dagger.Client
	analyzerImage string
	analyzerBin   string
	workspaceRoot string
}

// NewDaggerVerificationRunner builds a DaggerVerificationRunner. client may
// be nil in environments with no Dagger engine available, in which case
// Verify always returns an inconclusive result.
func NewDaggerVerificationRunner(logger logrus.FieldLogger, client *dagger.Client, analyzerImage, analyzerBin, workspaceRoot string) *DaggerVerificationRunner {
	return &DaggerVerificationRunner{
		logger:        logger,
		client:        client,
		analyzerImage: analyzerImage,
		analyzerBin:   analyzerBin,
		workspaceRoot: workspaceRoot,
	}
}

// Verify mounts the workspace into a container built from analyzerImage
// and runs analyzerBin against each applied file, reporting Inconclusive
// if the container client is unavailable or the run itself errors.
func (v *DaggerVerificationRunner) Verify(ctx context.Context, patch *PatchApplicationResult) (VerificationResult, error) {
	if v.client == nil {
		return VerificationResult{Inconclusive: true, Summary: "no dagger engine available"}, nil
	}
	if len(patch.AppliedChanges) == 0 {
		return VerificationResult{Inconclusive: true, Summary: "no applied changes to verify"}, nil
	}

	src := v.client.Host().Directory(v.workspaceRoot)
	container := v.client.Container().
		From(v.analyzerImage).
		WithMountedDirectory("/workspace", src).
		WithWorkdir("/workspace")

	for _, change := range patch.AppliedChanges {
		container = container.WithExec([]string{v.analyzerBin, change.FilePath})
	}

	_, err := container.Stdout(ctx)
	if err != nil {
		v.logger.WithError(err).Warn("verification container failed, treating as inconclusive")
		return VerificationResult{Inconclusive: true, Summary: fmt.Sprintf("verification run failed: %v", err)}, nil
	}

	return VerificationResult{Passed: true, Summary: "re-analysis reported no findings on patched files"}, nil
}
