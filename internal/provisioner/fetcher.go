package provisioner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
)

// Fetcher shallow-clones a git URI into a temporary directory and archives
// its HEAD to a tar stream.
type Fetcher struct {
	logger *slog.Logger
}

// NewFetcher constructs a Fetcher.
func NewFetcher(logger *slog.Logger) *Fetcher {
	return &Fetcher{logger: logger}
}

// Fetch clones uri at depth 1 on its default branch, archives HEAD to a tar
// file, and returns a single-pass stream of that file's contents. The
// returned ReadCloser removes every temporary path it created on Close,
// regardless of whether the stream was fully consumed. Every clone/archive
// output line is forwarded on events as a GitCloneLine, if events is
// non-nil.
func (f *Fetcher) Fetch(ctx context.Context, uri string, events chan<- Event) (io.ReadCloser, error) {
	workDir, err := os.MkdirTemp("", "haas-fetch-*")
	if err != nil {
		return nil, fmt.Errorf("git clone failed: failed to create temp dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(workDir) }

	branch, err := f.resolveHEAD(ctx, uri)
	if err != nil {
		f.logger.Warn("failed to resolve default branch, falling back to remote default", "uri", uri, "error", err)
		branch = ""
	}

	cloneDir := filepath.Join(workDir, "repo")
	if err := f.runGit(ctx, "", events, cloneArgs(uri, cloneDir, branch)...); err != nil {
		cleanup()
		return nil, fmt.Errorf("git clone failed: %w", err)
	}

	archivePath := filepath.Join(workDir, "repo.tar")
	if err := f.runGit(ctx, cloneDir, events, "archive", "-o", archivePath, "HEAD"); err != nil {
		cleanup()
		return nil, fmt.Errorf("git clone failed: archive failed: %w", err)
	}

	file, err := os.Open(archivePath)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("git clone failed: failed to open archive: %w", err)
	}

	return &cleanupReadCloser{ReadCloser: file, cleanup: cleanup}, nil
}

func cloneArgs(uri, dir, branch string) []string {
	args := []string{"clone", "--depth=1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	return append(args, uri, dir)
}

// resolveHEAD performs a lightweight remote listing (no clone) to find the
// symbolic HEAD ref, so the subsequent subprocess clone can pin a branch
// explicitly instead of relying on each git host's own default-branch
// negotiation.
func (f *Fetcher) resolveHEAD(ctx context.Context, uri string) (string, error) {
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{uri},
	})

	refs, err := remote.List(&git.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to list remote refs: %w", err)
	}

	for _, ref := range refs {
		if ref.Name() == plumbing.HEAD && ref.Type() == plumbing.SymbolicReference {
			return ref.Target().Short(), nil
		}
	}
	for _, ref := range refs {
		if ref.Name() == plumbing.HEAD {
			for _, candidate := range refs {
				if candidate.Name().IsBranch() && candidate.Hash() == ref.Hash() {
					return candidate.Name().Short(), nil
				}
			}
		}
	}
	return "", fmt.Errorf("could not determine HEAD for %s", uri)
}

// runGit executes git with args in dir, streaming stdout/stderr as
// GitCloneLine events.
func (f *Fetcher) runGit(ctx context.Context, dir string, events chan<- Event, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start git %v: %w", args, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go f.streamLines(stdout, events, &wg)
	go f.streamLines(stderr, events, &wg)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("git %v: %w", args, err)
	}
	return nil
}

func (f *Fetcher) streamLines(r io.Reader, events chan<- Event, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		f.logger.Debug("git output", "line", line)
		if events != nil {
			events <- GitCloneLine(line)
		}
	}
}

// cleanupReadCloser deletes its backing temporary directory once closed,
// regardless of how much of the stream the caller consumed.
type cleanupReadCloser struct {
	io.ReadCloser
	cleanup func()
	once    sync.Once
}

func (c *cleanupReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(c.cleanup)
	return err
}
