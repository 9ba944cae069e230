// Package docker implements sandbox.Client on the Docker Engine API.
//
// Each sandbox is a labeled container started from a template image whose
// entrypoint runs the project dev server. Commands execute via docker exec;
// file I/O goes through tar copy; preview hosts resolve from published port
// bindings. A background reaper tears down sandboxes whose idle deadline has
// passed.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siteloom/siteloom/sandbox"
)

const (
	workDir         = "/home/user"
	stopTimeoutSecs = 10

	// Resource limits per sandbox.
	memoryLimitBytes = 2 * 1024 * 1024 * 1024 // 2GB
	cpuQuota         = 200000                 // 2 CPUs
	pidsLimit        = 512

	reapInterval = time.Minute

	labelSandbox = "siteloom.sandbox"
)

// Config controls the Docker sandbox client.
type Config struct {
	// DefaultTemplate is the image used when Acquire is called with an
	// empty template name.
	DefaultTemplate string

	// PublicHost is the hostname preview URLs resolve to. Defaults to
	// "localhost" (published container ports on the local engine).
	PublicHost string

	// IdleTimeout is the initial lifetime reserved at acquisition.
	IdleTimeout time.Duration
}

// Client implements sandbox.Client using the Docker Engine API.
type Client struct {
	cli *client.Client
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	deadlines map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Docker-backed sandbox client.
func New(cfg Config, log *zap.Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if cfg.PublicHost == "" {
		cfg.PublicHost = "localhost"
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &Client{
		cli:       cli,
		cfg:       cfg,
		log:       log,
		deadlines: make(map[string]time.Time),
	}, nil
}

// Start launches the idle reaper. Call Stop to shut down.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reapExpired(ctx)
	}()
}

// Stop cancels the reaper and waits for it to finish.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Acquire provisions a new sandbox container from the template image.
func (c *Client) Acquire(ctx context.Context, template string) (string, error) {
	image := template
	if image == "" {
		image = c.cfg.DefaultTemplate
	}

	name := fmt.Sprintf("siteloom-%s", uuid.New().String()[:8])

	config := &container.Config{
		Image:      image,
		WorkingDir: workDir,
		Labels:     map[string]string{labelSandbox: "true"},
		ExposedPorts: nat.PortSet{
			"3000/tcp": struct{}{},
		},
	}
	hostConfig := &container.HostConfig{
		PublishAllPorts: true,
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create sandbox container: %w", err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			c.log.Warn("failed to remove container after start failure",
				zap.String("container_id", resp.ID), zap.Error(removeErr))
		}
		return "", fmt.Errorf("start sandbox container %s: %w", resp.ID, err)
	}

	c.mu.Lock()
	c.deadlines[resp.ID] = time.Now().Add(c.cfg.IdleTimeout)
	c.mu.Unlock()

	c.log.Info("sandbox acquired",
		zap.String("sandbox_id", resp.ID), zap.String("image", image))
	return resp.ID, nil
}

// ExtendTimeout pushes the sandbox's idle deadline out by d from now.
func (c *Client) ExtendTimeout(_ context.Context, sandboxID string, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.deadlines[sandboxID]; !ok {
		return fmt.Errorf("sandbox %s not tracked", sandboxID)
	}
	c.deadlines[sandboxID] = time.Now().Add(d)
	return nil
}

// RunCommand executes a shell command inside the sandbox via docker exec.
func (c *Client) RunCommand(ctx context.Context, sandboxID, command string, opts sandbox.CommandOptions) (*sandbox.CommandResult, error) {
	execResp, err := c.cli.ContainerExecCreate(ctx, sandboxID, container.ExecOptions{
		Cmd:          []string{"sh", "-lc", command},
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return &sandbox.CommandResult{ExitCode: -1}, fmt.Errorf("create exec: %w", err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return &sandbox.CommandResult{ExitCode: -1}, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	stdout := &callbackWriter{fn: opts.OnStdout}
	stderr := &callbackWriter{fn: opts.OnStderr}
	_, copyErr := stdcopy.StdCopy(stdout, stderr, attach.Reader)

	result := &sandbox.CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if copyErr != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("read exec output: %w", copyErr)
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("inspect exec: %w", err)
	}
	result.ExitCode = inspect.ExitCode
	if inspect.ExitCode != 0 {
		return result, fmt.Errorf("command exited with code %d", inspect.ExitCode)
	}
	return result, nil
}

// WriteFile writes content to path inside the sandbox via tar copy.
func (c *Client) WriteFile(ctx context.Context, sandboxID, filePath, content string) error {
	rel := strings.TrimPrefix(filePath, "/")

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	// Emit directory entries so nested paths extract cleanly.
	var dirs []string
	for dir := path.Dir(rel); dir != "." && dir != "/"; dir = path.Dir(dir) {
		dirs = append([]string{dir}, dirs...)
	}
	for _, dir := range dirs {
		if err := tw.WriteHeader(&tar.Header{
			Name:     dir + "/",
			Typeflag: tar.TypeDir,
			Mode:     0o755,
		}); err != nil {
			return fmt.Errorf("write tar dir header: %w", err)
		}
	}

	if err := tw.WriteHeader(&tar.Header{
		Name: rel,
		Mode: 0o644,
		Size: int64(len(content)),
	}); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return fmt.Errorf("write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}

	dst := workDir
	if strings.HasPrefix(filePath, "/") {
		dst = "/"
	}
	if err := c.cli.CopyToContainer(ctx, sandboxID, dst, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy %s to sandbox: %w", filePath, err)
	}
	return nil
}

// ReadFile returns the content of path inside the sandbox.
func (c *Client) ReadFile(ctx context.Context, sandboxID, filePath string) (string, error) {
	src := filePath
	if !strings.HasPrefix(src, "/") {
		src = path.Join(workDir, src)
	}

	reader, _, err := c.cli.CopyFromContainer(ctx, sandboxID, src)
	if err != nil {
		return "", fmt.Errorf("copy %s from sandbox: %w", filePath, err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return "", fmt.Errorf("file %s not found in archive", filePath)
		}
		if err != nil {
			return "", fmt.Errorf("read archive for %s: %w", filePath, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", filePath, err)
		}
		return string(content), nil
	}
}

// ResolveHost returns "host:port" for a port published by the sandbox.
func (c *Client) ResolveHost(ctx context.Context, sandboxID string, port int) (string, error) {
	inspect, err := c.cli.ContainerInspect(ctx, sandboxID)
	if err != nil {
		return "", fmt.Errorf("inspect sandbox: %w", err)
	}

	portKey := nat.Port(fmt.Sprintf("%d/tcp", port))
	bindings := inspect.NetworkSettings.Ports[portKey]
	if len(bindings) == 0 {
		return "", fmt.Errorf("port %d not published by sandbox %s", port, sandboxID)
	}

	return fmt.Sprintf("%s:%s", c.cfg.PublicHost, bindings[0].HostPort), nil
}

// Release stops and removes the sandbox container. Idempotent.
func (c *Client) Release(ctx context.Context, sandboxID string) error {
	c.mu.Lock()
	delete(c.deadlines, sandboxID)
	c.mu.Unlock()

	timeout := stopTimeoutSecs
	if err := c.cli.ContainerStop(ctx, sandboxID, container.StopOptions{Timeout: &timeout}); err != nil {
		if !errdefs.IsNotFound(err) {
			c.log.Debug("sandbox stop returned error, continuing to remove",
				zap.String("sandbox_id", sandboxID), zap.Error(err))
		}
	}

	if err := c.cli.ContainerRemove(ctx, sandboxID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return fmt.Errorf("remove sandbox %s: %w", sandboxID, err)
	}

	c.log.Info("sandbox released", zap.String("sandbox_id", sandboxID))
	return nil
}

// reapExpired tears down sandboxes whose idle deadline has passed.
func (c *Client) reapExpired(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			var expired []string
			for id, deadline := range c.deadlines {
				if now.After(deadline) {
					expired = append(expired, id)
				}
			}
			c.mu.Unlock()

			for _, id := range expired {
				c.log.Info("reaping expired sandbox", zap.String("sandbox_id", id))
				if err := c.Release(ctx, id); err != nil {
					c.log.Warn("failed to reap sandbox",
						zap.String("sandbox_id", id), zap.Error(err))
				}
			}
		}
	}
}

// callbackWriter buffers output and forwards chunks to an optional callback.
type callbackWriter struct {
	buf bytes.Buffer
	fn  func(string)
}

func (w *callbackWriter) Write(p []byte) (int, error) {
	if w.fn != nil {
		w.fn(string(p))
	}
	return w.buf.Write(p)
}

func (w *callbackWriter) String() string { return w.buf.String() }

func ptr[T any](v T) *T { return &v }
