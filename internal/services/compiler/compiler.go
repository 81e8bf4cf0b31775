// Package compiler builds the escrow contract for one dealer/customer pair
// with the external Tact toolchain.
package compiler

import (
	"bytes"
	"context"
	"embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	apperrors "github.com/apsl-space/apsl/internal/platform/errors"
	"github.com/apsl-space/apsl/internal/platform/logging"
	"github.com/apsl-space/apsl/internal/platform/metrics"
	"github.com/apsl-space/apsl/internal/platform/timeouts"
)

const (
	// DefaultOwnerAddress receives the platform fee when a deal closes.
	DefaultOwnerAddress = "UQCvpZAXC3sFrBY9yJ3rNXtEBvgF9mgwZLtlHIPwr4g_4-OR"
	// DefaultBuildCommand runs the Tact compiler from the project directory.
	DefaultBuildCommand = "yarn tact"
	// DefaultInitCommand runs the init script that prints the state init.
	DefaultInitCommand = "yarn --silent ts-node"
	// DefaultMaxConcurrent bounds parallel builds.
	DefaultMaxConcurrent = 2

	sourcesDirName   = "sources"
	contractFileName = "contract.tact"
	configFileName   = "tact.config.json"
	initFileName     = "init.ts"
)

//go:embed templates
var templateFS embed.FS

var contractTemplate = template.Must(
	template.New("contract.tact.tmpl").Option("missingkey=error").ParseFS(templateFS, "templates/contract.tact.tmpl"),
)

// Config configures a Compiler.
type Config struct {
	// ProjectDir holds package.json and node_modules for the toolchain.
	ProjectDir    string
	BuildCommand  string
	InitCommand   string
	OwnerAddress  string
	Timeout       time.Duration
	MaxConcurrent int64
	Runner        Runner
	Logger        *zap.Logger
	Metrics       *metrics.Registry
}

// Artifact is the compiled contract state init, each cell as base64 BOC.
type Artifact struct {
	Code string `json:"code"`
	Data string `json:"data"`
}

// Compiler renders, builds and initializes escrow contracts.
type Compiler struct {
	projectDir string
	build      []string
	init       []string
	owner      string
	timeout    time.Duration
	sem        *semaphore.Weighted
	runner     Runner
	logger     *zap.Logger
	metrics    *metrics.Registry
	now        func() time.Time
}

// New validates cfg and returns a Compiler.
func New(cfg Config) (*Compiler, error) {
	projectDir := strings.TrimSpace(cfg.ProjectDir)
	if projectDir == "" {
		return nil, errors.New("compiler project dir is required")
	}
	absProject, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolve compiler project dir: %w", err)
	}
	info, err := os.Stat(absProject)
	if err != nil {
		return nil, fmt.Errorf("stat compiler project dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("compiler project dir %q is not a directory", absProject)
	}

	buildLine := cfg.BuildCommand
	if strings.TrimSpace(buildLine) == "" {
		buildLine = DefaultBuildCommand
	}
	initLine := cfg.InitCommand
	if strings.TrimSpace(initLine) == "" {
		initLine = DefaultInitCommand
	}
	owner := cfg.OwnerAddress
	if strings.TrimSpace(owner) == "" {
		owner = DefaultOwnerAddress
	}
	owner, err = ValidateAddress("owner", owner)
	if err != nil {
		return nil, fmt.Errorf("compiler owner address: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = timeouts.Compile
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	runner := cfg.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	return &Compiler{
		projectDir: absProject,
		build:      splitCommand(buildLine),
		init:       splitCommand(initLine),
		owner:      owner,
		timeout:    timeout,
		sem:        semaphore.NewWeighted(maxConcurrent),
		runner:     runner,
		logger:     logging.OrNop(cfg.Logger),
		metrics:    cfg.Metrics,
		now:        time.Now,
	}, nil
}

// Compile builds the escrow contract for dealer and customer.
func (c *Compiler) Compile(ctx context.Context, dealer, customer string) (Artifact, error) {
	if strings.TrimSpace(dealer) == "" || strings.TrimSpace(customer) == "" {
		return Artifact{}, apperrors.New(apperrors.CodeInvalidArgument, "Missing required fields")
	}
	dealer, err := ValidateAddress("dealer", dealer)
	if err != nil {
		return Artifact{}, err
	}
	customer, err = ValidateAddress("customer", customer)
	if err != nil {
		return Artifact{}, err
	}

	if !c.sem.TryAcquire(1) {
		c.metrics.ContractCompiled("busy", 0)
		return Artifact{}, apperrors.New(apperrors.CodeContractBusy, "Compiler is busy, try again later")
	}
	defer c.sem.Release(1)

	started := c.now()
	artifact, err := c.compile(ctx, dealer, customer)
	elapsed := c.now().Sub(started).Seconds()
	if err != nil {
		c.metrics.ContractCompiled(resultLabel(err), elapsed)
		return Artifact{}, err
	}
	c.metrics.ContractCompiled("ok", elapsed)
	c.logger.Info("contract compiled",
		zap.String("dealer", dealer),
		zap.String("customer", customer),
		zap.Float64("seconds", elapsed),
	)
	return artifact, nil
}

func (c *Compiler) compile(ctx context.Context, dealer, customer string) (Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	workDir, err := c.prepare(dealer, customer)
	if err != nil {
		return Artifact{}, apperrors.Wrap(apperrors.CodeContractBuildFailed, "Compilation failed", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			c.logger.Warn("remove contract work dir", zap.String("dir", workDir), zap.Error(err))
		}
	}()

	relWork, err := filepath.Rel(c.projectDir, workDir)
	if err != nil {
		return Artifact{}, apperrors.Wrap(apperrors.CodeContractBuildFailed, "Compilation failed", err)
	}

	build := c.command(c.build, "--config", filepath.Join(relWork, configFileName))
	if res, err := c.runner.Run(ctx, build); err != nil {
		c.logger.Error("contract build failed",
			zap.String("command", build.String()),
			zap.ByteString("stderr", tail(res.Stderr)),
			zap.Error(err),
		)
		return Artifact{}, apperrors.Wrap(apperrors.CodeContractBuildFailed, "Compilation failed", err)
	}

	initCmd := c.command(c.init, filepath.Join(relWork, initFileName))
	res, err := c.runner.Run(ctx, initCmd)
	if err != nil {
		c.logger.Error("contract init failed",
			zap.String("command", initCmd.String()),
			zap.ByteString("stderr", tail(res.Stderr)),
			zap.Error(err),
		)
		return Artifact{}, apperrors.Wrap(apperrors.CodeContractOutputInvalid, "Failed to import module", err)
	}
	artifact, err := parseArtifact(res.Stdout)
	if err != nil {
		c.logger.Error("contract init output unreadable", zap.ByteString("stdout", tail(res.Stdout)), zap.Error(err))
		return Artifact{}, apperrors.Wrap(apperrors.CodeContractOutputInvalid, "Failed to import module", err)
	}
	return artifact, nil
}

// prepare creates a private work directory holding the rendered contract,
// its toolchain config and the init script.
func (c *Compiler) prepare(dealer, customer string) (string, error) {
	sources := filepath.Join(c.projectDir, sourcesDirName)
	if err := os.MkdirAll(sources, 0o755); err != nil {
		return "", fmt.Errorf("create sources dir: %w", err)
	}
	workDir, err := os.MkdirTemp(sources, "build-")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}

	var contract bytes.Buffer
	err = contractTemplate.Execute(&contract, struct {
		Owner, Dealer, Customer string
	}{Owner: c.owner, Dealer: dealer, Customer: customer})
	if err != nil {
		_ = os.RemoveAll(workDir)
		return "", fmt.Errorf("render contract: %w", err)
	}

	files := map[string][]byte{contractFileName: contract.Bytes()}
	for _, name := range []string{configFileName, initFileName} {
		data, err := templateFS.ReadFile("templates/" + name)
		if err != nil {
			_ = os.RemoveAll(workDir)
			return "", fmt.Errorf("read %s: %w", name, err)
		}
		files[name] = data
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(workDir, name), data, 0o644); err != nil {
			_ = os.RemoveAll(workDir)
			return "", fmt.Errorf("write %s: %w", name, err)
		}
	}
	return workDir, nil
}

func (c *Compiler) command(argv []string, extra ...string) Command {
	args := append(append([]string{}, argv[1:]...), extra...)
	return Command{Dir: c.projectDir, Name: argv[0], Args: args}
}

// parseArtifact reads the last JSON line of the init script output. Package
// managers may print banners before it.
func parseArtifact(stdout []byte) (Artifact, error) {
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var artifact Artifact
		if err := json.Unmarshal([]byte(line), &artifact); err != nil {
			return Artifact{}, fmt.Errorf("decode init output: %w", err)
		}
		for name, value := range map[string]string{"code": artifact.Code, "data": artifact.Data} {
			if value == "" {
				return Artifact{}, fmt.Errorf("init output missing %s", name)
			}
			if _, err := base64.StdEncoding.DecodeString(value); err != nil {
				return Artifact{}, fmt.Errorf("init output %s is not base64: %w", name, err)
			}
		}
		return artifact, nil
	}
	return Artifact{}, errors.New("init output has no JSON line")
}

func resultLabel(err error) string {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeContractBuildFailed:
		if errors.Is(err, context.DeadlineExceeded) {
			return "timeout"
		}
		return "build_failed"
	case apperrors.CodeContractOutputInvalid:
		if errors.Is(err, context.DeadlineExceeded) {
			return "timeout"
		}
		return "init_failed"
	default:
		return "error"
	}
}

const maxLoggedOutput = 4 << 10

func tail(out []byte) []byte {
	if len(out) <= maxLoggedOutput {
		return out
	}
	return out[len(out)-maxLoggedOutput:]
}
