package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/rustyops/rustyci/pkg/messaging"
	"github.com/rustyops/rustyci/pkg/models"
	"github.com/rustyops/rustyci/pkg/template"
)

// ServerAPI is the slice of the client the executor needs. Narrowed to
// an interface so executor tests run against a recorder.
type ServerAPI interface {
	UpdateStage(ctx context.Context, pipelineID, agentID, stage string, status models.PipelineStatus) error
	Finalize(ctx context.Context, pipelineID, agentID string, status models.PipelineStatus) error
	GetJob(ctx context.Context, jobID string) (models.Job, error)
	GetProject(ctx context.Context, projectID string) (models.Project, error)
}

// Executor runs one pipeline end to end: clone, before hook, stage
// layers, after hook, log streaming, finalization.
type Executor struct {
	agentID string
	server  ServerAPI
	broker  messaging.Broker
	workdir string
}

// NewExecutor creates the executor. workdir is the parent directory
// for per-pipeline clones; empty means the OS temp directory.
func NewExecutor(agentID string, server ServerAPI, broker messaging.Broker, workdir string) *Executor {
	return &Executor{agentID: agentID, server: server, broker: broker, workdir: workdir}
}

// Execute runs the pipeline. The pipeline must already be InProgress
// and leased to this agent. Stage failures finalize the pipeline as
// Failure; only infrastructure errors are returned.
func (e *Executor) Execute(ctx context.Context, pipeline models.Pipeline) error {
	queue := messaging.LogQueue(pipeline.ID)
	if err := e.broker.CreateQueue(ctx, queue); err != nil {
		return fmt.Errorf("create log queue: %w", err)
	}
	defer e.publishEOF(ctx, queue)

	job, err := e.server.GetJob(ctx, pipeline.JobID)
	if err != nil {
		return e.fail(ctx, pipeline, models.StageBefore, err)
	}
	tmpl, err := template.Parse(job.Template)
	if err != nil {
		return e.fail(ctx, pipeline, models.StageBefore, err)
	}
	project, err := e.server.GetProject(ctx, job.ProjectID)
	if err != nil {
		return e.fail(ctx, pipeline, models.StageBefore, err)
	}

	branch := pipeline.Branch
	if branch == "" {
		branch = project.MainBranch
	}

	workdir, err := os.MkdirTemp(e.workdir, "rustyci-"+pipeline.ID+"-")
	if err != nil {
		return e.fail(ctx, pipeline, models.StageBefore, err)
	}
	defer os.RemoveAll(workdir)

	if err := e.clone(ctx, queue, project.URL, branch, workdir); err != nil {
		return e.fail(ctx, pipeline, models.StageBefore, err)
	}

	if tmpl.Before != nil {
		stage := template.Stage{
			Name:   models.StageBefore,
			Image:  tmpl.Image,
			Script: tmpl.Before.Script,
		}
		if err := e.runStage(ctx, pipeline, tmpl, stage, workdir, queue); err != nil {
			return e.finalizeFailure(ctx, pipeline)
		}
	}

	layers, err := tmpl.Layers()
	if err != nil {
		return e.fail(ctx, pipeline, models.StageBefore, err)
	}
	for _, layer := range layers {
		if !e.runLayer(ctx, pipeline, tmpl, layer, workdir, queue) {
			return e.finalizeFailure(ctx, pipeline)
		}
	}

	if tmpl.After != nil {
		stage := template.Stage{
			Name:   models.StageAfter,
			Image:  tmpl.Image,
			Script: tmpl.After.Script,
		}
		if err := e.runStage(ctx, pipeline, tmpl, stage, workdir, queue); err != nil {
			return e.finalizeFailure(ctx, pipeline)
		}
	} else {
		e.updateStage(ctx, pipeline, models.StageAfter, models.StatusSuccess)
	}

	if err := e.server.Finalize(ctx, pipeline.ID, e.agentID, models.StatusSuccess); err != nil {
		return err
	}
	slog.Info("Pipeline finished", "pipeline_id", pipeline.ID, "status", models.StatusSuccess)
	return nil
}

// runLayer runs one layer's stages concurrently and reports whether
// every stage succeeded. All stages run to completion before failure
// is decided.
func (e *Executor) runLayer(ctx context.Context, pipeline models.Pipeline, tmpl *template.PipelineTemplate, layer []template.Stage, workdir, queue string) bool {
	results := make([]error, len(layer))
	var wg sync.WaitGroup
	wg.Add(len(layer))
	for i, stage := range layer {
		go func(i int, stage template.Stage) {
			defer wg.Done()
			results[i] = e.runStage(ctx, pipeline, tmpl, stage, workdir, queue)
		}(i, stage)
	}
	wg.Wait()

	for _, err := range results {
		if err != nil {
			return false
		}
	}
	return true
}

// runStage runs every command of one stage, streaming output to the
// log queue and reporting the stage status to the server.
func (e *Executor) runStage(ctx context.Context, pipeline models.Pipeline, tmpl *template.PipelineTemplate, stage template.Stage, workdir, queue string) error {
	e.updateStage(ctx, pipeline, stage.Name, models.StatusInProgress)

	image := stage.Image
	if image == "" {
		image = tmpl.Image
	}
	env := mergeEnv(os.Environ(), tmpl.Env, stage.Env)

	for n, command := range stage.Script {
		cmd := e.buildCommand(ctx, pipeline.ID, stage.Name, n, command, image, workdir, env)
		if err := e.streamCommand(ctx, cmd, stage.Name, queue); err != nil {
			slog.Warn("Stage command failed",
				"pipeline_id", pipeline.ID, "stage", stage.Name, "error", err)
			e.updateStage(ctx, pipeline, stage.Name, models.StatusFailure)
			return err
		}
	}

	e.updateStage(ctx, pipeline, stage.Name, models.StatusSuccess)
	return nil
}

// buildCommand prepares one command: plain `sh -c` in the workdir, or
// a docker run when an image is set.
func (e *Executor) buildCommand(ctx context.Context, pipelineID, stage string, n int, command, image, workdir string, env []string) *exec.Cmd {
	if image == "" {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = workdir
		cmd.Env = env
		return cmd
	}

	name := fmt.Sprintf("rustyci-%s-%s-%d", pipelineID, stage, n)
	args := []string{
		"run", "--rm", "--name", name,
		"-v", workdir + ":/workdir", "-w", "/workdir",
	}
	for _, kv := range env {
		args = append(args, "-e", kv)
	}
	args = append(args, image, "sh", "-c", command)

	cmd := exec.CommandContext(ctx, "docker", args...)
	// The named container survives a killed CLI; remove it on the way
	// out regardless of how the command ended.
	cmd.Cancel = func() error {
		_ = exec.Command("docker", "rm", "-f", name).Run()
		return cmd.Process.Kill()
	}
	return cmd
}

// streamCommand runs the command, publishing every stdout and stderr
// line as a log message. A non-zero exit is the returned error.
func (e *Executor) streamCommand(ctx context.Context, cmd *exec.Cmd, stage, queue string) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	for _, pipe := range []io.Reader{stdout, stderr} {
		go func(pipe io.Reader) {
			defer wg.Done()
			scanner := bufio.NewScanner(pipe)
			for scanner.Scan() {
				e.publishLine(ctx, queue, stage, scanner.Text())
			}
		}(pipe)
	}
	wg.Wait()
	return cmd.Wait()
}

// clone checks the project out at the requested branch. Clone output
// is streamed under the before stage.
func (e *Executor) clone(ctx context.Context, queue, url, branch, workdir string) error {
	cmd := exec.CommandContext(ctx, "git", "clone", "--branch", branch, "--single-branch", url, workdir)
	return e.streamCommand(ctx, cmd, models.StageBefore, queue)
}

// fail marks the given stage failed and finalizes the pipeline. The
// original error is returned for the caller's log.
func (e *Executor) fail(ctx context.Context, pipeline models.Pipeline, stage string, cause error) error {
	e.updateStage(ctx, pipeline, stage, models.StatusFailure)
	if err := e.finalizeFailure(ctx, pipeline); err != nil {
		return err
	}
	return cause
}

func (e *Executor) finalizeFailure(ctx context.Context, pipeline models.Pipeline) error {
	if err := e.server.Finalize(ctx, pipeline.ID, e.agentID, models.StatusFailure); err != nil {
		return err
	}
	slog.Info("Pipeline finished", "pipeline_id", pipeline.ID, "status", models.StatusFailure)
	return nil
}

func (e *Executor) updateStage(ctx context.Context, pipeline models.Pipeline, stage string, status models.PipelineStatus) {
	if err := e.server.UpdateStage(ctx, pipeline.ID, e.agentID, stage, status); err != nil {
		slog.Warn("Stage status update failed",
			"pipeline_id", pipeline.ID, "stage", stage, "error", err)
	}
}

func (e *Executor) publishLine(ctx context.Context, queue, stage, line string) {
	msg, err := json.Marshal(models.LogLine{Stage: stage, Line: line})
	if err != nil {
		return
	}
	if err := e.broker.Publish(ctx, queue, msg); err != nil {
		slog.Warn("Log publish failed", "queue", queue, "error", err)
	}
}

func (e *Executor) publishEOF(ctx context.Context, queue string) {
	if err := e.broker.Publish(ctx, queue, []byte(messaging.EOF)); err != nil {
		slog.Warn("EOF publish failed", "queue", queue, "error", err)
	}
}

// mergeEnv layers the template env then the stage env over the base
// process environment. Later maps win; output is sorted for stable
// command lines.
func mergeEnv(base []string, overlays ...map[string]string) []string {
	merged := make(map[string]string, len(base))
	for _, kv := range base {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				merged[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for _, overlay := range overlays {
		for k, v := range overlay {
			merged[k] = v
		}
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
