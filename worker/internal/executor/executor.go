package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/darkhaniop/simple-task-api-htc/internal/schedd"
	"github.com/darkhaniop/simple-task-api-htc/worker/internal/config"
)

// Proc is one process of a submitted cluster.
type Proc struct {
	ClusterID int64
	ProcID    int
	Params    map[string]string
}

// Result describes how a proc ended. ReturnValue is meaningful only when
// TerminatedNormally is true; Signal only when it is false.
type Result struct {
	TerminatedNormally bool
	ReturnValue        int
	Signal             int
	Duration           time.Duration
	Outputs            []string
}

type Executor struct {
	cfg   config.Config
	minio *minio.Client
}

func New(cfg config.Config) (*Executor, error) {
	e := &Executor{cfg: cfg}
	if !strings.EqualFold(strings.TrimSpace(cfg.OutputBackend), "minio") {
		return e, nil
	}
	endpoint := strings.TrimSpace(cfg.MinIOEndpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required when STAPI_WORKER_OUTPUT_BACKEND=minio")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinIOAccessKey, cfg.MinIOSecretKey, ""),
		Secure: cfg.MinIOUseSSL,
	})
	if err != nil {
		return nil, err
	}
	e.minio = client
	return e, nil
}

// Run executes the proc and waits for it. The returned error covers setup
// failures only; a proc that starts and fails is reported through Result.
func (e *Executor) Run(ctx context.Context, p Proc) (Result, error) {
	executable := expandMacros(strings.TrimSpace(p.Params[schedd.ParamExecutable]), p)
	if executable == "" {
		return Result{}, errors.New("executable is required")
	}
	args, err := splitArguments(expandMacros(p.Params[schedd.ParamArguments], p))
	if err != nil {
		return Result{}, err
	}
	dir := strings.TrimSpace(p.Params[schedd.ParamInitialDir])
	if dir == "" {
		dir = filepath.Join(e.cfg.ScratchRoot, fmt.Sprintf("%d.%d", p.ClusterID, p.ProcID))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create working directory: %w", err)
	}
	if !filepath.IsAbs(executable) {
		if _, err := os.Stat(filepath.Join(dir, executable)); err == nil {
			executable = filepath.Join(dir, executable)
		}
	}

	stdoutPath := resolvePath(dir, expandMacros(p.Params[schedd.ParamOutput], p))
	stderrPath := resolvePath(dir, expandMacros(p.Params[schedd.ParamError], p))
	stdout, closeOut, err := openOutput(stdoutPath)
	if err != nil {
		return Result{}, err
	}
	defer closeOut()
	stderr := stdout
	closeErr := func() {}
	if stderrPath != stdoutPath {
		if stderr, closeErr, err = openOutput(stderrPath); err != nil {
			return Result{}, err
		}
	}
	defer closeErr()

	runCtx := ctx
	if e.cfg.ExecTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.ExecTimeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, executable, args...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(),
		"HTC_CLUSTER_ID="+strconv.FormatInt(p.ClusterID, 10),
		"HTC_PROC_ID="+strconv.Itoa(p.ProcID),
	)

	started := time.Now()
	runErr := cmd.Run()
	res := Result{Duration: time.Since(started)}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return Result{}, fmt.Errorf("start %s: %w", executable, runErr)
		}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signal = int(ws.Signal())
		} else {
			res.TerminatedNormally = true
			res.ReturnValue = exitErr.ExitCode()
		}
	} else {
		res.TerminatedNormally = true
	}

	closeOut()
	closeErr()
	res.Outputs = e.spool(ctx, p, stdoutPath, stderrPath)
	return res, nil
}

// spool uploads the output files when an object store is configured.
// Upload failures are logged and do not change the proc result.
func (e *Executor) spool(ctx context.Context, p Proc, paths ...string) []string {
	if e.minio == nil {
		return nil
	}
	bucket := strings.TrimSpace(e.cfg.MinIOBucket)
	if bucket == "" {
		bucket = "htc-outputs"
	}
	exists, err := e.minio.BucketExists(ctx, bucket)
	if err == nil && !exists {
		err = e.minio.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
	}
	if err != nil {
		log.Printf("executor spool bucket unavailable bucket=%s err=%v", bucket, err)
		return nil
	}
	var uris []string
	seen := map[string]bool{}
	for _, path := range paths {
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		object := fmt.Sprintf("%d/%d/%s", p.ClusterID, p.ProcID, filepath.Base(path))
		if _, err := e.minio.FPutObject(ctx, bucket, object, path, minio.PutObjectOptions{ContentType: "text/plain"}); err != nil {
			log.Printf("executor spool failed cluster_id=%d proc_id=%d file=%s err=%v", p.ClusterID, p.ProcID, path, err)
			continue
		}
		uris = append(uris, fmt.Sprintf("s3://%s/%s", bucket, object))
	}
	return uris
}

// expandMacros substitutes the cluster and process macros of a submit
// description value.
func expandMacros(s string, p Proc) string {
	if !strings.Contains(s, "$(") {
		return s
	}
	cluster := strconv.FormatInt(p.ClusterID, 10)
	proc := strconv.Itoa(p.ProcID)
	return strings.NewReplacer(
		"$(Cluster)", cluster,
		"$(ClusterId)", cluster,
		"$(Process)", proc,
		"$(ProcId)", proc,
	).Replace(s)
}

// splitArguments splits on whitespace. Single or double quotes group words;
// a doubled quote inside a quoted word is a literal quote.
func splitArguments(raw string) ([]string, error) {
	var (
		args   []string
		cur    strings.Builder
		inWord bool
		quote  rune
	)
	flush := func() {
		if inWord {
			args = append(args, cur.String())
			cur.Reset()
			inWord = false
		}
	}
	runes := []rune(raw)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0 && r == quote:
			if i+1 < len(runes) && runes[i+1] == quote {
				cur.WriteRune(r)
				i++
				continue
			}
			quote = 0
		case quote != 0:
			cur.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote in arguments", quote)
	}
	flush()
	return args, nil
}

func resolvePath(dir, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || path == "/dev/null" {
		return ""
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return io.Discard, func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	closed := false
	return f, func() {
		if !closed {
			closed = true
			_ = f.Close()
		}
	}, nil
}
