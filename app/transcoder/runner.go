package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"vod-transcoder/app/metrics"
)

// ErrProcessTimeout 外部进程超过了自身的超时时间
var ErrProcessTimeout = errors.New("外部进程超时")

// Runner 执行外部命令。args 为独立参数列表，不经过 shell。
// onStderr 按行（\r 或 \n 分隔）接收标准错误输出，可为 nil。
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args []string, onStderr func(line string)) ([]byte, error)
}

// ExecRunner 基于 os/exec 的 Runner
type ExecRunner struct{}

// Run 启动进程并等待结束，超时与非零退出码都以 error 返回
func (ExecRunner) Run(ctx context.Context, timeout time.Duration, name string, args []string, onStderr func(line string)) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	binary := filepath.Base(name)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = 5 * time.Second

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("创建 %s stderr 管道失败: %w", binary, err)
	}

	if err := cmd.Start(); err != nil {
		metrics.FFmpegRunsTotal.WithLabelValues(binary, "start_error").Inc()
		return nil, fmt.Errorf("启动 %s 失败: %w", binary, err)
	}

	tail := newTailLines(12)
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(scanLinesCR)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		tail.add(line)
		if onStderr != nil {
			onStderr(line)
		}
	}

	err = cmd.Wait()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		metrics.FFmpegRunsTotal.WithLabelValues(binary, "timeout").Inc()
		return stdout.Bytes(), fmt.Errorf("%s 超过 %s: %w", binary, timeout, ErrProcessTimeout)
	}
	if err != nil {
		metrics.FFmpegRunsTotal.WithLabelValues(binary, "error").Inc()
		return stdout.Bytes(), fmt.Errorf("%s 执行失败: %w: %s", binary, err, tail.String())
	}

	metrics.FFmpegRunsTotal.WithLabelValues(binary, "ok").Inc()
	return stdout.Bytes(), nil
}

// scanLinesCR 同时以 \r 和 \n 分行，ffmpeg 的进度行以 \r 结尾
func scanLinesCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, bytes.TrimSpace(data[:i]), nil
	}
	if atEOF {
		return len(data), bytes.TrimSpace(data), nil
	}
	return 0, nil, nil
}

// tailLines 保留最后 n 行 stderr，用于错误信息
type tailLines struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newTailLines(n int) *tailLines {
	return &tailLines{n: n}
}

func (t *tailLines) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tailLines) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, " | ")
}
