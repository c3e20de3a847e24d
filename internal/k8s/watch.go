package k8s

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
)

// JobWatcher watches a step Job and reports status changes and logs.
type JobWatcher struct {
	client     *Client
	jobName    string
	onLog      func(line string)
	onStatus   func(status *JobStatus)
	onComplete func(exitCode int, timedOut bool, err error)
}

// WatchConfig holds configuration for job watching.
type WatchConfig struct {
	// OnLog is called for each log line
	OnLog func(line string)

	// OnStatus is called on status changes
	OnStatus func(status *JobStatus)

	// OnComplete is called when the job finishes. exitCode is taken from
	// the step container's terminated state when available.
	OnComplete func(exitCode int, timedOut bool, err error)
}

// NewJobWatcher creates a new watcher for a job.
func NewJobWatcher(client *Client, jobName string, cfg *WatchConfig) *JobWatcher {
	w := &JobWatcher{
		client:  client,
		jobName: jobName,
	}
	if cfg != nil {
		w.onLog = cfg.OnLog
		w.onStatus = cfg.OnStatus
		w.onComplete = cfg.OnComplete
	}
	return w
}

// Watch starts watching the job until completion or context cancellation.
func (w *JobWatcher) Watch(ctx context.Context) error {
	go w.watchJob(ctx)
	go w.streamLogs(ctx)

	<-ctx.Done()
	return ctx.Err()
}

// watchJob watches the Job resource for status changes.
func (w *JobWatcher) watchJob(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		watcher, err := w.client.clientset.BatchV1().Jobs(w.client.namespace).Watch(ctx, metav1.ListOptions{
			FieldSelector: fmt.Sprintf("metadata.name=%s", w.jobName),
		})
		if err != nil {
			slog.Warn("watch job failed", slog.String("job", w.jobName), slog.Any("error", err))
			time.Sleep(time.Second)
			continue
		}

		for event := range watcher.ResultChan() {
			select {
			case <-ctx.Done():
				watcher.Stop()
				return
			default:
			}

			if event.Type == watch.Error {
				continue
			}

			job, ok := event.Object.(*batchv1.Job)
			if !ok {
				continue
			}

			status := GetJobStatus(job)
			if w.onStatus != nil {
				w.onStatus(status)
			}

			switch status.Phase {
			case "succeeded":
				w.complete(ctx, 0, false)
				watcher.Stop()
				return
			case "failed":
				code := w.terminatedExitCode(ctx)
				if code == 0 {
					code = 1
				}
				w.complete(ctx, code, false)
				watcher.Stop()
				return
			case "timeout":
				w.complete(ctx, 124, true)
				watcher.Stop()
				return
			}
		}
	}
}

func (w *JobWatcher) complete(ctx context.Context, exitCode int, timedOut bool) {
	if w.onComplete != nil {
		w.onComplete(exitCode, timedOut, nil)
	}
}

// terminatedExitCode reads the step container's exit code from the pod.
// Needed to distinguish accepted nonzero exits from real failures.
func (w *JobWatcher) terminatedExitCode(ctx context.Context) int {
	pods, err := w.client.ListPods(ctx, fmt.Sprintf("job-name=%s", w.jobName))
	if err != nil || len(pods.Items) == 0 {
		return 1
	}
	for _, cs := range pods.Items[0].Status.ContainerStatuses {
		if cs.Name == StepContainerName && cs.State.Terminated != nil {
			return int(cs.State.Terminated.ExitCode)
		}
	}
	return 1
}

// streamLogs streams logs from the job's pod.
func (w *JobWatcher) streamLogs(ctx context.Context) {
	podName, err := w.waitForPod(ctx)
	if err != nil {
		return
	}

	if err := w.waitForContainer(ctx, podName); err != nil {
		return
	}

	if err := w.followPodLogs(ctx, podName); err != nil && ctx.Err() == nil {
		slog.Warn("follow pod logs failed", slog.String("pod", podName), slog.Any("error", err))
	}
}

// waitForPod waits for a pod to be created for the job.
func (w *JobWatcher) waitForPod(ctx context.Context) (string, error) {
	labelSelector := fmt.Sprintf("job-name=%s", w.jobName)

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
		}

		pods, err := w.client.ListPods(ctx, labelSelector)
		if err != nil {
			continue
		}

		if len(pods.Items) > 0 {
			return pods.Items[0].Name, nil
		}
	}
}

// waitForContainer waits for the step container to be running.
func (w *JobWatcher) waitForContainer(ctx context.Context, podName string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}

		pod, err := w.client.GetPod(ctx, podName)
		if err != nil {
			continue
		}

		for _, cs := range pod.Status.ContainerStatuses {
			if cs.Name == StepContainerName {
				if cs.State.Running != nil || cs.State.Terminated != nil {
					return nil
				}
			}
		}

		if pod.Status.Phase == corev1.PodRunning ||
			pod.Status.Phase == corev1.PodSucceeded ||
			pod.Status.Phase == corev1.PodFailed {
			return nil
		}
	}
}

// followPodLogs streams logs from the pod.
func (w *JobWatcher) followPodLogs(ctx context.Context, podName string) error {
	req := w.client.clientset.CoreV1().Pods(w.client.namespace).GetLogs(podName, &corev1.PodLogOptions{
		Container: StepContainerName,
		Follow:    true,
	})

	stream, err := req.Stream(ctx)
	if err != nil {
		return fmt.Errorf("get log stream: %w", err)
	}
	defer stream.Close()

	reader := bufio.NewReader(stream)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			continue
		}

		if w.onLog != nil {
			w.onLog(line)
		}
	}
}

// WaitForJobCompletion blocks until the job completes.
func (c *Client) WaitForJobCompletion(ctx context.Context, jobName string, timeout time.Duration) (*JobStatus, error) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}

		job, err := c.GetJob(ctx, jobName)
		if err != nil {
			continue
		}

		status := GetJobStatus(job)
		if status.Phase == "succeeded" || status.Phase == "failed" || status.Phase == "timeout" {
			return status, nil
		}
	}

	return nil, fmt.Errorf("timeout waiting for job %s", jobName)
}

// GetJobLogs retrieves all logs from a job's pod.
func (c *Client) GetJobLogs(ctx context.Context, jobName string) (string, error) {
	labelSelector := fmt.Sprintf("job-name=%s", jobName)
	pods, err := c.ListPods(ctx, labelSelector)
	if err != nil {
		return "", fmt.Errorf("list pods: %w", err)
	}

	if len(pods.Items) == 0 {
		return "", fmt.Errorf("no pods found for job %s", jobName)
	}

	podName := pods.Items[0].Name
	return c.GetPodLogs(ctx, podName, &corev1.PodLogOptions{
		Container: StepContainerName,
	})
}
