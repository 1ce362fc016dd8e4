package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flotillahq/flotilla/internal/models"
	"github.com/flotillahq/flotilla/internal/transport"
	"github.com/flotillahq/flotilla/internal/workload"
)

// Config holds agent runtime settings.
type Config struct {
	NodeID            string
	AddressHint       string
	HeartbeatInterval time.Duration
	// MaxConcurrency caps in-flight subtask executions; 0 means unlimited.
	MaxConcurrency int
}

// Agent is one worker node's protocol participant. It registers once (fatal
// on failure), heartbeats for its whole lifetime, and consumes the task
// broadcast, executing only the subtasks addressed to it. Each accepted
// subtask runs in its own goroutine so a slow execution never blocks intake.
type Agent struct {
	cfg       Config
	client    *Client
	tasks     transport.TaskStream
	results   transport.ResultPusher
	workloads *workload.Registry
	logger    *slog.Logger

	// sem bounds concurrent executions when MaxConcurrency > 0.
	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates an Agent. The caller is expected to hand in a logger already
// carrying the node id field.
func New(cfg Config, client *Client, tasks transport.TaskStream, results transport.ResultPusher, workloads *workload.Registry, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		cfg:       cfg,
		client:    client,
		tasks:     tasks,
		results:   results,
		workloads: workloads,
		logger:    logger,
	}
	if cfg.MaxConcurrency > 0 {
		a.sem = make(chan struct{}, cfg.MaxConcurrency)
	}
	return a
}

// Run registers with the coordinator and then processes tasks until ctx is
// cancelled. A registration failure is returned immediately: an agent that
// cannot register must not proceed.
func (a *Agent) Run(ctx context.Context) error {
	resp, err := a.client.Register(ctx, &models.RegisterRequest{
		NodeID:       a.cfg.NodeID,
		Capabilities: Capabilities(),
		IPAddress:    a.cfg.AddressHint,
	})
	if err != nil {
		return fmt.Errorf("registering with coordinator: %w", err)
	}
	a.logger.Info("registered with coordinator", "class", resp.Class)

	go a.heartbeatLoop(ctx)

	taskCh, err := a.tasks.Tasks(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to task channel: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			a.wg.Wait()
			return nil
		case msg, ok := <-taskCh:
			if !ok {
				a.wg.Wait()
				return nil
			}
			// The broadcast is addressed to everyone; only the
			// matching node executes.
			if msg.NodeID != a.cfg.NodeID {
				continue
			}
			a.wg.Add(1)
			go a.execute(ctx, msg)
		}
	}
}

// heartbeatLoop refreshes liveness every interval for the agent's lifetime.
// Timeouts are logged and skipped: the agent keeps operating on the
// assumption the coordinator re-learns liveness on the next success.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := a.client.Heartbeat(ctx, a.cfg.NodeID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				a.logger.Warn("heartbeat failed", "error", err)
				continue
			}
			if !resp.Known {
				a.logger.Warn("coordinator does not know this node; re-registration may be required")
			}
		}
	}
}

// execute runs one accepted subtask and pushes its result. Any executor
// failure, panics included, becomes an error result; the agent never
// crashes over a subtask.
func (a *Agent) execute(ctx context.Context, msg *models.TaskDispatch) {
	defer a.wg.Done()
	if a.sem != nil {
		a.sem <- struct{}{}
		defer func() { <-a.sem }()
	}

	logger := a.logger.With("task_id", msg.TaskID, "subtask_id", msg.SubtaskID)
	logger.Info("executing subtask", "type", msg.Type)

	payload, err := a.runWorkload(ctx, msg)
	result := &models.ResultMessage{
		TaskID:    msg.TaskID,
		SubtaskID: msg.SubtaskID,
		NodeID:    a.cfg.NodeID,
		Timestamp: time.Now().Unix(),
	}
	if err != nil {
		logger.Error("subtask execution failed", "error", err)
		result.Status = models.ResultError
		result.ErrorMessage = err.Error()
	} else {
		result.Status = models.ResultCompleted
		result.Result = payload
	}

	if err := a.results.Push(ctx, result); err != nil {
		logger.Error("pushing result failed", "error", err)
		return
	}
	logger.Info("subtask finished", "status", result.Status)
}

func (a *Agent) runWorkload(ctx context.Context, msg *models.TaskDispatch) (payload json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("executor panic: %v", rec)
		}
	}()

	wl, ok := a.workloads.Get(msg.Type)
	if !ok {
		return nil, fmt.Errorf("no workload registered for type %s", msg.Type)
	}
	return wl.Execute(ctx, msg.Data)
}
