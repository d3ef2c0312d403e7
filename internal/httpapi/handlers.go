// Package httpapi exposes the client submission API and worker
// registration interface of §6 over gin-gonic, thin-wrapping the
// Orchestrator, Dispatcher, and State Store.
package httpapi

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/planner/internal/dispatcher"
	"github.com/yungbote/planner/internal/domain"
	"github.com/yungbote/planner/internal/eventbus"
	"github.com/yungbote/planner/internal/orchestrator"
	"github.com/yungbote/planner/internal/platform/apierr"
	"github.com/yungbote/planner/internal/platform/logger"
	"github.com/yungbote/planner/internal/store"
	"github.com/yungbote/planner/internal/worker"
)

type API struct {
	log     *logger.Logger
	orch    *orchestrator.Orchestrator
	st      *store.Store
	disp    *dispatcher.Dispatcher
	pub     *eventbus.Publisher
	pool    *worker.Pool
	metrics *Metrics
}

func NewAPI(log *logger.Logger, orch *orchestrator.Orchestrator, st *store.Store, disp *dispatcher.Dispatcher, pub *eventbus.Publisher, pool *worker.Pool, metrics *Metrics) *API {
	return &API{log: log, orch: orch, st: st, disp: disp, pub: pub, pool: pool, metrics: metrics}
}

func writeErr(c *gin.Context, err error) {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		c.JSON(ae.Status, gin.H{"error": ae.Code, "message": ae.Err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": apierr.CodeFatalBackend, "message": "internal error"})
}

type createJobRequest struct {
	ProjectID    string         `json:"project_id" binding:"required"`
	Requirements string         `json:"requirements" binding:"required"`
	Metadata     map[string]any `json:"metadata"`
}

func (a *API) CreateJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, apierr.InvalidInput(err))
		return
	}
	job, err := a.orch.CreateJob(c.Request.Context(), req.ProjectID, req.Requirements, req.Metadata)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job_id": job.ID, "status": job.Status})
}

func (a *API) GetJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		writeErr(c, apierr.InvalidInput(err))
		return
	}
	job, err := a.st.GetJob(c.Request.Context(), id)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (a *API) ListJobs(c *gin.Context) {
	status := domain.JobStatus(c.Query("status"))
	limit := 0
	fmt.Sscanf(c.Query("limit"), "%d", &limit)
	jobs, err := a.st.ListJobs(c.Request.Context(), store.JobFilter{Status: status, Limit: limit})
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (a *API) GetArtifact(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		writeErr(c, apierr.InvalidInput(err))
		return
	}
	artifactType := domain.ArtifactType(c.Param("artifact_type"))
	artifact, err := a.st.LatestArtifact(c.Request.Context(), jobID, artifactType)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, artifact)
}

// ExportJob builds a zip archive of every artifact for the job plus a
// manifest.json — a supplemented feature per SPEC_FULL.md §9.
func (a *API) ExportJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		writeErr(c, apierr.InvalidInput(err))
		return
	}
	ctx := c.Request.Context()
	job, err := a.st.GetJob(ctx, jobID)
	if err != nil {
		writeErr(c, err)
		return
	}
	artifacts, err := a.st.ListArtifactsByJob(ctx, jobID)
	if err != nil {
		writeErr(c, err)
		return
	}
	tasks, err := a.st.ListTasksByJob(ctx, jobID)
	if err != nil {
		writeErr(c, err)
		return
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=job-%s.zip", jobID))
	zw := zip.NewWriter(c.Writer)
	defer zw.Close()

	truth, _ := a.st.CurrentTruthRecord(ctx, jobID)
	manifest := map[string]any{"job": job, "truth_record": truth, "tasks": tasks, "exported_at": time.Now().UTC()}
	mw, err := zw.Create("manifest.json")
	if err == nil {
		b, _ := json.MarshalIndent(manifest, "", "  ")
		_, _ = mw.Write(b)
	}
	for _, art := range artifacts {
		fw, err := zw.Create(fmt.Sprintf("artifacts/%s-%s.json", art.ArtifactType, art.Hash))
		if err != nil {
			continue
		}
		_, _ = fw.Write(art.Content)
	}
}

type approveRequest struct {
	Notes   string `json:"notes"`
	PRDHash string `json:"prd_hash"`
}

func (a *API) Approve(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		writeErr(c, apierr.InvalidInput(err))
		return
	}
	var req approveRequest
	_ = c.ShouldBindJSON(&req)
	var status domain.JobStatus
	if req.PRDHash != "" {
		status, err = a.orch.ApproveWithHash(c.Request.Context(), jobID, req.PRDHash, req.Notes)
	} else {
		status, err = a.orch.Approve(c.Request.Context(), jobID, req.Notes)
	}
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

type requestChangesRequest struct {
	Feedback string `json:"feedback" binding:"required"`
}

func (a *API) RequestChanges(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		writeErr(c, apierr.InvalidInput(err))
		return
	}
	var req requestChangesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, apierr.InvalidInput(err))
		return
	}
	if err := a.orch.RequestChanges(c.Request.Context(), jobID, req.Feedback); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": domain.JobStatusChangesRequested})
}

func (a *API) Restart(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		writeErr(c, apierr.InvalidInput(err))
		return
	}
	if err := a.orch.Restart(c.Request.Context(), jobID); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": domain.JobStatusQueued})
}

func (a *API) DeleteJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		writeErr(c, apierr.InvalidInput(err))
		return
	}
	if err := a.orch.Delete(c.Request.Context(), jobID); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (a *API) Subscribe(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		writeErr(c, apierr.InvalidInput(err))
		return
	}
	var fromSeq int64
	fmt.Sscanf(c.Query("from_seq"), "%d", &fromSeq)
	if fromSeq > 0 {
		history, err := a.pub.History(c.Request.Context(), jobID, fromSeq, 1000)
		if err == nil {
			for _, ev := range history {
				b, _ := json.Marshal(ev)
				fmt.Fprintf(c.Writer, "event: message\ndata: %s\n\n", b)
			}
			c.Writer.Flush()
		}
	}
	sub := a.pub.Subscribe(jobID, uuid.NewString())
	defer a.pub.Unsubscribe(sub)
	eventbus.ServeSSE(c.Writer, c.Request, sub, a.log)
}

func (a *API) GetMetricsSnapshot(c *gin.Context) {
	if a.metrics == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, a.metrics.Snapshot())
}

// --- Worker registration interface ---

type registerWorkerRequest struct {
	WorkerID       string         `json:"worker_id" binding:"required"`
	Roles          []domain.Role  `json:"roles" binding:"required"`
	MaxConcurrency int            `json:"max_concurrency"`
}

func (a *API) RegisterWorker(c *gin.Context) {
	var req registerWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, apierr.InvalidInput(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"lease_handle": uuid.NewString()})
}

func (a *API) ClaimTask(c *gin.Context) {
	role := domain.Role(c.Param("role"))
	workerID := c.Query("worker_id")
	if workerID == "" {
		writeErr(c, apierr.InvalidInput(errors.New("worker_id is required")))
		return
	}
	task, err := a.disp.Claim(c.Request.Context(), role, workerID, 30*time.Second)
	if err != nil {
		writeErr(c, err)
		return
	}
	if task == nil {
		c.JSON(http.StatusNoContent, nil)
		return
	}
	c.JSON(http.StatusOK, task)
}

type heartbeatRequest struct {
	TaskIDs []uuid.UUID `json:"task_ids"`
}

func (a *API) Heartbeat(c *gin.Context) {
	workerID := c.Param("worker_id")
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, apierr.InvalidInput(err))
		return
	}
	for _, id := range req.TaskIDs {
		if err := a.disp.Heartbeat(c.Request.Context(), id, workerID, 30*time.Second); err != nil {
			a.log.Warn("httpapi: heartbeat failed", "task_id", id.String(), "error", err.Error())
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type completeRequest struct {
	Output map[string]any `json:"output"`
	Error  string         `json:"error"`
}

func (a *API) Complete(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("task_id"))
	if err != nil {
		writeErr(c, apierr.InvalidInput(err))
		return
	}
	workerID := c.Query("worker_id")
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, apierr.InvalidInput(err))
		return
	}
	if req.Error != "" {
		if err := a.pool.FailExternal(c.Request.Context(), taskID, workerID, req.Error); err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": domain.TaskFailed})
		return
	}
	if err := a.pool.CompleteExternal(c.Request.Context(), taskID, workerID, req.Output); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": domain.TaskSucceeded})
}
