package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/yungbote/planner/internal/platform/logger"
)

// NewRouter wires the client submission API and worker registration
// interface onto a gin engine, mirroring the teacher's router shape:
// global middleware first, then grouped route registration.
func NewRouter(log *logger.Logger, api *API, metrics *Metrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CORS())
	r.Use(AttachTraceContext())
	r.Use(RequestLogger(log))
	if metrics != nil {
		r.Use(metrics.Middleware())
		r.GET("/metrics", MetricsHandler())
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })

	v1 := r.Group("/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", api.CreateJob)
			jobs.GET("", api.ListJobs)
			jobs.GET("/:job_id", api.GetJob)
			jobs.DELETE("/:job_id", api.DeleteJob)
			jobs.GET("/:job_id/artifacts/:artifact_type", api.GetArtifact)
			jobs.GET("/:job_id/export", api.ExportJob)
			jobs.POST("/:job_id/approve", api.Approve)
			jobs.POST("/:job_id/request-changes", api.RequestChanges)
			jobs.POST("/:job_id/restart", api.Restart)
			jobs.GET("/:job_id/events", api.Subscribe)
		}

		workers := v1.Group("/workers")
		{
			workers.POST("/register", api.RegisterWorker)
			workers.GET("/claim/:role", api.ClaimTask)
			workers.POST("/:worker_id/heartbeat", api.Heartbeat)
			workers.POST("/tasks/:task_id/complete", api.Complete)
		}
	}

	return r
}
