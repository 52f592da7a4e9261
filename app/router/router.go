package router

import (
	"gpuledger/app/handler"
	"gpuledger/app/middleware"

	"github.com/gin-gonic/gin"
)

// Router Router
type Router struct {
	pipelineHandler *handler.PipelineHandler
	reportHandler   *handler.ReportHandler
	apiKey          string
}

// NewRouter creates a new Router
func NewRouter(pipelineHandler *handler.PipelineHandler, reportHandler *handler.ReportHandler, apiKey string) *Router {
	return &Router{
		pipelineHandler: pipelineHandler,
		reportHandler:   reportHandler,
		apiKey:          apiKey,
	}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	engine.GET("/healthz", r.pipelineHandler.Health)

	api := engine.Group("/api/v1")
	{
		pipeline := api.Group("/pipeline")
		{
			pipeline.POST("/run", middleware.Auth(r.apiKey), r.pipelineHandler.Run)
			pipeline.GET("/status", r.pipelineHandler.Status)
		}

		reports := api.Group("/reports")
		{
			reports.GET("/usage", r.reportHandler.UsageRows)
			reports.GET("/publication", r.reportHandler.LatestPublication)
		}
	}
}
