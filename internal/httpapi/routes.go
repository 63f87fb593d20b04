package httpapi

import "github.com/gin-gonic/gin"

// Register mounts the administrative API under g (normally /v1).
func (h Handlers) Register(g *gin.RouterGroup) {
	routers := g.Group("/routers")
	routers.POST("", h.CreateRouter)
	routers.GET("", h.ListRouters)

	r := routers.Group("/:router_id")
	r.GET("", h.GetRouter)
	r.PATCH("", h.UpdateRouter)
	r.DELETE("", h.DeleteRouter)
	r.GET("/stats", h.RouterSummary)

	queues := r.Group("/queues")
	{
		queues.POST("", h.CreateQueue)
		queues.GET("", h.ListQueues)
		queues.GET("/:queue_id", h.GetQueue)
		queues.PATCH("/:queue_id", h.UpdateQueue)
		queues.DELETE("/:queue_id", h.DeleteQueue)
		queues.GET("/:queue_id/size", h.QueueSize)
		queues.GET("/:queue_id/tasks", h.QueueTasks)
		queues.GET("/:queue_id/stats", h.QueueStats)
	}

	agents := r.Group("/agents")
	{
		agents.POST("", h.CreateAgent)
		agents.GET("", h.ListAgents)
		agents.GET("/:agent_id", h.GetAgent)
		agents.PATCH("/:agent_id", h.UpdateAgent)
		agents.DELETE("/:agent_id", h.DeleteAgent)
	}

	plans := r.Group("/plans")
	{
		plans.POST("", h.CreatePlan)
		plans.GET("", h.ListPlans)
		plans.GET("/:plan_id", h.GetPlan)
		plans.DELETE("/:plan_id", h.DeletePlan)
	}

	tasks := r.Group("/tasks")
	{
		tasks.POST("", h.CreateTask)
		tasks.GET("", h.ListTasks)
		tasks.GET("/:task_id", h.GetTask)
		tasks.DELETE("/:task_id", h.DeleteTask)
		tasks.POST("/:task_id/complete", h.CompleteTask)
		tasks.POST("/:task_id/reject", h.RejectTask)
	}
}
