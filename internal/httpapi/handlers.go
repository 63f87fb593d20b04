package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"comms-router/internal/reporting"
	"comms-router/internal/routing"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Routing   *routing.Service
	Reporting *reporting.Service
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return false
	}
	return true
}

// --- Routers ---

func (h Handlers) CreateRouter(c *gin.Context) {
	var in routing.RouterInput
	if !bind(c, &in) {
		return
	}
	r, err := h.Routing.CreateRouter(c.Request.Context(), in)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (h Handlers) GetRouter(c *gin.Context) {
	r, err := h.Routing.GetRouter(c.Request.Context(), c.Param("router_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h Handlers) ListRouters(c *gin.Context) {
	rs, err := h.Routing.ListRouters(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rs)
}

func (h Handlers) UpdateRouter(c *gin.Context) {
	var in routing.RouterUpdate
	if !bind(c, &in) {
		return
	}
	r, err := h.Routing.UpdateRouter(c.Request.Context(), c.Param("router_id"), in)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h Handlers) DeleteRouter(c *gin.Context) {
	if err := h.Routing.DeleteRouter(c.Request.Context(), c.Param("router_id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) RouterSummary(c *gin.Context) {
	if h.Reporting == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	out, err := h.Reporting.RouterSummary(c.Request.Context(), c.Param("router_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Queues ---

func (h Handlers) CreateQueue(c *gin.Context) {
	var in routing.QueueInput
	if !bind(c, &in) {
		return
	}
	q, err := h.Routing.CreateQueue(c.Request.Context(), c.Param("router_id"), in)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, q)
}

func (h Handlers) GetQueue(c *gin.Context) {
	q, err := h.Routing.GetQueue(c.Request.Context(), c.Param("router_id"), c.Param("queue_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (h Handlers) ListQueues(c *gin.Context) {
	qs, err := h.Routing.ListQueues(c.Request.Context(), c.Param("router_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, qs)
}

func (h Handlers) UpdateQueue(c *gin.Context) {
	var in routing.QueueUpdate
	if !bind(c, &in) {
		return
	}
	q, err := h.Routing.UpdateQueue(c.Request.Context(), c.Param("router_id"), c.Param("queue_id"), in)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (h Handlers) DeleteQueue(c *gin.Context) {
	if err := h.Routing.DeleteQueue(c.Request.Context(), c.Param("router_id"), c.Param("queue_id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) QueueSize(c *gin.Context) {
	n, err := h.Routing.QueueSize(c.Request.Context(), c.Param("router_id"), c.Param("queue_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"size": n})
}

func (h Handlers) QueueTasks(c *gin.Context) {
	ts, err := h.Routing.QueueTasks(c.Request.Context(), c.Param("router_id"), c.Param("queue_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ts)
}

func (h Handlers) QueueStats(c *gin.Context) {
	if h.Reporting == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	out, err := h.Reporting.QueueStats(c.Request.Context(), reporting.QueueStatsRequest{
		RouterID: c.Param("router_id"),
		QueueID:  c.Param("queue_id"),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Agents ---

func (h Handlers) CreateAgent(c *gin.Context) {
	var in routing.AgentInput
	if !bind(c, &in) {
		return
	}
	a, err := h.Routing.CreateAgent(c.Request.Context(), c.Param("router_id"), in)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h Handlers) GetAgent(c *gin.Context) {
	a, err := h.Routing.GetAgent(c.Request.Context(), c.Param("router_id"), c.Param("agent_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h Handlers) ListAgents(c *gin.Context) {
	as, err := h.Routing.ListAgents(c.Request.Context(), c.Param("router_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, as)
}

func (h Handlers) UpdateAgent(c *gin.Context) {
	var in routing.AgentUpdate
	if !bind(c, &in) {
		return
	}
	a, err := h.Routing.UpdateAgent(c.Request.Context(), c.Param("router_id"), c.Param("agent_id"), in)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h Handlers) DeleteAgent(c *gin.Context) {
	if err := h.Routing.DeleteAgent(c.Request.Context(), c.Param("router_id"), c.Param("agent_id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Plans ---

func (h Handlers) CreatePlan(c *gin.Context) {
	var in routing.PlanInput
	if !bind(c, &in) {
		return
	}
	p, err := h.Routing.CreatePlan(c.Request.Context(), c.Param("router_id"), in)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h Handlers) GetPlan(c *gin.Context) {
	p, err := h.Routing.GetPlan(c.Request.Context(), c.Param("router_id"), c.Param("plan_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h Handlers) ListPlans(c *gin.Context) {
	ps, err := h.Routing.ListPlans(c.Request.Context(), c.Param("router_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ps)
}

func (h Handlers) DeletePlan(c *gin.Context) {
	if err := h.Routing.DeletePlan(c.Request.Context(), c.Param("router_id"), c.Param("plan_id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Tasks ---

func (h Handlers) CreateTask(c *gin.Context) {
	var in routing.TaskInput
	if !bind(c, &in) {
		return
	}
	t, err := h.Routing.CreateTask(c.Request.Context(), c.Param("router_id"), in)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h Handlers) GetTask(c *gin.Context) {
	t, err := h.Routing.GetTask(c.Request.Context(), c.Param("router_id"), c.Param("task_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h Handlers) ListTasks(c *gin.Context) {
	ts, err := h.Routing.ListTasks(c.Request.Context(), c.Param("router_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ts)
}

func (h Handlers) CompleteTask(c *gin.Context) {
	t, err := h.Routing.CompleteTask(c.Request.Context(), c.Param("router_id"), c.Param("task_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// RejectTask returns an assigned task to its queue and marks the agent unavailable.
func (h Handlers) RejectTask(c *gin.Context) {
	t, err := h.Routing.RejectTask(c.Request.Context(), c.Param("router_id"), c.Param("task_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h Handlers) DeleteTask(c *gin.Context) {
	if err := h.Routing.DeleteTask(c.Request.Context(), c.Param("router_id"), c.Param("task_id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
