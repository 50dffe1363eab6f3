package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"agent-executor/internal/scraper"
	"agent-executor/internal/store"
	"agent-executor/internal/taskmgr"
)

type APIHandler struct {
	TM       *taskmgr.Manager
	Store    *store.Store
	Scrapers *scraper.Registry
}

type LaunchRequest struct {
	Prompt  string `json:"prompt" binding:"required"`
	Scraper string `json:"scraper"`
}

func RegisterHandlers(r *gin.Engine, tm *taskmgr.Manager, st *store.Store, scrapers *scraper.Registry) {
	h := &APIHandler{TM: tm, Store: st, Scrapers: scrapers}

	r.POST("/launch", h.launch)
	r.GET("/status", h.listTasks)
	r.GET("/status/:id", h.getTask)
	r.GET("/results/:id", h.getTask)
	r.GET("/logs/:id", h.getLogs)
	r.GET("/scrapers", h.listScrapers)
	r.GET("/health", h.health)
}

func (h *APIHandler) launch(c *gin.Context) {
	var req LaunchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing 'prompt' in request body"})
		return
	}

	task, err := h.TM.Submit(req.Prompt, req.Scraper)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, scraper.ErrCapabilityNotFound) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"task_id": task.ID,
		"status":  task.Status,
		"message": "AI agent deployment started",
	})
}

func (h *APIHandler) getTask(c *gin.Context) {
	task, err := h.Store.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *APIHandler) listTasks(c *gin.Context) {
	q := store.Query{
		Page:    intQuery(c, "page", 1),
		PerPage: intQuery(c, "per_page", 10),
		Status:  c.Query("status"),
		Scraper: c.Query("scraper"),
		SortBy:  c.DefaultQuery("sort", "created_at"),
		Order:   c.DefaultQuery("order", "desc"),
	}

	tasks, err := h.Store.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	result := q.Run(tasks)

	c.JSON(http.StatusOK, gin.H{
		"tasks":      result.Tasks,
		"pagination": result.Pagination,
		"filters": gin.H{
			"status":  q.Status,
			"scraper": q.Scraper,
			"sort":    q.SortBy,
			"order":   q.Order,
		},
	})
}

func (h *APIHandler) getLogs(c *gin.Context) {
	taskID := c.Param("id")
	tail := intQuery(c, "tail", 100)

	content, lines, err := h.TM.TailLog(taskID, tail)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "log file not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id": taskID,
		"lines":   lines,
		"content": content,
	})
}

func (h *APIHandler) listScrapers(c *gin.Context) {
	list := h.Scrapers.List()
	c.JSON(http.StatusOK, gin.H{
		"scrapers": list,
		"total":    len(list),
	})
}

func (h *APIHandler) health(c *gin.Context) {
	total, active, err := h.TM.Counts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"active_tasks": active,
		"total_tasks":  total,
	})
}

func intQuery(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil || v < 1 {
		return def
	}
	return v
}
