package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ErlanBelekov/market-scanner/internal/domain"
	"github.com/ErlanBelekov/market-scanner/internal/repository"
)

const (
	errJobNotFound    = "job record not found"
	errInvalidStatus  = "invalid status filter"
	errInvalidCursor  = "invalid cursor"
	errInternalServer = "internal server error"
)

type JobHandler struct {
	repo   repository.JobRepository
	logger *slog.Logger
}

func NewJobHandler(repo repository.JobRepository, logger *slog.Logger) *JobHandler {
	return &JobHandler{repo: repo, logger: logger.With("component", "job_handler")}
}

type jobItem struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Status      domain.JobStatus     `json:"status"`
	MachineName string               `json:"machine_name,omitempty"`
	Progress    float64              `json:"progress"`
	ScheduledAt time.Time            `json:"scheduled_at"`
	StartedAt   *time.Time           `json:"started_at,omitempty"`
	EndedAt     *time.Time           `json:"ended_at,omitempty"`
	Error       *string              `json:"error,omitempty"`
	Details     *domain.ErrorDetails `json:"error_details,omitempty"`
}

type jobRecordResponse struct {
	jobItem
	Result map[string]any  `json:"result,omitempty"`
	Logs   []domain.JobLog `json:"logs,omitempty"`
}

type listJobsResponse struct {
	Jobs       []jobItem `json:"jobs"`
	NextCursor *string   `json:"next_cursor"`
}

func toItem(r *domain.JobRecord) jobItem {
	return jobItem{
		ID:          r.ID,
		Name:        r.Name,
		Status:      r.Status,
		MachineName: r.MachineName,
		Progress:    r.Progress,
		ScheduledAt: r.ScheduledAt,
		StartedAt:   r.StartedAt,
		EndedAt:     r.EndedAt,
		Error:       r.Error,
		Details:     r.ErrorDetails,
	}
}

// Cursor format: "<scheduled_at RFC3339Nano>~<record id>".
func encodeCursor(r *domain.JobRecord) string {
	return r.ScheduledAt.UTC().Format(time.RFC3339Nano) + "~" + r.ID
}

func decodeCursor(cursor string) (time.Time, string, error) {
	ts, id, ok := strings.Cut(cursor, "~")
	if !ok {
		return time.Time{}, "", errors.New("missing separator")
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", err
	}
	return t, id, nil
}

func (h *JobHandler) List(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.Query("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	input := repository.ListJobsInput{
		Name:  ctx.Query("name"),
		Limit: limit + 1, // one extra row decides next_cursor
	}
	if status := ctx.Query("status"); status != "" {
		s := domain.JobStatus(status)
		switch s {
		case domain.JobScheduled, domain.JobRunning, domain.JobCompleted, domain.JobFailed:
			input.Status = s
		default:
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidStatus})
			return
		}
	}
	if cursor := ctx.Query("cursor"); cursor != "" {
		t, id, err := decodeCursor(cursor)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidCursor})
			return
		}
		input.CursorTime = &t
		input.CursorID = id
	}

	records, err := h.repo.ListJobs(ctx.Request.Context(), input)
	if err != nil {
		h.logger.ErrorContext(ctx.Request.Context(), "list jobs", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	var next *string
	if len(records) > limit {
		records = records[:limit]
		c := encodeCursor(records[limit-1])
		next = &c
	}
	items := make([]jobItem, len(records))
	for i, r := range records {
		items[i] = toItem(r)
	}
	ctx.JSON(http.StatusOK, listJobsResponse{Jobs: items, NextCursor: next})
}

func (h *JobHandler) GetByID(ctx *gin.Context) {
	id := ctx.Param("id")

	record, err := h.repo.GetByID(ctx.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
			return
		}
		h.logger.ErrorContext(ctx.Request.Context(), "get job by id", "record_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, jobRecordResponse{
		jobItem: toItem(record),
		Result:  record.Result,
		Logs:    record.Logs,
	})
}
