package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

const (
	defaultLimit = 50
	maxLimit     = 500
	maxBody      = 1 << 20
)

type createJobRequest struct {
	Name              string         `json:"name" validate:"omitempty,max=255"`
	Owner             string         `json:"owner" validate:"omitempty,max=255"`
	TaskName          string         `json:"task_name" validate:"required,max=255"`
	CronExpression    string         `json:"cron_expression" validate:"required,max=255"`
	Params            map[string]any `json:"params"`
	ConcurrencyPolicy string         `json:"concurrency_policy" validate:"omitempty,oneof=SKIP_IF_RUNNING ALLOW_OVERLAP QUEUE"`
	Paused            bool           `json:"paused"`
	MaxRuns           int            `json:"max_runs" validate:"min=0"`
	MaxFailures       int            `json:"max_failures" validate:"min=0"`
}

type updateJobRequest struct {
	Name              *string        `json:"name" validate:"omitempty,min=1,max=255"`
	CronExpression    *string        `json:"cron_expression" validate:"omitempty,min=1,max=255"`
	Params            map[string]any `json:"params"`
	ConcurrencyPolicy *string        `json:"concurrency_policy" validate:"omitempty,oneof=SKIP_IF_RUNNING ALLOW_OVERLAP QUEUE"`
	MaxRuns           *int           `json:"max_runs" validate:"omitempty,min=0"`
	MaxFailures       *int           `json:"max_failures" validate:"omitempty,min=0"`
}

type runJobRequest struct {
	Params map[string]any `json:"params"`
	Force  bool           `json:"force"`
}

type runTaskRequest struct {
	Params map[string]any `json:"params"`
}

var errEmptyBody = errors.New("empty body")

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

// decodeOptional is decode for endpoints where the body may be omitted.
func decodeOptional(r *http.Request, v any) error {
	if err := decode(r, v); err != nil && !errors.Is(err, errEmptyBody) {
		return err
	}
	return nil
}

type pagination struct {
	Limit  int
	Offset int
}

func parsePagination(r *http.Request) pagination {
	p := pagination{Limit: defaultLimit}
	q := r.URL.Query()
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		p.Limit = min(n, maxLimit)
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		p.Offset = n
	}
	return p
}
