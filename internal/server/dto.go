package server

import (
	"civitrack/internal/domain"
	"civitrack/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Priority string `json:"priority,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

type ValidateStatusRequest struct {
	Status string `json:"status"`
}

type DecisionRequest struct {
	Decision string `json:"decision" enum:"send_for_approval,approve,reject,return_for_revision"`
	Remarks  string `json:"remarks,omitempty"`
}

type SubmitRequest struct {
	ProgressPercent float64 `json:"progress_percent" minimum:"0" maximum:"100"`
	Summary         string  `json:"summary,omitempty"`
	AttachmentRef   string  `json:"attachment_ref,omitempty"`
	SubmitterRole   string  `json:"submitter_role,omitempty"`
}

type GrantRoleRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

// Responses

type DecisionResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	NewStatus string `json:"new_status"`
}

// ListMeta carries pagination arithmetic for list endpoints.
type ListMeta struct {
	Page       int  `json:"page"`
	PerPage    int  `json:"per_page"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasPrev    bool `json:"has_prev"`
	HasNext    bool `json:"has_next"`
}

func newListMeta(page, perPage, total int) ListMeta {
	if perPage <= 0 {
		return ListMeta{Page: 1, PerPage: total, Total: total, TotalPages: 1}
	}
	if page < 1 {
		page = 1
	}
	totalPages := (total + perPage - 1) / perPage
	if totalPages < 1 {
		totalPages = 1
	}
	return ListMeta{
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: totalPages,
		HasPrev:    page > 1,
		HasNext:    page < totalPages,
	}
}

// ItemsSummary rides along with item lists.
type ItemsSummary struct {
	StatusCounts    map[string]int `json:"status_counts"`
	ProgressPercent float64        `json:"progress_percent"`
}

type ItemListResponse struct {
	Success bool                    `json:"success"`
	Data    []domain.ValidationItem `json:"data"`
	Summary ItemsSummary            `json:"summary"`
	Meta    ListMeta                `json:"meta"`
}

type ItemDetailResponse struct {
	Success bool              `json:"success"`
	Data    engine.ItemDetail `json:"data"`
}

type ProgressResponse struct {
	ProjectID       string                         `json:"project_id"`
	ProgressPercent float64                        `json:"progress_percent"`
	LastSnapshot    *domain.ProjectProgressUpdate  `json:"last_snapshot,omitempty"`
	History         []domain.ProjectProgressUpdate `json:"history,omitempty"`
}

type MeResponse struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}
