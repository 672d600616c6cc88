package server

import (
	"treeline/internal/model"
	"treeline/internal/repo"
)

type CreateProductRequest struct {
	ID          string  `json:"id,omitempty"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

type ProductResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Completion  int    `json:"completion"`
	Description string `json:"description,omitempty"`
}

func productResponse(p model.Product) ProductResponse {
	return ProductResponse{ID: p.ID, Name: p.Name, Completion: p.Completion, Description: p.Description}
}

func mapProducts(items []model.Product) []ProductResponse {
	res := []ProductResponse{}
	for _, p := range items {
		res = append(res, productResponse(p))
	}
	return res
}

type UpsertDomainRequest struct {
	Name        string  `json:"name,omitempty"`
	Completion  int     `json:"completion,omitempty" minimum:"0" maximum:"100"`
	Description *string `json:"description,omitempty"`
}

type UpsertFeatureRequest struct {
	Name         string   `json:"name,omitempty"`
	Completion   int      `json:"completion,omitempty" minimum:"0" maximum:"100"`
	Priority     string   `json:"priority,omitempty" enum:",CRITICAL,HIGH,MEDIUM,LOW"`
	Status       string   `json:"status,omitempty" enum:",complete,in-progress,pending"`
	Description  *string  `json:"description,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

type UpsertSubtaskRequest struct {
	Name       string `json:"name,omitempty"`
	Completion int    `json:"completion,omitempty" minimum:"0" maximum:"100"`
	Status     string `json:"status,omitempty" enum:",complete,in-progress,pending"`
}

type ScoreResponse struct {
	ProductID string `json:"product_id"`
	Score     int    `json:"score"`
}

type DependencyCheckResponse struct {
	ProductID string   `json:"product_id"`
	OK        bool     `json:"ok"`
	Error     string   `json:"error,omitempty"`
	Cycle     []string `json:"cycle,omitempty"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

func eventResponse(e repo.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func mapEvents(items []repo.Event) []EventResponse {
	res := []EventResponse{}
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}
