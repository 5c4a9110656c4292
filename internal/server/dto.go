package server

import (
	"actionline/internal/domain"
	"actionline/internal/engine"
	"actionline/internal/planner"
)

// Request payloads

type AddIdentitiesRequest struct {
	IDs      []string `json:"ids" minItems:"1"`
	Validate bool     `json:"validate,omitempty"`
}

type ExcludeIdentityRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SuppressRequest struct {
	Suppressed *bool `json:"suppressed,omitempty" doc:"Defaults to true"`
}

type ForceParameterRequest struct {
	Parameter string `json:"parameter" doc:"Empty clears the override"`
}

type SubmitCodeRequest struct {
	IdentityID string `json:"identity_id" minLength:"1"`
	Code       string `json:"code" minLength:"1"`
}

type AddAddressRequest struct {
	ID       string `json:"id" minLength:"1"`
	External string `json:"external,omitempty"`
}

// Response payloads

type JobListResponse struct {
	Items []domain.Job `json:"items"`
}

type IdentityListResponse struct {
	Items []domain.Identity `json:"items"`
}

type AddIdentitiesResponse struct {
	Added int `json:"added"`
}

type ContentListResponse struct {
	Items []domain.ContentItem `json:"items"`
}

type SuppressResponse struct {
	Purged int `json:"purged"`
}

type CodeListResponse struct {
	Items []domain.CodeRequest `json:"items"`
}

type AddressListResponse struct {
	Items []domain.Address `json:"items"`
}

type RotateResponse struct {
	ID              string `json:"id"`
	ExternalAddress string `json:"external_address"`
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}

type PlanResponse = planner.Report

type SweepResponse = engine.SweepReport

type StatusResponse = engine.Status

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
