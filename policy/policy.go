// Package policy holds the rate-limit policy catalog: the data model, validation,
// durable repositories, the in-memory resolution index and the administrative service.
package policy

import (
	"time"
)

// Policy is a rate-limit configuration for one (audience, endpoint) pair.
type Policy struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	Description       string       `json:"description,omitempty"`
	RequestsPerMinute int          `json:"requests_per_minute"`
	BurstCapacity     int          `json:"burst_capacity"`
	AppliesTo         Audience     `json:"applies_to"`
	RoleID            string       `json:"role_id,omitempty"`
	EndpointType      EndpointType `json:"endpoint_type"`
	RetryAfterSeconds int          `json:"retry_after_seconds"`
	Enabled           bool         `json:"enabled"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// IsDefault reports whether p was synthesised by the index rather than stored.
func (p Policy) IsDefault() bool {
	return p.ID == defaultIDPrefix+string(AudienceAuthenticated) ||
		p.ID == defaultIDPrefix+string(AudienceAnonymous)
}

// indexKey returns the resolution key p is stored under.
func (p Policy) indexKey() string {
	if p.AppliesTo == AudienceRole {
		return roleKey(p.RoleID, p.EndpointType)
	}
	return audienceKey(p.AppliesTo, p.EndpointType)
}

func audienceKey(a Audience, e EndpointType) string {
	return string(a) + ":" + string(e)
}

func roleKey(roleID string, e EndpointType) string {
	return string(AudienceRole) + ":" + roleID + ":" + string(e)
}

// Input carries the fields of a policy to create.
type Input struct {
	Name              string       `json:"name"`
	Description       string       `json:"description,omitempty"`
	RequestsPerMinute int          `json:"requests_per_minute"`
	BurstCapacity     int          `json:"burst_capacity"`
	AppliesTo         Audience     `json:"applies_to"`
	RoleID            string       `json:"role_id,omitempty"`
	EndpointType      EndpointType `json:"endpoint_type"`
	RetryAfterSeconds int          `json:"retry_after_seconds"`
	Enabled           *bool        `json:"enabled,omitempty"` // nil means enabled
}

func (in Input) toPolicy() Policy {
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	p := Policy{
		Name:              in.Name,
		Description:       in.Description,
		RequestsPerMinute: in.RequestsPerMinute,
		BurstCapacity:     in.BurstCapacity,
		AppliesTo:         in.AppliesTo,
		RoleID:            in.RoleID,
		EndpointType:      in.EndpointType,
		RetryAfterSeconds: in.RetryAfterSeconds,
		Enabled:           enabled,
	}
	if p.AppliesTo != AudienceRole {
		p.RoleID = ""
	}
	return p
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	Name              *string       `json:"name,omitempty"`
	Description       *string       `json:"description,omitempty"`
	RequestsPerMinute *int          `json:"requests_per_minute,omitempty"`
	BurstCapacity     *int          `json:"burst_capacity,omitempty"`
	AppliesTo         *Audience     `json:"applies_to,omitempty"`
	RoleID            *string       `json:"role_id,omitempty"`
	EndpointType      *EndpointType `json:"endpoint_type,omitempty"`
	RetryAfterSeconds *int          `json:"retry_after_seconds,omitempty"`
	Enabled           *bool         `json:"enabled,omitempty"`
}

// apply returns a copy of p with the patch applied.
func (pt Patch) apply(p Policy) Policy {
	if pt.Name != nil {
		p.Name = *pt.Name
	}
	if pt.Description != nil {
		p.Description = *pt.Description
	}
	if pt.RequestsPerMinute != nil {
		p.RequestsPerMinute = *pt.RequestsPerMinute
	}
	if pt.BurstCapacity != nil {
		p.BurstCapacity = *pt.BurstCapacity
	}
	if pt.AppliesTo != nil {
		p.AppliesTo = *pt.AppliesTo
	}
	if pt.RoleID != nil {
		p.RoleID = *pt.RoleID
	}
	if pt.EndpointType != nil {
		p.EndpointType = *pt.EndpointType
	}
	if pt.RetryAfterSeconds != nil {
		p.RetryAfterSeconds = *pt.RetryAfterSeconds
	}
	if pt.Enabled != nil {
		p.Enabled = *pt.Enabled
	}
	if p.AppliesTo != AudienceRole {
		p.RoleID = ""
	}
	return p
}
