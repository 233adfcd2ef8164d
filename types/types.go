// Package types defines the shared data model of the exparo client SDK.
package types

import "encoding/json"

// ExperimentType distinguishes binary toggles from multi-variant tests.
type ExperimentType string

const (
	TypeToggle          ExperimentType = "toggle"
	TypeMultipleVariant ExperimentType = "multiple_variant"
)

// ExperimentStatus is the backend-owned lifecycle state of an experiment.
// The client always trusts the latest observed status and assumes nothing
// about transition order.
type ExperimentStatus string

const (
	StatusDraft     ExperimentStatus = "draft"
	StatusRunning   ExperimentStatus = "running"
	StatusCompleted ExperimentStatus = "completed"
)

// User identifies the current end-user/device. ID is server-assigned and
// empty until the first successful registration. DeviceID is generated
// locally, persisted before the first network call, and never changes.
type User struct {
	ID         string `json:"id,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	Email      string `json:"email,omitempty"`
	ExternalID string `json:"external_id,omitempty"`

	FirstSeen        string `json:"first_seen,omitempty"`
	LastSeen         string `json:"last_seen,omitempty"`
	LatestCurrentURL string `json:"latest_current_url,omitempty"`
	LatestOS         string `json:"latest_os,omitempty"`
	LatestOSVersion  string `json:"latest_os_version,omitempty"`
	LatestDeviceType string `json:"latest_device_type,omitempty"`

	Properties map[string]any `json:"properties,omitempty"`
}

// Experiment is a named test owned by the backend. Immutable from the
// client's perspective except for Status.
type Experiment struct {
	ID     string           `json:"id"`
	Key    string           `json:"key"`
	Name   string           `json:"name"`
	Type   ExperimentType   `json:"type"`
	Status ExperimentStatus `json:"status"`
}

// IsRunning reports whether the experiment is currently live.
func (e Experiment) IsRunning() bool { return e.Status == StatusRunning }

// Variant is the assignment resolved for a user within one experiment.
// It is only meaningful paired with the experiment it was resolved
// against.
type Variant struct {
	ID      string          `json:"id"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// VariantResult pairs an experiment with the variant resolved for it.
type VariantResult struct {
	Experiment Experiment `json:"experiment"`
	Variant    Variant    `json:"variant"`
}

// UpdateKind labels how an experiment/variant pair reached the client.
type UpdateKind string

const (
	// UpdateExperimentState is the initial or fetch-equivalent state.
	UpdateExperimentState UpdateKind = "experiment_state"
	// UpdateExperimentUpdated signals changed experiment metadata.
	UpdateExperimentUpdated UpdateKind = "experiment_updated"
	// UpdateDistributionUpdated signals a changed rollout distribution.
	UpdateDistributionUpdated UpdateKind = "distribution_updated"
)

// Valid reports whether k is one of the recognized update kinds.
func (k UpdateKind) Valid() bool {
	switch k {
	case UpdateExperimentState, UpdateExperimentUpdated, UpdateDistributionUpdated:
		return true
	}
	return false
}

// Callback receives experiment updates, from fetch resolutions as well as
// realtime pushes. Invocation order follows registration order per key.
type Callback func(experiment Experiment, variant Variant, kind UpdateKind)
