package api

import "time"

// App is a hosted application as reported by the control plane.
type App struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Region    string    `json:"region,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Deployment statuses reported by the control plane.
const (
	DeploymentQueued    = "queued"
	DeploymentBuilding  = "building"
	DeploymentReleasing = "releasing"
	DeploymentSucceeded = "succeeded"
	DeploymentFailed    = "failed"
)

// Deployment is one code push for an app.
type Deployment struct {
	ID        string    `json:"id"`
	AppID     string    `json:"app_id"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Terminal reports whether the deployment has reached a final status.
func (d *Deployment) Terminal() bool {
	return d.Status == DeploymentSucceeded || d.Status == DeploymentFailed
}
