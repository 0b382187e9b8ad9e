package orchestrator

// Phase is a provider-reported sub-resource phase.
type Phase string

const (
	PhaseRunning    Phase = "RUNNING"
	PhasePending    Phase = "PENDING"
	PhaseStarting   Phase = "STARTING"
	PhaseCreated    Phase = "CREATED"
	PhaseStopped    Phase = "STOPPED"
	PhaseTerminated Phase = "TERMINATED"
	PhaseUnknown    Phase = "UNKNOWN"
)

// PodStatus is the provider's view of the managed pod. The provider reports
// the pod container and the GPU attachment as separate sub-resources.
type PodStatus struct {
	DesiredStatus string `json:"desired_status"`
	PodPhase      Phase  `json:"pod_status"`
	GPUPhase      Phase  `json:"gpu_status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Running reports whether both sub-resources are up. Only this combination
// maps to a running pod.
func (s PodStatus) Running() bool {
	return s.PodPhase == PhaseRunning && s.GPUPhase == PhaseRunning
}

// Starting reports whether either sub-resource is still coming up.
func (s PodStatus) Starting() bool {
	for _, p := range []Phase{s.PodPhase, s.GPUPhase} {
		switch p {
		case PhasePending, PhaseStarting, PhaseCreated:
			return true
		}
	}
	return false
}
