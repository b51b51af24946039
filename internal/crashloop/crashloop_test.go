package crashloop

import (
	"testing"

	corev1 "k8s.io/api/core/v1"

	"github.com/stretchr/testify/assert"
)

func podWithWaitingReason(reason string, restartCount int32) *corev1.Pod {
	return &corev1.Pod{
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{{
				RestartCount: restartCount,
				State: corev1.ContainerState{
					Waiting: &corev1.ContainerStateWaiting{Reason: reason},
				},
			}},
		},
	}
}

func TestCrashingReasonRequiresRestartThresholdForBackOff(t *testing.T) {
	_, looping := crashingReason(podWithWaitingReason("CrashLoopBackOff", restartThreshold-1))
	assert.False(t, looping, "a CrashLoopBackOff below the restart threshold is not yet a genuine crash loop")

	reason, looping := crashingReason(podWithWaitingReason("CrashLoopBackOff", restartThreshold))
	assert.True(t, looping)
	assert.Equal(t, "CrashLoopBackOff", reason)
}

func TestCrashingReasonTreatsImagePullFailuresAsImmediatelyCrashing(t *testing.T) {
	for reason := range imagePullReasons {
		got, looping := crashingReason(podWithWaitingReason(reason, 0))
		assert.True(t, looping, "reason %s should be treated as crashing regardless of restart count", reason)
		assert.Equal(t, reason, got)
	}
}

func TestCrashingReasonIgnoresHealthyPods(t *testing.T) {
	healthy := &corev1.Pod{
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{{
				State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}},
			}},
		},
	}
	_, looping := crashingReason(healthy)
	assert.False(t, looping)
}
