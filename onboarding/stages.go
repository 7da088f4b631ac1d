package onboarding

import (
	"errors"
	"fmt"
)

// ErrUnknownStage is returned for stage values outside the pipeline.
var ErrUnknownStage = errors.New("unknown onboarding stage")

// Stage is one checkpoint in the onboarding pipeline. The set is closed and
// totally ordered; anything outside it is rejected at the boundary.
type Stage string

const (
	StageSignupStarted    Stage = "SIGNUP_STARTED"
	StageEmailVerified    Stage = "EMAIL_VERIFIED"
	StageDataroomCreated  Stage = "DATAROOM_CREATED"
	StageUseCaseSelected  Stage = "USE_CASE_SELECTED"
	StageWorkflowSetup    Stage = "WORKFLOW_SETUP"
	StageUsersInvited     Stage = "USERS_INVITED"
	StagePlanSelected     Stage = "PLAN_SELECTED"
	StagePaymentCompleted Stage = "PAYMENT_COMPLETED"
	StageProvisioning     Stage = "PROVISIONING"
	StageActivated        Stage = "ACTIVATED"
)

// stageOrder is the canonical pipeline order. Each stage is reachable only
// from its immediate predecessor or itself.
var stageOrder = []Stage{
	StageSignupStarted,
	StageEmailVerified,
	StageDataroomCreated,
	StageUseCaseSelected,
	StageWorkflowSetup,
	StageUsersInvited,
	StagePlanSelected,
	StagePaymentCompleted,
	StageProvisioning,
	StageActivated,
}

var stageIndex = func() map[Stage]int {
	m := make(map[Stage]int, len(stageOrder))
	for i, s := range stageOrder {
		m[s] = i
	}
	return m
}()

// stageRoutes maps each stage to the canonical client route for it. The
// lookup is pure: it depends only on the stage value.
var stageRoutes = map[Stage]string{
	StageSignupStarted:    "/onboarding/verify-email",
	StageEmailVerified:    "/onboarding/dataroom",
	StageDataroomCreated:  "/onboarding/use-case",
	StageUseCaseSelected:  "/onboarding/workflow",
	StageWorkflowSetup:    "/onboarding/invite-users",
	StageUsersInvited:     "/onboarding/select-plan",
	StagePlanSelected:     "/onboarding/payment",
	StagePaymentCompleted: "/onboarding/provisioning",
	StageProvisioning:     "/onboarding/provisioning",
	StageActivated:        "/dashboard",
}

// ParseStage validates a raw stage value. Unrecognized values are rejected
// rather than coerced.
func ParseStage(raw string) (Stage, error) {
	s := Stage(raw)
	if _, ok := stageIndex[s]; !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownStage, raw)
	}
	return s, nil
}

// Index returns the stage's position in the pipeline.
func (s Stage) Index() int {
	return stageIndex[s]
}

// Next returns the immediate successor stage, or false from the terminal
// stage.
func (s Stage) Next() (Stage, bool) {
	i, ok := stageIndex[s]
	if !ok || i == len(stageOrder)-1 {
		return "", false
	}
	return stageOrder[i+1], true
}

// Terminal reports whether the stage is the end of the pipeline.
func (s Stage) Terminal() bool {
	return s == StageActivated
}

// RouteFor returns the canonical route for a stage.
func RouteFor(s Stage) string {
	return stageRoutes[s]
}

// Stages returns the pipeline order. The returned slice is a copy.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}
