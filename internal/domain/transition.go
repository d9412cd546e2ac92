package domain

import "fmt"

// 显式、穷举的状态流转表。存储层在每一次状态更新时校验，不依赖调用方自觉。

var buildTransitions = map[BuildStatus]map[BuildStatus]struct{}{
	BuildStatusPending: {
		BuildStatusRunning:  {},
		BuildStatusCanceled: {},
	},
	BuildStatusRunning: {
		BuildStatusSucceeded: {},
		BuildStatusFailed:    {},
		BuildStatusCanceled:  {},
	},
	BuildStatusSucceeded: {},
	BuildStatusFailed:    {},
	BuildStatusCanceled:  {},
}

var releaseTransitions = map[ReleaseStatus]map[ReleaseStatus]struct{}{
	ReleaseStatusPending: {
		ReleaseStatusBuilt:  {},
		ReleaseStatusFailed: {},
	},
	ReleaseStatusBuilt:  {},
	ReleaseStatusFailed: {},
}

var deployTransitions = map[DeployStatus]map[DeployStatus]struct{}{
	DeployStatusPending: {
		DeployStatusRunning:  {},
		DeployStatusCanceled: {},
	},
	DeployStatusRunning: {
		DeployStatusSucceeded: {},
		DeployStatusFailed:    {},
		DeployStatusCanceled:  {},
	},
	DeployStatusSucceeded: {},
	DeployStatusFailed:    {},
	DeployStatusCanceled:  {},
}

// CheckBuildTransition 同时用于 BuildJob 与 BuildStep。
func CheckBuildTransition(from, to BuildStatus) error {
	if _, ok := buildTransitions[from][to]; !ok {
		return fmt.Errorf("%w: build %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

func CheckReleaseTransition(from, to ReleaseStatus) error {
	if _, ok := releaseTransitions[from][to]; !ok {
		return fmt.Errorf("%w: release %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

func CheckDeployTransition(from, to DeployStatus) error {
	if _, ok := deployTransitions[from][to]; !ok {
		return fmt.Errorf("%w: deploy %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
