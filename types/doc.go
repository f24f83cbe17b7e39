// Package types provides core types shared across the chatflow framework.
// This package has ZERO dependencies on other chatflow packages to avoid
// circular imports. All other packages should import types from here.
//
// The data model follows one orchestration cycle: a TriggerMessage arrives,
// every Agent in the pool is scored into a CandidateScore, the selected
// subset becomes a ResponsePlan, and the live execution of that plan is
// observable through RunSnapshot.
package types
