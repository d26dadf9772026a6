package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUploadTransitions(t *testing.T) {
	assert.True(t, CanTransitionUpload(UploadStatusUploading, UploadStatusMerging))
	assert.True(t, CanTransitionUpload(UploadStatusUploading, UploadStatusFailed))
	assert.True(t, CanTransitionUpload(UploadStatusMerging, UploadStatusCompleted))
	assert.True(t, CanTransitionUpload(UploadStatusMerging, UploadStatusFailed))

	// 终态不可再变
	assert.False(t, CanTransitionUpload(UploadStatusCompleted, UploadStatusFailed))
	assert.False(t, CanTransitionUpload(UploadStatusFailed, UploadStatusUploading))
	// 不允许跳过 MERGING
	assert.False(t, CanTransitionUpload(UploadStatusUploading, UploadStatusCompleted))
	assert.False(t, CanTransitionUpload(UploadStatusMerging, UploadStatusUploading))
}

func TestJobTransitions(t *testing.T) {
	assert.True(t, CanTransitionJob(JobStatusPending, JobStatusProcessing))
	assert.True(t, CanTransitionJob(JobStatusPending, JobStatusCancelled))
	assert.True(t, CanTransitionJob(JobStatusProcessing, JobStatusCompleted))
	assert.True(t, CanTransitionJob(JobStatusProcessing, JobStatusFailed))
	assert.True(t, CanTransitionJob(JobStatusProcessing, JobStatusCancelled))
	assert.True(t, CanTransitionJob(JobStatusProcessing, JobStatusPending))

	assert.False(t, CanTransitionJob(JobStatusCompleted, JobStatusProcessing))
	assert.False(t, CanTransitionJob(JobStatusCancelled, JobStatusPending))
	assert.False(t, CanTransitionJob(JobStatusFailed, JobStatusProcessing))
	assert.False(t, CanTransitionJob(JobStatusPending, JobStatusCompleted))
}

func TestTerminalJobStatus(t *testing.T) {
	assert.True(t, IsTerminalJobStatus(JobStatusCompleted))
	assert.True(t, IsTerminalJobStatus(JobStatusFailed))
	assert.True(t, IsTerminalJobStatus(JobStatusCancelled))
	assert.False(t, IsTerminalJobStatus(JobStatusPending))
	assert.False(t, IsTerminalJobStatus(JobStatusProcessing))
}
