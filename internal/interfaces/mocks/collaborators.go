package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"storychain-server/internal/interfaces"
	"storychain-server/internal/models"
)

// Mock Ledger
type Ledger struct {
	mock.Mock
}

func (m *Ledger) VerifyPurchase(ctx context.Context, txRef string, parentID int64, letter models.Letter, buyer string) error {
	args := m.Called(ctx, txRef, parentID, letter, buyer)
	return args.Error(0)
}
func (m *Ledger) VerifyConfirmation(ctx context.Context, txRef string, slotID int64, owner string) error {
	args := m.Called(ctx, txRef, slotID, owner)
	return args.Error(0)
}
func (m *Ledger) VerifyRefund(ctx context.Context, txRef string, slotID int64, recipient string) error {
	args := m.Called(ctx, txRef, slotID, recipient)
	return args.Error(0)
}

// Mock VideoGenerator
type VideoGenerator struct {
	mock.Mock
}

func (m *VideoGenerator) CreateJob(ctx context.Context, prompt string, params interfaces.JobParams) (string, error) {
	args := m.Called(ctx, prompt, params)
	return args.String(0), args.Error(1)
}
func (m *VideoGenerator) GetJobStatus(ctx context.Context, jobID string) (*interfaces.JobStatus, error) {
	args := m.Called(ctx, jobID)
	status, _ := args.Get(0).(*interfaces.JobStatus)
	return status, args.Error(1)
}
func (m *VideoGenerator) FetchResult(ctx context.Context, resultURL string) ([]byte, error) {
	args := m.Called(ctx, resultURL)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

// Mock PromptRefiner
type PromptRefiner struct {
	mock.Mock
}

func (m *PromptRefiner) Refine(ctx context.Context, raw string) (string, error) {
	args := m.Called(ctx, raw)
	return args.String(0), args.Error(1)
}

// Mock ArtifactStore
type ArtifactStore struct {
	mock.Mock
}

func (m *ArtifactStore) Put(ctx context.Context, key string, data []byte) error {
	args := m.Called(ctx, key, data)
	return args.Error(0)
}
func (m *ArtifactStore) Exists(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}
func (m *ArtifactStore) SignedGet(key string, ttl time.Duration) (string, error) {
	args := m.Called(key, ttl)
	return args.String(0), args.Error(1)
}

// Mock EventPublisher
type EventPublisher struct {
	mock.Mock
}

func (m *EventPublisher) PublishSlotEvent(ctx context.Context, event models.SlotEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}
func (m *EventPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}
