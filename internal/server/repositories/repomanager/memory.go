package repomanager

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/optipress/internal/common"
	"github.com/dmitrijs2005/optipress/internal/dbx"
	"github.com/dmitrijs2005/optipress/internal/server/models"
	"github.com/dmitrijs2005/optipress/internal/server/repositories/accounts"
	"github.com/dmitrijs2005/optipress/internal/server/repositories/stagedobjects"
	"github.com/dmitrijs2005/optipress/internal/server/repositories/webhookevents"
	"github.com/google/uuid"
)

// InMemoryRepositoryManager keeps all state in maps guarded by one mutex.
// Every conditional operation is evaluated under the lock, so it has the same
// single-statement atomicity as the SQL versions. The DBTX argument is
// ignored: there are no transactions and nothing is rolled back.
type InMemoryRepositoryManager struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	events   map[string]*models.WebhookEvent
	objects  map[string]*models.StagedObject
}

func NewInMemoryRepositoryManager() *InMemoryRepositoryManager {
	return &InMemoryRepositoryManager{
		accounts: map[string]*models.Account{},
		events:   map[string]*models.WebhookEvent{},
		objects:  map[string]*models.StagedObject{},
	}
}

func (m *InMemoryRepositoryManager) RunMigrations(context.Context, *sql.DB) error { return nil }

func (m *InMemoryRepositoryManager) Accounts(dbx.DBTX) accounts.Repository {
	return (*memAccounts)(m)
}

func (m *InMemoryRepositoryManager) WebhookEvents(dbx.DBTX) webhookevents.Repository {
	return (*memEvents)(m)
}

func (m *InMemoryRepositoryManager) StagedObjects(dbx.DBTX) stagedobjects.Repository {
	return (*memObjects)(m)
}

func strPtr(s string) *string { return &s }

func cloneAccount(a *models.Account) *models.Account {
	c := *a
	return &c
}

type memAccounts InMemoryRepositoryManager

func (r *memAccounts) find(match func(*models.Account) bool) *models.Account {
	for _, a := range r.accounts {
		if match(a) {
			return a
		}
	}
	return nil
}

func (r *memAccounts) keyTaken(key *string, email string) bool {
	if key == nil {
		return false
	}
	return r.find(func(a *models.Account) bool {
		return a.APIKey != nil && *a.APIKey == *key && a.Email != email
	}) != nil
}

func (r *memAccounts) insert(email string, credits int64, hash, key *string) *models.Account {
	now := time.Now()
	a := &models.Account{
		ID: uuid.NewString(), Email: email, Credits: credits,
		PasswordHash: hash, APIKey: key, CreatedAt: now, UpdatedAt: now,
	}
	r.accounts[a.ID] = a
	return a
}

func (r *memAccounts) byEmail(email string) *models.Account {
	return r.find(func(a *models.Account) bool { return a.Email == email })
}

func (r *memAccounts) Create(_ context.Context, a *models.Account) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byEmail(a.Email) != nil || r.keyTaken(a.APIKey, a.Email) {
		return nil, common.ErrAlreadyExists
	}
	return cloneAccount(r.insert(a.Email, a.Credits, a.PasswordHash, a.APIKey)), nil
}

func (r *memAccounts) ClaimByEmail(_ context.Context, email, passwordHash, apiKey string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.byEmail(email)
	if a == nil || a.PasswordHash != nil {
		return nil, common.ErrorNotFound
	}
	a.PasswordHash = strPtr(passwordHash)
	if a.APIKey == nil {
		a.APIKey = strPtr(apiKey)
	}
	a.UpdatedAt = time.Now()
	return cloneAccount(a), nil
}

func (r *memAccounts) FindByID(_ context.Context, id string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[id]; ok {
		return cloneAccount(a), nil
	}
	return nil, common.ErrorNotFound
}

func (r *memAccounts) FindByEmail(_ context.Context, email string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a := r.byEmail(email); a != nil {
		return cloneAccount(a), nil
	}
	return nil, common.ErrorNotFound
}

func (r *memAccounts) FindByAPIKey(_ context.Context, apiKey string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.find(func(a *models.Account) bool { return a.APIKey != nil && *a.APIKey == apiKey })
	if a == nil {
		return nil, common.ErrorNotFound
	}
	return cloneAccount(a), nil
}

func (r *memAccounts) UpsertIncrement(_ context.Context, email string, amount int64, apiKey *string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.byEmail(email)
	if a == nil {
		if r.keyTaken(apiKey, email) {
			return nil, common.ErrAlreadyExists
		}
		return cloneAccount(r.insert(email, amount, nil, apiKey)), nil
	}
	if a.APIKey == nil && apiKey != nil {
		if r.keyTaken(apiKey, email) {
			return nil, common.ErrAlreadyExists
		}
		a.APIKey = strPtr(*apiKey)
	}
	a.Credits += amount
	a.UpdatedAt = time.Now()
	return cloneAccount(a), nil
}

func (r *memAccounts) InsertIfAbsent(_ context.Context, email string, credits int64) (*models.Account, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a := r.byEmail(email); a != nil {
		return cloneAccount(a), false, nil
	}
	return cloneAccount(r.insert(email, credits, nil, nil)), true, nil
}

func (r *memAccounts) UpsertAPIKey(_ context.Context, email, apiKey string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keyTaken(&apiKey, email) {
		return nil, common.ErrAlreadyExists
	}
	a := r.byEmail(email)
	if a == nil {
		return cloneAccount(r.insert(email, 0, nil, strPtr(apiKey))), nil
	}
	a.APIKey = strPtr(apiKey)
	a.UpdatedAt = time.Now()
	return cloneAccount(a), nil
}

func (r *memAccounts) AtomicDecrementBalance(_ context.Context, id string, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok || a.Credits < amount {
		return common.ErrInsufficientBalance
	}
	a.Credits -= amount
	a.UpdatedAt = time.Now()
	return nil
}

func (r *memAccounts) SetRefreshToken(_ context.Context, id string, token *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return common.ErrorNotFound
	}
	a.RefreshToken = nil
	if token != nil {
		a.RefreshToken = strPtr(*token)
	}
	return nil
}

func (r *memAccounts) RotateRefreshToken(_ context.Context, id, oldToken, newToken string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok || a.RefreshToken == nil || *a.RefreshToken != oldToken {
		return common.ErrRefreshTokenMismatch
	}
	a.RefreshToken = strPtr(newToken)
	return nil
}

type memEvents InMemoryRepositoryManager

func (r *memEvents) Claim(_ context.Context, ev *models.WebhookEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[ev.Fingerprint]; ok {
		return false, nil
	}
	c := *ev
	c.CreatedAt = time.Now()
	r.events[ev.Fingerprint] = &c
	return true, nil
}

func (r *memEvents) Get(_ context.Context, fingerprint string) (*models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok := r.events[fingerprint]; ok {
		c := *ev
		return &c, nil
	}
	return nil, common.ErrorNotFound
}

type memObjects InMemoryRepositoryManager

func (r *memObjects) Register(_ context.Context, obj *models.StagedObject) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.objects[obj.Key]; ok {
		return common.ErrAlreadyExists
	}
	c := *obj
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	r.objects[obj.Key] = &c
	return nil
}

func (r *memObjects) FindOwned(_ context.Context, key, accountID string, kind models.StagedKind) (*models.StagedObject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[key]
	if !ok || o.AccountID != accountID || o.Kind != kind || o.State == models.StateDeleted {
		return nil, common.ErrorNotFound
	}
	c := *o
	return &c, nil
}

func (r *memObjects) MarkConsumed(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[key]
	if !ok || o.State != models.StateUploaded {
		return common.ErrorNotFound
	}
	o.State = models.StateConsumed
	o.UpdatedAt = time.Now()
	return nil
}

func (r *memObjects) MarkDeleted(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.objects[key]; ok && o.State != models.StateDeleted {
		o.State = models.StateDeleted
		o.LastError = nil
		o.UpdatedAt = time.Now()
	}
	return nil
}

func (r *memObjects) RecordError(_ context.Context, key, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.objects[key]; ok {
		o.LastError = strPtr(msg)
		o.UpdatedAt = time.Now()
	}
	return nil
}

func (r *memObjects) ListLive(_ context.Context, accountID string, kind models.StagedKind) ([]models.StagedObject, error) {
	return r.list(func(o *models.StagedObject) bool {
		return o.AccountID == accountID && o.Kind == kind && o.State != models.StateDeleted
	}), nil
}

func (r *memObjects) ListOrphans(_ context.Context, olderThan time.Time) ([]models.StagedObject, error) {
	return r.list(func(o *models.StagedObject) bool {
		return o.State != models.StateDeleted && o.UpdatedAt.Before(olderThan)
	}), nil
}

func (r *memObjects) list(match func(*models.StagedObject) bool) []models.StagedObject {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.StagedObject
	for _, o := range r.objects {
		if match(o) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}
