package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/caliperml/caliper/domain"
	"github.com/caliperml/caliper/repository"
)

// storedAggregate is the persisted shape of one aggregate in the fakes:
// current state, full history and the optimistic concurrency counter.
type storedAggregate struct {
	state   domain.State
	history []domain.HistoryEntry
	version int64
}

func (a *storedAggregate) load(def *domain.Definition, id string) (*domain.StateMachine, error) {
	history := make([]domain.HistoryEntry, len(a.history))
	copy(history, a.history)
	sm, err := domain.RestoreStateMachine(def, id, a.state, history)
	if err != nil {
		return nil, err
	}
	sm.SetVersion(a.version)
	return sm, nil
}

func (a *storedAggregate) save(sm *domain.StateMachine) error {
	if sm.Version() != a.version {
		return domain.ErrStaleWrite
	}
	a.state = sm.Current()
	a.history = sm.History()
	a.version++
	sm.MarkPersisted()
	sm.SetVersion(a.version)
	return nil
}

// fakeUseCases is an in-memory repository.UseCases.
type fakeUseCases struct {
	mu       sync.Mutex
	items    map[string]*domain.UseCase
	machines map[string]*storedAggregate

	// saveHook runs before each SaveMachine, e.g. to inject concurrent
	// writers.
	saveHook func(id string)
}

func newFakeUseCases() *fakeUseCases {
	return &fakeUseCases{
		items:    make(map[string]*domain.UseCase),
		machines: make(map[string]*storedAggregate),
	}
}

func (f *fakeUseCases) Create(ctx context.Context, uc *domain.UseCase) error {
	if err := uc.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	uc.State = domain.UseCaseDefinition.Initial
	uc.CreatedAt = time.Now().UTC()
	uc.UpdatedAt = uc.CreatedAt
	f.items[uc.ID] = uc
	f.machines[uc.ID] = &storedAggregate{
		state:   uc.State,
		history: []domain.HistoryEntry{{State: uc.State, Timestamp: uc.CreatedAt}},
	}
	return nil
}

func (f *fakeUseCases) Get(ctx context.Context, id string) (*domain.UseCase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uc, ok := f.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: use case %s", domain.ErrNotFound, id)
	}
	out := *uc
	return &out, nil
}

func (f *fakeUseCases) List(ctx context.Context, filter repository.UseCaseFilter) ([]domain.UseCase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.UseCase
	for _, uc := range f.items {
		if filter.State != "" && uc.State != filter.State {
			continue
		}
		out = append(out, *uc)
	}
	return out, nil
}

func (f *fakeUseCases) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, id)
	delete(f.machines, id)
	return nil
}

func (f *fakeUseCases) SetConfigFileKey(ctx context.Context, id, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	uc, ok := f.items[id]
	if !ok {
		return fmt.Errorf("%w: use case %s", domain.ErrNotFound, id)
	}
	uc.ConfigFileKey = key
	return nil
}

func (f *fakeUseCases) SetDatasetFileKey(ctx context.Context, id, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	uc, ok := f.items[id]
	if !ok {
		return fmt.Errorf("%w: use case %s", domain.ErrNotFound, id)
	}
	uc.DatasetFileKey = key
	return nil
}

func (f *fakeUseCases) AttachQualityIssues(ctx context.Context, id string, issues []domain.QualityIssue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	uc, ok := f.items[id]
	if !ok {
		return fmt.Errorf("%w: use case %s", domain.ErrNotFound, id)
	}
	uc.QualityIssues = issues
	return nil
}

func (f *fakeUseCases) AttachEvaluationResults(ctx context.Context, id string, results map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	uc, ok := f.items[id]
	if !ok {
		return fmt.Errorf("%w: use case %s", domain.ErrNotFound, id)
	}
	uc.EvaluationResults = results
	return nil
}

func (f *fakeUseCases) LoadMachine(ctx context.Context, id string) (*domain.StateMachine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.machines[id]
	if !ok {
		return nil, fmt.Errorf("%w: use case %s", domain.ErrNotFound, id)
	}
	return stored.load(domain.UseCaseDefinition, id)
}

func (f *fakeUseCases) SaveMachine(ctx context.Context, sm *domain.StateMachine) error {
	if f.saveHook != nil {
		f.saveHook(sm.AggregateID())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.machines[sm.AggregateID()]
	if !ok {
		return fmt.Errorf("%w: use case %s", domain.ErrNotFound, sm.AggregateID())
	}
	if err := stored.save(sm); err != nil {
		return err
	}
	if uc, ok := f.items[sm.AggregateID()]; ok {
		uc.State = sm.Current()
		uc.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// forceState rewrites a use case's persisted state, bypassing the table.
func (f *fakeUseCases) forceState(id string, state domain.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.machines[id]
	stored.state = state
	stored.history = append(stored.history, domain.HistoryEntry{State: state, Timestamp: time.Now().UTC()})
	stored.version++
	f.items[id].State = state
}

// fakeModels is an in-memory repository.Models.
type fakeModels struct {
	mu       sync.Mutex
	items    map[string]*domain.ModelEvaluation
	machines map[string]*storedAggregate

	saveHook func(id string)
}

func newFakeModels() *fakeModels {
	return &fakeModels{
		items:    make(map[string]*domain.ModelEvaluation),
		machines: make(map[string]*storedAggregate),
	}
}

func (f *fakeModels) Create(ctx context.Context, m *domain.ModelEvaluation) error {
	if err := m.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m.CurrentState = domain.ModelDefinition.Initial
	m.CreatedAt = time.Now().UTC()
	m.UpdatedAt = m.CreatedAt
	f.items[m.ID] = m
	f.machines[m.ID] = &storedAggregate{
		state:   m.CurrentState,
		history: []domain.HistoryEntry{{State: m.CurrentState, Timestamp: m.CreatedAt}},
	}
	return nil
}

func (f *fakeModels) Get(ctx context.Context, id string) (*domain.ModelEvaluation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: model %s", domain.ErrNotFound, id)
	}
	out := *m
	return &out, nil
}

func (f *fakeModels) ListByUseCase(ctx context.Context, useCaseID string) ([]domain.ModelEvaluation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ModelEvaluation
	for _, m := range f.items {
		if m.UseCaseID == useCaseID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeModels) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, id)
	delete(f.machines, id)
	return nil
}

func (f *fakeModels) SetDatasetFileKey(ctx context.Context, id, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.items[id]
	if !ok {
		return fmt.Errorf("%w: model %s", domain.ErrNotFound, id)
	}
	m.DatasetFileKey = key
	return nil
}

func (f *fakeModels) SetPredictionsFileKey(ctx context.Context, id, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.items[id]
	if !ok {
		return fmt.Errorf("%w: model %s", domain.ErrNotFound, id)
	}
	m.PredictionsFileKey = key
	return nil
}

func (f *fakeModels) AttachQualityIssues(ctx context.Context, id string, issues []domain.QualityIssue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.items[id]
	if !ok {
		return fmt.Errorf("%w: model %s", domain.ErrNotFound, id)
	}
	m.QualityIssues = issues
	return nil
}

func (f *fakeModels) FindByState(ctx context.Context, useCaseID string, state domain.State) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, m := range f.items {
		if m.UseCaseID == useCaseID && m.CurrentState == state {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func (f *fakeModels) StateSummary(ctx context.Context, useCaseID string) (map[domain.State]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	summary := make(map[domain.State]int)
	for _, m := range f.items {
		if m.UseCaseID == useCaseID {
			summary[m.CurrentState]++
		}
	}
	return summary, nil
}

func (f *fakeModels) NeedingAction(ctx context.Context, useCaseID string) (map[domain.State][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[domain.State][]string)
	for _, m := range f.items {
		if m.UseCaseID != useCaseID {
			continue
		}
		switch m.CurrentState {
		case domain.StateAwaitingDataFix, domain.StateQualityCheckFailed, domain.StateEvaluationFailed:
			out[m.CurrentState] = append(out[m.CurrentState], m.ID)
		}
	}
	return out, nil
}

func (f *fakeModels) LoadMachine(ctx context.Context, id string) (*domain.StateMachine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.machines[id]
	if !ok {
		return nil, fmt.Errorf("%w: model %s", domain.ErrNotFound, id)
	}
	return stored.load(domain.ModelDefinition, id)
}

func (f *fakeModels) SaveMachine(ctx context.Context, sm *domain.StateMachine) error {
	if f.saveHook != nil {
		f.saveHook(sm.AggregateID())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.machines[sm.AggregateID()]
	if !ok {
		return fmt.Errorf("%w: model %s", domain.ErrNotFound, sm.AggregateID())
	}
	if err := stored.save(sm); err != nil {
		return err
	}
	if m, ok := f.items[sm.AggregateID()]; ok {
		m.CurrentState = sm.Current()
		m.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (f *fakeModels) forceState(id string, state domain.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.machines[id]
	stored.state = state
	stored.history = append(stored.history, domain.HistoryEntry{State: state, Timestamp: time.Now().UTC()})
	stored.version++
	f.items[id].CurrentState = state
}

// fakeActivity is an in-memory repository.ActivityLog.
type fakeActivity struct {
	mu      sync.Mutex
	entries []domain.ActivityEntry
	seen    map[string]bool
}

func newFakeActivity() *fakeActivity {
	return &fakeActivity{seen: make(map[string]bool)}
}

func (f *fakeActivity) Append(ctx context.Context, entry domain.ActivityEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.CreatedAt = time.Now().UTC()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeActivity) AppendOnce(ctx context.Context, entry domain.ActivityEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry.DedupeKey != "" {
		if f.seen[entry.DedupeKey] {
			return nil
		}
		f.seen[entry.DedupeKey] = true
	}
	entry.CreatedAt = time.Now().UTC()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeActivity) ForUseCase(ctx context.Context, useCaseID string, limit int) ([]domain.ActivityEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ActivityEntry
	for i := len(f.entries) - 1; i >= 0; i-- {
		if f.entries[i].UseCaseID == useCaseID {
			out = append(out, f.entries[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeActivity) byType(activityType string) []domain.ActivityEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ActivityEntry
	for _, e := range f.entries {
		if e.ActivityType == activityType {
			out = append(out, e)
		}
	}
	return out
}

// fakeEnqueuer records enqueued tasks.
type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []fakeTask
	err   error
}

type fakeTask struct {
	name string
	args map[string]interface{}
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, name string, args map[string]interface{}, priority, maxRetries int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.tasks = append(f.tasks, fakeTask{name: name, args: args})
	return fmt.Sprintf("task-%d", len(f.tasks)), nil
}

func (f *fakeEnqueuer) byName(name string) []fakeTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeTask
	for _, task := range f.tasks {
		if task.name == name {
			out = append(out, task)
		}
	}
	return out
}

// fakeBlobs is an in-memory BlobPutter.
type fakeBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
	err   error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{blobs: make(map[string][]byte)}
}

func (f *fakeBlobs) Put(ctx context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: blob %s", domain.ErrNotFound, key)
	}
	return append([]byte(nil), data...), nil
}
