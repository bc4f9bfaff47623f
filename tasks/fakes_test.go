package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/caliperml/caliper/domain"
	"github.com/caliperml/caliper/repository"
)

// storedAggregate is the persisted shape of one aggregate in the fakes.
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

type fakeUseCases struct {
	mu       sync.Mutex
	items    map[string]*domain.UseCase
	machines map[string]*storedAggregate
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
	if uc.State == "" {
		uc.State = domain.UseCaseDefinition.Initial
	}
	f.items[uc.ID] = uc
	f.machines[uc.ID] = &storedAggregate{
		state:   uc.State,
		history: []domain.HistoryEntry{{State: uc.State, Timestamp: time.Now().UTC()}},
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
	}
	return nil
}

func (f *fakeUseCases) currentState(id string) domain.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.machines[id].state
}

func (f *fakeUseCases) history(id string) []domain.HistoryEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.HistoryEntry, len(f.machines[id].history))
	copy(out, f.machines[id].history)
	return out
}

type fakeModels struct {
	mu       sync.Mutex
	items    map[string]*domain.ModelEvaluation
	machines map[string]*storedAggregate
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
	if m.CurrentState == "" {
		m.CurrentState = domain.ModelDefinition.Initial
	}
	f.items[m.ID] = m
	f.machines[m.ID] = &storedAggregate{
		state:   m.CurrentState,
		history: []domain.HistoryEntry{{State: m.CurrentState, Timestamp: time.Now().UTC()}},
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
	return map[domain.State][]string{}, nil
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
	}
	return nil
}

func (f *fakeModels) currentState(id string) domain.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.machines[id].state
}

func (f *fakeModels) history(id string) []domain.HistoryEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.HistoryEntry, len(f.machines[id].history))
	copy(out, f.machines[id].history)
	return out
}

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

type fakeBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
	err   error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{blobs: make(map[string][]byte)}
}

func (f *fakeBlobs) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[key] = data
}

func (f *fakeBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: blob %s", domain.ErrNotFound, key)
	}
	return data, nil
}

// fakeWorkflowQueue records follow-up tasks and answers cancel probes.
type fakeWorkflowQueue struct {
	mu        sync.Mutex
	tasks     []fakeTask
	err       error
	cancelled map[string]bool
}

type fakeTask struct {
	name string
	args map[string]interface{}
}

func newFakeWorkflowQueue() *fakeWorkflowQueue {
	return &fakeWorkflowQueue{cancelled: make(map[string]bool)}
}

func (f *fakeWorkflowQueue) Enqueue(ctx context.Context, name string, args map[string]interface{}, priority, maxRetries int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.tasks = append(f.tasks, fakeTask{name: name, args: args})
	return fmt.Sprintf("task-%d", len(f.tasks)), nil
}

func (f *fakeWorkflowQueue) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[id], nil
}

func (f *fakeWorkflowQueue) byName(name string) []fakeTask {
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
