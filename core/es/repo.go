package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/shardkeeper/core/cache"
)

type (
	repoOptions struct {
		snapshotter Snapshotter
		metrics     ESMetrics
		cache       cache.Cache
	}
	RepositoryOption interface{ applyToRepository(*repoOptions) }

	repoSaveOptions struct{ snapshot bool }
	repoLoadOptions struct{ snapshot bool }
	SaveOption      interface{ applyToSaveOptions(*repoSaveOptions) }
	LoadOption      interface{ applyToLoadOptions(*repoLoadOptions) }
)

func (o SnapshotterOption) applyToRepository(options *repoOptions) { options.snapshotter = o.v }
func (o SnapshotOption) applyToSaveOptions(options *repoSaveOptions) { options.snapshot = true }
func (o SnapshotOption) applyToLoadOptions(options *repoLoadOptions) { options.snapshot = true }

// RepoCacheOption enables an in-process read cache for GetByID/GetOrCreate,
// keyed by "<aggType>-<aggID>". Cache entries are evicted whenever Save
// succeeds so a cached hit never returns a stale version.
type RepoCacheOption struct{ c cache.Cache }

func WithRepoCache(c cache.Cache) RepoCacheOption          { return RepoCacheOption{c: c} }
func (o RepoCacheOption) applyToRepository(r *repoOptions) { r.cache = o.c }

// Repository rehydrates aggregates and persists new events with optimistic concurrency.
type Repository interface {
	Load(ctx context.Context, agg Aggregate, opts ...LoadOption) error
	Save(ctx context.Context, agg Aggregate, opts ...SaveOption) error
	CreateSnapshot(ctx context.Context, agg Aggregate) (*Snapshot, error)
}

type repository struct {
	log         *slog.Logger
	store       EventStore
	registry    *EventRegistry
	snapshotter Snapshotter
	metrics     ESMetrics
	cache       cache.Cache
}

func NewRepository(
	log *slog.Logger,
	store EventStore,
	registry *EventRegistry,
	opts ...RepositoryOption,
) Repository {
	options := repoOptions{}
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}

	m := options.metrics
	if m == nil {
		m = NopESMetrics()
	}

	return &repository{
		log:         log.With(slog.String("repo", fmt.Sprintf("%T", store))),
		store:       store,
		registry:    registry,
		snapshotter: options.snapshotter,
		metrics:     m,
		cache:       options.cache,
	}
}

func (r *repository) cacheKey(agg Aggregate) string {
	return fmt.Sprintf("%s-%s", agg.GetAggType(), agg.GetID())
}

// Load rehydrates agg from the store and sets GetID/version.
func (r *repository) Load(ctx context.Context, agg Aggregate, opts ...LoadOption) (err error) {
	aggType := agg.GetAggType()
	if aggType == "" {
		return errors.New("aggregate type is empty")
	}
	aggID := agg.GetID()
	if aggID == "" {
		return errors.New("aggregate id is empty")
	}
	if len(agg.Uncommitted()) != 0 {
		return errors.New("aggregate has uncommitted events (dirty=true)")
	}

	loadOptions := repoLoadOptions{}
	for _, opt := range opts {
		opt.applyToLoadOptions(&loadOptions)
	}

	log := r.log.With(slog.Group("agg", slog.String("type", aggType), slog.String("id", aggID)))
	log.Debug("loading")

	if r.cache != nil {
		if cached, ok := r.cache.Get(r.cacheKey(agg)); ok {
			if data, ok := cached.(json.RawMessage); ok {
				if uErr := json.Unmarshal(data, agg); uErr == nil {
					r.metrics.CacheHit(aggType)
					log.Debug("cache hit")
				}
			}
		} else {
			r.metrics.CacheMiss(aggType)
		}
	}

	if loadOptions.snapshot {
		if r.snapshotter == nil {
			return ErrSnapshotterUnconfigured
		}
		defer r.metrics.SnapshotLoadDuration(aggType).ObserveDuration()
		err = ApplySnapshot(ctx, r.snapshotter, agg)
		if err != nil {
			if !errors.Is(err, ErrSnapshotNotFound) {
				return fmt.Errorf("failed to apply snapshot: %w", err)
			}
		} else {
			log.Debug("snapshot applied", slog.Uint64("seq", agg.GetSeq()), agg.GetVersion().SlogAttr())
		}
	}

	var (
		curVersion = agg.GetVersion()
		curSeq     = agg.GetSeq()
		minVersion = curVersion + 1
		minSeq     = curSeq + 1
	)

	log = r.log.With(
		slog.Group("agg", slog.String("type", aggType), slog.String("id", aggID), slog.Uint64("seq", curSeq), curVersion.SlogAttr()),
	)
	log.Debug(
		"load",
		slog.Group("opts", slog.Uint64("min_seq", minSeq), minVersion.SlogAttrWithKey("min_version"), slog.Bool("snapshot", loadOptions.snapshot)),
	)

	loadTimer := r.metrics.StoreLoadDuration(aggType)
	loaded, err := r.store.Load(ctx, aggType, aggID, WithStartAtVersion(minVersion), WithStartAtSeq(minSeq))
	loadTimer.ObserveDuration()
	if err != nil {
		return err
	}

	for _, e := range loaded {
		expectVersion := agg.GetVersion() + 1
		if e.Version != expectVersion {
			return fmt.Errorf("expect version %d, got %d", expectVersion, e.Version)
		}

		evt, err := r.registry.Decode(e)
		if err != nil {
			return err
		}
		if err := agg.Apply(evt); err != nil {
			return err
		}

		agg.setVersion(e.Version)
		agg.setSeq(e.Seq)
		curVersion = e.Version
		curSeq = e.Seq
	}

	if curVersion == 0 {
		return ErrAggregateNotFound
	}

	r.metrics.RepoLoadDuration(aggType).ObserveDuration()
	return nil
}

func (r *repository) Save(ctx context.Context, agg Aggregate, saveOpts ...SaveOption) error {
	uncommitted := agg.Uncommitted()
	if len(uncommitted) == 0 {
		return nil
	}
	aggType := agg.GetAggType()
	if aggType == "" {
		return errors.New("aggregate type is empty")
	}
	aggID := agg.GetID()
	if aggID == "" {
		return errors.New("aggregate id is empty")
	}

	saveOptions := repoSaveOptions{}
	for _, opt := range saveOpts {
		opt.applyToSaveOptions(&saveOptions)
	}

	defer r.metrics.RepoSaveDuration(aggType).ObserveDuration()

	expectVersion := agg.GetVersion()
	newEnvs := make([]Envelope, 0, len(uncommitted))
	v := expectVersion

	for _, ev := range uncommitted {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}

		v++

		env := Envelope{
			ID:            gonanoid.Must(),
			Type:          getEventTypeOf(ev),
			AggregateID:   aggID,
			AggregateType: aggType,
			Version:       v,
			OccurredAt:    time.Now(),
			Data:          data,
		}

		if err := env.Validate(); err != nil {
			return err
		}

		newEnvs = append(newEnvs, env)
	}

	appendTimer := r.metrics.StoreAppendDuration(aggType)
	res, err := r.store.Append(ctx, aggType, aggID, expectVersion, newEnvs)
	appendTimer.ObserveDuration()
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			r.metrics.ConcurrencyConflict(aggType)
		}
		return fmt.Errorf("failed to save agg_type=%s agg_id=%s: %w", aggType, aggID, err)
	}
	if res == nil {
		return errors.New("append returned nil result")
	}
	agg.setSeq(res.LastSeq)
	agg.setVersion(v)
	agg.ClearUncommitted()
	r.metrics.EventsAppended(aggType, len(newEnvs))

	if r.cache != nil {
		if data, err := json.Marshal(agg); err == nil {
			r.cache.Put(r.cacheKey(agg), json.RawMessage(data))
		}
	}

	if saveOptions.snapshot {
		if _, snapshotErr := r.CreateSnapshot(ctx, agg); snapshotErr != nil {
			return snapshotErr
		}
	}

	r.log.Debug(
		"saved",
		slog.Group("agg", slog.String("id", aggID), slog.String("type", aggType), slog.Uint64("seq", agg.GetSeq()), agg.GetVersion().SlogAttr()),
		slog.Any("opts", saveOptions),
		slog.Int("num_events", len(newEnvs)),
	)

	return nil
}

func (r *repository) CreateSnapshot(ctx context.Context, agg Aggregate) (ss *Snapshot, err error) {
	if r.snapshotter == nil {
		return nil, ErrSnapshotterUnconfigured
	}
	defer r.metrics.SnapshotSaveDuration(agg.GetAggType()).ObserveDuration()
	ss, err = CreateSnapshot(agg)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}
	if err = r.snapshotter.SaveSnapshot(ctx, ss); err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}
	r.log.Debug("snapshot saved", ss.logAttrs())
	return ss, nil
}

var _ Repository = &repository{}

// === TypedRepository ===

type TypedRepository[T Aggregate] interface {
	GetAggType() string
	New() T
	NewWithID(id string) T
	Load(ctx context.Context, a T, opts ...LoadOption) error
	GetOrCreate(ctx context.Context, aggID string, opts ...LoadOption) (T, error)
	GetByID(ctx context.Context, aggID string, opts ...LoadOption) (T, error)
	Save(ctx context.Context, agg T, opts ...SaveOption) error
}

type typedRepo[T Aggregate] struct {
	r   Repository
	log *slog.Logger
}

func (t *typedRepo[T]) New() T { return t.NewWithID("") }

func (t *typedRepo[T]) NewWithID(id string) T {
	var a T
	if c, ok := any(a).(interface{ Create() T }); ok {
		a = c.Create()
	} else {
		rt := reflect.TypeOf((*T)(nil)).Elem()
		if rt.Kind() == reflect.Pointer {
			a = reflect.New(rt.Elem()).Interface().(T)
		} else {
			a = *new(T)
		}
	}
	a.SetID(id)
	return a
}

func (t *typedRepo[T]) Load(ctx context.Context, a T, opts ...LoadOption) error {
	return t.r.Load(ctx, a, opts...)
}

func (t *typedRepo[T]) GetOrCreate(ctx context.Context, aggID string, opts ...LoadOption) (a T, err error) {
	if aggID == "" {
		return a, errors.New("aggregate id is empty")
	}
	a = t.NewWithID(aggID)
	err = t.r.Load(ctx, a, opts...)
	if err != nil {
		if errors.Is(err, ErrAggregateNotFound) {
			if err = a.Create(aggID); err != nil {
				return a, err
			}
			if err = t.Save(ctx, a, WithSnapshot(true)); err != nil {
				return a, err
			}
			t.log.Debug("created", slog.String("id", aggID))
		} else {
			return a, err
		}
	}
	return a, nil
}

func (t *typedRepo[T]) GetByID(ctx context.Context, aggID string, opts ...LoadOption) (a T, err error) {
	if aggID == "" {
		return a, errors.New("aggregate id is empty")
	}
	a = t.NewWithID(aggID)
	if err = t.r.Load(ctx, a, opts...); err != nil {
		return a, err
	}
	return a, nil
}

func (t *typedRepo[T]) Save(ctx context.Context, agg T, opts ...SaveOption) error {
	return t.r.Save(ctx, agg, opts...)
}

func (t *typedRepo[T]) GetAggType() string {
	return t.New().GetAggType()
}

func NewTypedRepository[T Aggregate](log *slog.Logger, s EventStore, reg *EventRegistry, opts ...RepositoryOption) TypedRepository[T] {
	return NewTypedRepositoryFrom[T](log, NewRepository(log, s, reg, opts...))
}

func NewTypedRepositoryFrom[T Aggregate](log *slog.Logger, r Repository) TypedRepository[T] {
	return &typedRepo[T]{r: r, log: log.With(slog.String("repo", fmt.Sprintf("%T", *new(T))))}
}
