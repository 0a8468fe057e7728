// Package entity implements SyncedEntity: the named set of historized
// properties attached to one game object, the per-property transport
// strategy, the state-frame wire codec, client-side prediction with
// reconciliation, and the time-depth compensator for lag-compensated
// hit detection.
package entity

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/example/tick-sync-engine/internal/history"
	"github.com/example/tick-sync-engine/internal/types"
)

// GameObject is the engine-side accessor for the object a SyncedEntity
// shadows. The sync layer never walks a scene tree; everything goes through
// this handle.
type GameObject interface {
	WorldPosition() types.Value
	WorldRotation() types.Value
	Get(field string) types.Value
	Set(field string, value types.Value)
	// ApplyTransformOffset positions the object's hit-test wrapper at an
	// offset from its authoritative transform, for lag compensation.
	ApplyTransformOffset(position, rotation types.Value)
}

// Config tunes entity-wide behaviour.
type Config struct {
	// DefaultCapacity sizes property buffers that do not override it.
	DefaultCapacity int
	// StalenessDelay is how many ticks of stability an auto property
	// tolerates before escalating to the reliable channel.
	StalenessDelay types.Tick
}

// Builder assembles a SyncedEntity from a declarative property list. The
// ordered mapping is built exactly once here; there is no runtime discovery.
type Builder struct {
	id    types.EntityID
	cfg   Config
	specs []struct {
		name string
		cfg  PropertyConfig
	}
}

// NewBuilder starts an entity declaration.
func NewBuilder(id types.EntityID, cfg Config) *Builder {
	if cfg.DefaultCapacity < 2 {
		cfg.DefaultCapacity = 64
	}
	if cfg.StalenessDelay <= 0 {
		cfg.StalenessDelay = 30
	}
	return &Builder{id: id, cfg: cfg}
}

// Property declares one synchronized property. Declaration order is the
// priority order within each strategy class.
func (b *Builder) Property(name string, cfg PropertyConfig) *Builder {
	b.specs = append(b.specs, struct {
		name string
		cfg  PropertyConfig
	}{name, cfg})
	return b
}

// Build materializes the entity. Duplicate property names are a setup bug
// and fail construction.
func (b *Builder) Build(logger zerolog.Logger) (*SyncedEntity, error) {
	if len(b.specs) == 0 {
		return nil, errors.New("entity: at least one property is required")
	}

	e := &SyncedEntity{
		id:           b.id,
		cfg:          b.cfg,
		byName:       make(map[string]*property, len(b.specs)),
		heartbeatDue: make(map[types.PeerID]bool),
		logger:       logger.With().Str("entity", string(b.id)).Logger(),
	}

	for i, spec := range b.specs {
		if _, dup := e.byName[spec.name]; dup {
			return nil, fmt.Errorf("entity %s: duplicate property %q", b.id, spec.name)
		}
		capacity := spec.cfg.Capacity
		if capacity <= 0 {
			capacity = b.cfg.DefaultCapacity
		}
		buf, err := history.New(capacity, history.Config{
			Intra:            spec.cfg.Interpolation,
			GapFill:          spec.cfg.GapFill,
			MaxExtrapolation: spec.cfg.MaxExtrapolation,
		})
		if err != nil {
			return nil, fmt.Errorf("entity %s property %q: %w", b.id, spec.name, err)
		}
		p := &property{
			name:         spec.name,
			cfg:          spec.cfg,
			buf:          buf,
			declIdx:      i,
			lastReliable: make(map[types.PeerID]types.Tick),
			lastSent:     make(map[types.PeerID]types.Tick),
		}
		e.props = append(e.props, p)
		e.byName[spec.name] = p
	}

	// Fixed transmission ordering: strategy class first, declaration order
	// within a class. Both ends compute this locally, so the wire format can
	// omit indices for the ordering prefix.
	e.order = append([]*property(nil), e.props...)
	sort.SliceStable(e.order, func(i, j int) bool {
		ri, rj := e.order[i].cfg.Strategy.classRank(), e.order[j].cfg.Strategy.classRank()
		if ri != rj {
			return ri < rj
		}
		return e.order[i].declIdx < e.order[j].declIdx
	})
	for i, p := range e.order {
		e.orderIdx(p.name, i)
	}

	return e, nil
}

// SyncedEntity owns the ordered property set for one synchronized game
// object. The server-side instance is authoritative; a client-side instance
// is a shadow reconciled from network frames, except properties under active
// client prediction. Owned and mutated by the step loop only.
type SyncedEntity struct {
	id        types.EntityID
	cfg       Config
	belongsTo types.PeerID
	logger    zerolog.Logger

	props  []*property
	byName map[string]*property
	order  []*property
	orderN map[string]int

	obj GameObject

	// remoteNotStale is true while received frames confirm the server state
	// is current; replicate-forward of absent properties is only legal then.
	remoteNotStale bool
	// heartbeatDue marks, per peer, that unreliable motion was sent and a
	// quiescence notice is owed once the stream goes quiet. Each peer gets
	// its own notice; cleared when it is sent or the peer disconnects.
	heartbeatDue map[types.PeerID]bool
}

func (e *SyncedEntity) orderIdx(name string, i int) {
	if e.orderN == nil {
		e.orderN = make(map[string]int, len(e.order))
	}
	e.orderN[name] = i
}

// ID returns the entity id.
func (e *SyncedEntity) ID() types.EntityID { return e.id }

// BelongsTo returns the peer whose input drives this entity (0 = local).
func (e *SyncedEntity) BelongsTo() types.PeerID { return e.belongsTo }

// SetBelongsTo assigns input ownership. The session's step loop picks the
// change up on its next observer refresh; there is no signal indirection.
func (e *SyncedEntity) SetBelongsTo(peer types.PeerID) { e.belongsTo = peer }

// Attach binds the engine-side game object.
func (e *SyncedEntity) Attach(obj GameObject) { e.obj = obj }

// Object returns the attached game object, if any.
func (e *SyncedEntity) Object() GameObject { return e.obj }

// Properties returns the property names in transmission order.
func (e *SyncedEntity) Properties() []string {
	out := make([]string, len(e.order))
	for i, p := range e.order {
		out[i] = p.name
	}
	return out
}

// ClientOwnedProperties returns the names of client-owned properties in
// transmission order, the layout of input-batch value blocks.
func (e *SyncedEntity) ClientOwnedProperties() []string {
	var out []string
	for _, p := range e.order {
		if p.cfg.Strategy == StrategyClientOwned {
			out = append(out, p.name)
		}
	}
	return out
}

func (e *SyncedEntity) prop(name string) (*property, error) {
	p, ok := e.byName[name]
	if !ok {
		return nil, fmt.Errorf("entity %s: unknown property %q", e.id, name)
	}
	return p, nil
}

// Write records an authoritative value at tick.
func (e *SyncedEntity) Write(name string, tick types.Tick, value types.Value) error {
	p, err := e.prop(name)
	if err != nil {
		return err
	}
	p.buf.Write(tick, value)
	return nil
}

// WriteLocal records a locally predicted value. If the server has not
// confirmed prediction for this property yet, the write forces prediction on
// until the corresponding input is acknowledged.
func (e *SyncedEntity) WriteLocal(name string, tick types.Tick, value types.Value, inputID types.InputID) error {
	p, err := e.prop(name)
	if err != nil {
		return err
	}
	p.buf.Write(tick, value)
	p.pred.noteLocalWrite(inputID)
	return nil
}

// Read samples a property at a possibly fractional tick.
func (e *SyncedEntity) Read(name string, tick float64) (types.Value, error) {
	p, err := e.prop(name)
	if err != nil {
		return types.Value{}, err
	}
	return p.buf.Read(tick), nil
}

// ValueAt returns the stored value at an integer tick, clamped to the
// retained range.
func (e *SyncedEntity) ValueAt(name string, tick types.Tick) (types.Value, error) {
	p, err := e.prop(name)
	if err != nil {
		return types.Value{}, err
	}
	return p.buf.ValueAt(tick), nil
}

// Buffer exposes a property's history buffer for session-level bookkeeping.
func (e *SyncedEntity) Buffer(name string) (*history.Buffer, error) {
	p, err := e.prop(name)
	if err != nil {
		return nil, err
	}
	return p.buf, nil
}

// BindAutoSync registers the getter/setter pair copied to and from the game
// object every step. Registration is explicit; the core never discovers
// bindings by traversal.
func (e *SyncedEntity) BindAutoSync(name string, getter func() types.Value, setter func(types.Value)) error {
	p, err := e.prop(name)
	if err != nil {
		return err
	}
	p.getter = getter
	p.setter = setter
	return nil
}

// CaptureStep reads every bound getter into its buffer at tick. Server-side
// entities call this each fixed step to historize simulation output.
func (e *SyncedEntity) CaptureStep(tick types.Tick) {
	for _, p := range e.props {
		if p.getter != nil {
			p.buf.Write(tick, p.getter())
		}
	}
}

// PublishStep pushes interpolated values at the fractional tick back into
// every bound setter. Prediction smoothing weights are applied here so a
// correction ramps in rather than popping.
func (e *SyncedEntity) PublishStep(tick float64) {
	for _, p := range e.props {
		if p.setter == nil || !p.buf.Written() {
			continue
		}
		value := p.buf.Read(tick)
		if w := p.pred.smoothingWeight(types.Tick(tick)); w > 0 && w < 1 {
			// Mid-ramp: blend the rolled-back server value with the
			// last predicted plateau to avoid a visible pop.
			span := p.buf.LastRollback()
			predicted := p.buf.ValueAt(span.From)
			value = value.Lerp(predicted, w)
		}
		p.setter(value)
	}
}

// Rollback discards history after to for every property; used when the
// server rewinds a client-owned entity to reconcile a late input, and when
// time-depth evaluation needs an older baseline.
func (e *SyncedEntity) Rollback(to types.Tick) {
	for _, p := range e.props {
		p.buf.Rollback(to)
	}
}

// Predicting reports whether any property is under active client-side
// prediction. Frames cannot be shared across peers while it is true, since
// the acknowledged input differs per peer.
func (e *SyncedEntity) Predicting() bool {
	for _, p := range e.props {
		if p.pred.active() {
			return true
		}
	}
	return false
}

// Batchable reports whether a single encoded frame can serve every connected
// peer this send cycle. perPeerDepth is true when time depth differs between
// peers for this entity.
func (e *SyncedEntity) Batchable(perPeerDepth bool) bool {
	return !perPeerDepth && !e.Predicting()
}

// MarkRemoteStale flags that no frame has arrived for longer than the
// extrapolation budget; replicate-forward stops until data resumes.
func (e *SyncedEntity) MarkRemoteStale() { e.remoteNotStale = false }

// ForgetPeer drops per-peer send bookkeeping after a disconnect. A
// reconnecting peer starts from a zero baseline and receives full state.
func (e *SyncedEntity) ForgetPeer(peer types.PeerID) {
	for _, p := range e.props {
		p.forgetPeer(peer)
	}
	delete(e.heartbeatDue, peer)
}
